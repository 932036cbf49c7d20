package resolvercache

import "testing"

func TestKeyIsOrderIndependent(t *testing.T) {
	a := Key("get_user", []string{"_b", "_a"})
	b := Key("get_user", []string{"_a", "_b"})
	if a != b {
		t.Errorf("Key not order independent: %q vs %q", a, b)
	}
}

func TestKeyDistinguishesArgsets(t *testing.T) {
	a := Key("foo", []string{"_a"})
	b := Key("foo", []string{"_a", "_b"})
	if a == b {
		t.Errorf("Key collided for different argsets: %q", a)
	}
}

func TestPutThenGet(t *testing.T) {
	c := New()
	key := Key("get_user", []string{"_userid"})
	entry := Entry{Schema: "public", Proc: "get_user", ReturnsSet: false}

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss before Put")
	}

	c.Put(key, entry)

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got != entry {
		t.Errorf("Get = %+v, want %+v", got, entry)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	c := New()
	key := Key("foo", nil)
	c.Put(key, Entry{Proc: "first"})
	c.Put(key, Entry{Proc: "second"})

	got, _ := c.Get(key)
	if got.Proc != "second" {
		t.Errorf("Proc = %q, want %q", got.Proc, "second")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
