package invoker

import (
	"context"
	"errors"
	"testing"

	"github.com/pgcall/pgcall/internal/dbconn"
	"github.com/pgcall/pgcall/internal/resolver"
)

type fakeFacade struct {
	gotSchema, gotProc string
	gotParams          map[string]any
	rs                 dbconn.Rowset
	err                error
}

func (f *fakeFacade) CallProc(ctx context.Context, schema, proc string, params map[string]any) (dbconn.Rowset, error) {
	f.gotSchema, f.gotProc, f.gotParams = schema, proc, params
	return f.rs, f.err
}

func TestInvokePassesSchemaProcParams(t *testing.T) {
	fake := &fakeFacade{rs: dbconn.Rowset{Columns: []string{"x"}}}
	inv := New(fake)

	call := resolver.ResolvedCall{
		Schema: "public",
		Proc:   "get_user",
		Params: map[string]any{"_userid": 1},
	}

	rs, err := inv.Invoke(context.Background(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.gotSchema != "public" || fake.gotProc != "get_user" {
		t.Errorf("facade got schema=%q proc=%q", fake.gotSchema, fake.gotProc)
	}
	if fake.gotParams["_userid"] != 1 {
		t.Errorf("facade got params %v", fake.gotParams)
	}
	if len(rs.Columns) != 1 {
		t.Errorf("rowset not passed through: %v", rs)
	}
}

func TestInvokeWrapsFacadeError(t *testing.T) {
	wantErr := errors.New("boom")
	fake := &fakeFacade{err: wantErr}
	inv := New(fake)

	_, err := inv.Invoke(context.Background(), resolver.ResolvedCall{Schema: "public", Proc: "f"})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want wrapping %v", err, wantErr)
	}
}
