//go:build integration

package resolver_test

import (
	"context"
	"os"
	"testing"

	"github.com/pgcall/pgcall/internal/resolver"
	"github.com/pgcall/pgcall/internal/resolvercache"
	"github.com/pgcall/pgcall/internal/testutil"
)

var sharedPG *testutil.PGContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, cleanup := testutil.StartPostgresForTestMain(ctx)
	if err := testutil.ApplyFixtureSchema(ctx, pg.Pool); err != nil {
		panic(err)
	}
	sharedPG = pg
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func TestResolveScalarProcedurePopulatesCache(t *testing.T) {
	ctx := context.Background()
	cache := resolvercache.New()
	r := resolver.New(sharedPG.Pool, cache)

	rc, err := r.Resolve(ctx, resolver.MethodCall{
		Method: "get_userid_by_username",
		Params: map[string]any{"username": "joel"},
	})
	testutil.NoError(t, err)
	testutil.Equal(t, rc.Proc, "get_userid_by_username")
	testutil.Equal(t, rc.Params["_username"], "joel")
	testutil.Equal(t, cache.Len(), 1)

	// Second resolution of the same (method, argset) hits the cache and
	// does not need another catalog round trip to succeed.
	rc2, err := r.Resolve(ctx, resolver.MethodCall{
		Method: "get_userid_by_username",
		Params: map[string]any{"Username": "ann"},
	})
	testutil.NoError(t, err)
	testutil.Equal(t, rc2.Proc, "get_userid_by_username")
	testutil.Equal(t, cache.Len(), 1)
}

func TestResolveInjectsHost(t *testing.T) {
	ctx := context.Background()
	r := resolver.New(sharedPG.Pool, resolvercache.New())

	rc, err := r.Resolve(ctx, resolver.MethodCall{
		Method: "get_user_context",
		Params: map[string]any{"username": "joel"},
		Host:   "127.0.0.1",
	})
	testutil.NoError(t, err)
	testutil.Equal(t, rc.Params["_host"], "127.0.0.1")
}

func TestResolveUnknownMethod(t *testing.T) {
	ctx := context.Background()
	r := resolver.New(sharedPG.Pool, resolvercache.New())

	_, err := r.Resolve(ctx, resolver.MethodCall{Method: "no_such_method"})
	testutil.ErrorContains(t, err, "unknown method")
}

func TestResolveMismatchedArgsetIsUnknown(t *testing.T) {
	ctx := context.Background()
	r := resolver.New(sharedPG.Pool, resolvercache.New())

	_, err := r.Resolve(ctx, resolver.MethodCall{
		Method: "foo",
		Params: map[string]any{"a": 1, "c": 2},
	})
	testutil.ErrorContains(t, err, "unknown method")
}

func TestResolveTrueAmbiguity(t *testing.T) {
	ctx := context.Background()
	r := resolver.New(sharedPG.Pool, resolvercache.New())

	_, err := r.Resolve(ctx, resolver.MethodCall{
		Method: "bar_baz",
		Params: map[string]any{"x": 1},
	})
	testutil.ErrorContains(t, err, "ambiguous method")
}

func TestResolveV1IgnoresFunctionsNameAndDispatchesToFixedProcedure(t *testing.T) {
	ctx := context.Background()
	_, err := sharedPG.Pool.Exec(ctx, `
		INSERT INTO "Functions" ("ApiMethod", "ApiParams", "Name") VALUES
		('Withdraw', ARRAY['Amount'], 'some_other_schema.some_other_proc')
		ON CONFLICT ("ApiMethod") DO NOTHING`)
	testutil.NoError(t, err)

	r := resolver.New(sharedPG.Pool, resolvercache.New())
	rc, err := r.Resolve(ctx, resolver.MethodCall{
		Method:      "Withdraw",
		Params:      map[string]any{"Amount": 5, "Password": "x"},
		IsV1:        true,
		V1Signature: "sig",
		V1UUID:      "uuid-2",
		Host:        "127.0.0.1",
	})
	testutil.NoError(t, err)
	testutil.Equal(t, rc.Schema, "public")
	testutil.Equal(t, rc.Proc, "api_call")
}

func TestResolveV1Envelope(t *testing.T) {
	ctx := context.Background()
	_, err := sharedPG.Pool.Exec(ctx, `
		INSERT INTO "Functions" ("ApiMethod", "ApiParams", "Name") VALUES
		('Deposit', ARRAY['Amount','Currency'], 'public.api_call')
		ON CONFLICT ("ApiMethod") DO NOTHING`)
	testutil.NoError(t, err)

	r := resolver.New(sharedPG.Pool, resolvercache.New())
	rc, err := r.Resolve(ctx, resolver.MethodCall{
		Method:      "Deposit",
		Params:      map[string]any{"Amount": 10, "Currency": "USD", "Password": "x"},
		IsV1:        true,
		V1Signature: "sig",
		V1UUID:      "uuid-1",
		Host:        "127.0.0.1",
	})
	testutil.NoError(t, err)
	testutil.Equal(t, rc.Proc, "api_call")
	testutil.True(t, rc.IsV1, "expected IsV1")
	testutil.Equal(t, rc.Params["_method"], "Deposit")
	testutil.Equal(t, rc.Params["_uuid"], "uuid-1")
}
