//go:build integration

package dbconn_test

import (
	"context"
	"os"
	"testing"

	"github.com/pgcall/pgcall/internal/dbconn"
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

func TestCallProcScalarReturn(t *testing.T) {
	ctx := context.Background()
	f := dbconn.New(sharedPG.Pool, dbconn.Config{}, testutil.DiscardLogger())

	rs, err := f.CallProc(ctx, "public", "get_userid_by_username", map[string]any{"_username": "joel"})
	testutil.NoError(t, err)
	testutil.SliceLen(t, rs.Rows, 1)
}

func TestCallProcMultiRow(t *testing.T) {
	ctx := context.Background()
	f := dbconn.New(sharedPG.Pool, dbconn.Config{}, testutil.DiscardLogger())

	idRS, err := f.CallProc(ctx, "public", "get_userid_by_username", map[string]any{"_username": "joel"})
	testutil.NoError(t, err)
	userid := idRS.Rows[0]["get_userid_by_username"]

	rs, err := f.CallProc(ctx, "public", "get_user_hosts", map[string]any{"_userid": userid})
	testutil.NoError(t, err)
	testutil.SliceLen(t, rs.Rows, 3)
}

func TestCallProcSyntaxErrorDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	f := dbconn.New(sharedPG.Pool, dbconn.Config{RetryBackoffSeconds: 1, MaxRetries: 1}, testutil.DiscardLogger())

	_, err := f.CallProc(ctx, "public", "no_such_function", map[string]any{"_x": 1})
	testutil.ErrorContains(t, err, "42")
}
