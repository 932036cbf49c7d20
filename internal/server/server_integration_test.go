//go:build integration

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/pgcall/pgcall/internal/config"
	"github.com/pgcall/pgcall/internal/resolvercache"
	"github.com/pgcall/pgcall/internal/server"
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

func TestServerDispatchesRPCCall(t *testing.T) {
	cfg := config.Default()
	logger := testutil.DiscardLogger()
	srv := server.New(cfg, logger, sharedPG.Pool, resolvercache.New())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{
		"method": "get_userid_by_username",
		"params": map[string]any{"username": "joel"},
	})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/", bytes.NewReader(body))
	testutil.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	testutil.NoError(t, err)
	defer resp.Body.Close()
	testutil.Equal(t, resp.StatusCode, http.StatusOK)

	var decoded map[string]any
	testutil.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	if _, ok := decoded["result"]; !ok {
		t.Errorf("expected result field: %v", decoded)
	}
}

func TestServerGetRouteDispatchesRPCCall(t *testing.T) {
	cfg := config.Default()
	logger := testutil.DiscardLogger()
	srv := server.New(cfg, logger, sharedPG.Pool, resolvercache.New())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/get_userid_by_username?username=joel")
	testutil.NoError(t, err)
	defer resp.Body.Close()
	testutil.Equal(t, resp.StatusCode, http.StatusOK)
}
