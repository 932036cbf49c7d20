package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pgcall/pgcall/internal/config"
	"github.com/pgcall/pgcall/internal/resolvercache"
	"github.com/pgcall/pgcall/internal/server"
	"github.com/pgcall/pgcall/internal/testutil"
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.Default()
	logger := testutil.DiscardLogger()
	return server.New(cfg, logger, nil, resolvercache.New())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	testutil.Equal(t, w.Code, http.StatusOK)
	testutil.Equal(t, w.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &body)
	testutil.NoError(t, err)
	testutil.Equal(t, body["status"], "ok")
}

func TestRPCRoutesNotRegisteredWithoutPool(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	testutil.Equal(t, w.Code, http.StatusNotFound)
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/does/not/exist/here", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	testutil.Equal(t, w.Code, http.StatusNotFound)
}
