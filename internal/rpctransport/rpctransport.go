// Package rpctransport is the HTTP wire layer for pgcall: it decodes
// JSON-RPC requests (POST body or GET query string), drives them through
// the resolver, invoker and shaper, and encodes the JSON-RPC response
// envelope, per spec.md §6.
package rpctransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pgcall/pgcall/internal/dbconn"
	"github.com/pgcall/pgcall/internal/invoker"
	"github.com/pgcall/pgcall/internal/resolver"
	"github.com/pgcall/pgcall/internal/rpcerr"
	"github.com/pgcall/pgcall/internal/shaper"
)

// methodPattern validates an unqualified or schema-qualified method name.
var methodPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*\.)?[A-Za-z_][A-Za-z0-9_]*$`)

// invalidRequestBody is the fixed HTTP 400 body for a malformed envelope.
var invalidRequestBody = []byte(`{"jsonrpc":"2.0","error":{"code":-32600,"message":"Invalid Request."},"id":null}`)

// Local error codes for taxonomy kinds the database's own error-code
// catalog never sees, since they never reach a procedure call.
const (
	codeInvalidParameters = 600
	codeUnknownMethod     = 601
	codeAmbiguous         = 602
	codeInternalError     = 610
	codeConnectionLost    = 611
)

// wireRequest is the JSON-RPC request envelope, spec.md §6.
type wireRequest struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Version string          `json:"version,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// v1Envelope is the legacy signed-call shape.
type v1Envelope struct {
	Signature string         `json:"Signature"`
	UUID      string         `json:"UUID"`
	Data      map[string]any `json:"Data"`
}

// Handler wires the resolver/invoker/shaper/error-mapper pipeline to HTTP.
type Handler struct {
	resolver       *resolver.Resolver
	invoker        *invoker.Invoker
	errMapper      *rpcerr.Mapper
	logger         *slog.Logger
	signingEnabled bool
}

// New constructs a Handler. signingEnabled gates acceptance of the v1
// {Signature, UUID, Data} envelope shape: when false, a request shaped
// that way is rejected as an unknown method rather than dispatched.
func New(res *resolver.Resolver, inv *invoker.Invoker, errMapper *rpcerr.Mapper, logger *slog.Logger, signingEnabled bool) *Handler {
	return &Handler{resolver: res, invoker: inv, errMapper: errMapper, logger: logger, signingEnabled: signingEnabled}
}

// Routes mounts the JSON-RPC POST and GET handlers on a standalone
// sub-router, for use when pgcall's RPC surface is the only thing an
// embedder wants to serve.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.HandlePost)
	r.Get("/{method}", h.HandleGet)
	return r
}

// HandlePost serves the JSON-RPC POST / route.
func (h *Handler) HandlePost(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)

	ct := r.Header.Get("Content-Type")
	accept := r.Header.Get("Accept")
	if !strings.HasPrefix(ct, "application/json") || !strings.Contains(accept, "application/json") {
		writeInvalidRequest(w)
		return
	}

	var req wireRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}
	if !methodPattern.MatchString(req.Method) {
		writeInvalidRequest(w)
		return
	}

	h.dispatch(ctx, w, r, req)
}

// HandleGet serves the JSON-RPC GET /{method} route.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)

	method := chi.URLParam(r, "method")
	if !methodPattern.MatchString(method) {
		writeInvalidRequest(w)
		return
	}

	params := queryToParams(r.URL.Query())
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		writeInvalidRequest(w)
		return
	}

	req := wireRequest{Method: method, Params: paramsJSON}
	h.dispatch(ctx, w, r, req)
}

func (h *Handler) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, req wireRequest) {
	call, err := buildMethodCall(req, clientHost(r), h.signingEnabled)
	if errors.Is(err, errSigningDisabled) {
		h.writeError(w, req, codeUnknownMethod, "UnknownMethod")
		return
	}
	if err != nil {
		h.writeError(w, req, codeInvalidParameters, "InvalidParameters")
		return
	}

	resolved, err := h.resolver.Resolve(ctx, call)
	if err != nil {
		h.handlePipelineError(ctx, w, req, call, err)
		return
	}

	rs, err := h.invoker.Invoke(ctx, resolved)
	if err != nil {
		h.handleProcedureError(ctx, w, req, resolved, err)
		return
	}

	result, err := shaper.Shape(rs, shaper.Meta{ReturnsSet: resolved.ReturnsSet, ReturnsJSON: resolved.ReturnsJSON})
	if err != nil {
		h.logger.Error("shape violation", "method", req.Method, "error", err)
		h.writeError(w, req, codeInternalError, "InternalError")
		return
	}

	writeSuccess(w, req, result)
}

func (h *Handler) handlePipelineError(ctx context.Context, w http.ResponseWriter, req wireRequest, call resolver.MethodCall, err error) {
	switch {
	case errors.Is(err, resolver.ErrUnknownMethod):
		h.writeError(w, req, codeUnknownMethod, "UnknownMethod")
	case errors.Is(err, resolver.ErrAmbiguous):
		h.writeError(w, req, codeAmbiguous, "Ambiguous")
	case errors.Is(err, resolver.ErrInvalidParameters):
		h.writeError(w, req, codeInvalidParameters, "InvalidParameters")
	default:
		h.logger.Error("resolve failed", "method", req.Method, "error", err)
		h.writeError(w, req, codeInternalError, "InternalError")
	}
}

func (h *Handler) handleProcedureError(ctx context.Context, w http.ResponseWriter, req wireRequest, resolved resolver.ResolvedCall, err error) {
	if errors.Is(err, dbconn.ErrConnectionLost) {
		h.writeError(w, req, codeConnectionLost, "ConnectionLost")
		return
	}

	message, ok := dbconn.Message(err)
	if !ok {
		h.logger.Error("procedure call failed", "method", req.Method, "error", err)
		message = err.Error()
	}

	mapped := h.errMapper.Map(ctx, message, resolved.V1Method, resolved.V1UUID)
	writeMappedError(w, req, mapped)
}

func (h *Handler) writeError(w http.ResponseWriter, req wireRequest, code int, name string) {
	mapped := rpcerr.Error{Name: "JSONRPCError", Message: name, Code: code}
	writeMappedError(w, req, mapped)
}

// errSigningDisabled marks a v1-shaped request arriving while
// signing.enabled is false in config.
var errSigningDisabled = errors.New("v1 signed envelope dispatch is disabled")

func buildMethodCall(req wireRequest, host string, signingEnabled bool) (resolver.MethodCall, error) {
	if len(req.Params) == 0 {
		return resolver.MethodCall{Method: req.Method, Host: host}, nil
	}

	if isV1Shape(req.Params) {
		if !signingEnabled {
			return resolver.MethodCall{}, errSigningDisabled
		}
		var env v1Envelope
		if err := json.Unmarshal(req.Params, &env); err != nil {
			return resolver.MethodCall{}, err
		}
		return resolver.MethodCall{
			Method:      req.Method,
			Params:      env.Data,
			IsV1:        true,
			V1Signature: env.Signature,
			V1UUID:      env.UUID,
			Host:        host,
		}, nil
	}

	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return resolver.MethodCall{}, err
	}
	return resolver.MethodCall{Method: req.Method, Params: params, Host: host}, nil
}

// isV1Shape reports whether raw params decode to an object whose key set
// is exactly {Signature, UUID, Data}, per spec.md §6.
func isV1Shape(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	if len(obj) != 3 {
		return false
	}
	_, hasSig := obj["Signature"]
	_, hasUUID := obj["UUID"]
	_, hasData := obj["Data"]
	return hasSig && hasUUID && hasData
}

// queryToParams builds a params object from a URL query string: a single
// value stays a scalar, repeated keys become an array.
func queryToParams(q map[string][]string) map[string]any {
	out := make(map[string]any, len(q))
	for k, v := range q {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			arr := make([]any, len(v))
			for i, s := range v {
				arr[i] = s
			}
			out[k] = arr
		}
	}
	return out
}

func clientHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type requestIDKey struct{}
