// Package resolver turns an incoming method call into a concrete procedure
// invocation: it normalises argument names, detects the v1 signed-envelope
// calling convention, consults the resolvercache, and falls back to the
// catalog on a miss. Grounded on spec.md §4.C; the resolved cache is an
// explicit component rather than a package-level singleton, per
// DESIGN.md's Open Question 1 decision.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgcall/pgcall/internal/catalog"
	"github.com/pgcall/pgcall/internal/resolvercache"
)

// Sentinel errors surfaced directly to the RPC transport's error mapping.
var (
	ErrUnknownMethod     = errors.New("unknown method")
	ErrAmbiguous         = errors.New("ambiguous method")
	ErrInvalidParameters = errors.New("invalid parameters")
)

// MethodCall is the normalised request coming off the wire, before any
// catalog resolution.
type MethodCall struct {
	Method string
	Params map[string]any
	// IsV1 marks a request shaped as the legacy {Signature, UUID, Data}
	// signed envelope.
	IsV1 bool
	// V1Signature and V1UUID are only populated when IsV1 is true, carrying
	// the envelope's Signature and UUID fields through to the dispatcher
	// call and, on error, to the signed error envelope.
	V1Signature string
	V1UUID      string
	// Host is the caller's address, injected into _host-declaring
	// procedures. Supplied by the transport layer from the request.
	Host string
}

// ResolvedCall is a MethodCall bound to a concrete procedure.
type ResolvedCall struct {
	Schema      string
	Proc        string
	Params      map[string]any
	ReturnsSet  bool
	ReturnsJSON bool
	// IsV1, V1Method and V1UUID carry through to the error mapper, which
	// must sign v1 error envelopes differently from plain ones.
	IsV1     bool
	V1Method string
	V1UUID   string
}

// specialNames remaps certain method names to a canonical procedure name,
// applied after method-name normalisation and before catalog lookup.
var specialNames = map[string]string{
	"getview":       "get_view_json",
	"getviewparams": "get_view_json",
}

// Resolver implements Resolve against a shared cache and database pool.
type Resolver struct {
	pool    *pgxpool.Pool
	cache   *resolvercache.Cache
	catalog *catalog.Catalog
}

// New constructs a Resolver. cache is expected to be constructed once in
// main and shared across all resolvers for the process lifetime.
func New(pool *pgxpool.Pool, cache *resolvercache.Cache) *Resolver {
	return &Resolver{pool: pool, cache: cache, catalog: catalog.New()}
}

// Resolve implements spec.md §4.C's five numbered steps.
func (r *Resolver) Resolve(ctx context.Context, call MethodCall) (ResolvedCall, error) {
	if call.IsV1 {
		return r.resolveV1(ctx, call)
	}

	normalized, err := normalizeParams(call.Params)
	if err != nil {
		return ResolvedCall{}, err
	}

	method := strings.ToLower(call.Method)
	if canonical, ok := specialNames[method]; ok {
		method = canonical
	}

	argnames := sortedKeys(normalized)
	key := resolvercache.Key(method, argnames)

	if entry, ok := r.cache.Get(key); ok {
		return buildResolvedCall(entry, normalized, call.Host), nil
	}

	var candidates []catalog.Candidate
	if len(argnames) == 0 {
		candidates, err = r.catalog.MapNoParams(ctx, r.pool, method)
	} else {
		candidates, err = r.catalog.MapWithParams(ctx, r.pool, method, argnames)
	}
	if err != nil {
		return ResolvedCall{}, fmt.Errorf("resolving %q: %w", call.Method, err)
	}

	switch len(candidates) {
	case 0:
		return ResolvedCall{}, fmt.Errorf("%w: %s", ErrUnknownMethod, call.Method)
	case 1:
		c := candidates[0]
		entry := resolvercache.Entry{
			Schema:       c.Schema,
			Proc:         c.Proc,
			ReturnsSet:   c.ReturnsSet,
			ReturnsJSON:  c.ReturnsJSON,
			RequiresHost: c.RequiresHost,
		}
		r.cache.Put(key, entry)
		return buildResolvedCall(entry, normalized, call.Host), nil
	default:
		return ResolvedCall{}, fmt.Errorf("%w: %s", ErrAmbiguous, call.Method)
	}
}

// v1DispatchSchema and v1DispatchProc are the fixed dispatcher procedure
// every v1 signed envelope is routed to, per spec.md §4.C step 2 and
// scenario S7. MapV1 only checks that Functions carries a bookkeeping row
// for the method; it never chooses the destination procedure.
const (
	v1DispatchSchema = "public"
	v1DispatchProc   = "api_call"
)

func (r *Resolver) resolveV1(ctx context.Context, call MethodCall) (ResolvedCall, error) {
	dataKeys := sortedKeys(call.Params)

	candidates, err := r.catalog.MapV1(ctx, r.pool, call.Method, dataKeys)
	if err != nil {
		return ResolvedCall{}, fmt.Errorf("resolving v1 method %q: %w", call.Method, err)
	}
	if len(candidates) == 0 {
		return ResolvedCall{}, fmt.Errorf("%w: %s", ErrUnknownMethod, call.Method)
	}

	params := map[string]any{
		"_signature": call.V1Signature,
		"_uuid":      call.V1UUID,
		"_data":      call.Params,
		"_host":      call.Host,
		"_method":    call.Method,
	}

	return ResolvedCall{
		Schema:      v1DispatchSchema,
		Proc:        v1DispatchProc,
		Params:      params,
		ReturnsSet:  false,
		ReturnsJSON: true,
		IsV1:        true,
		V1Method:    call.Method,
		V1UUID:      call.V1UUID,
	}, nil
}

func buildResolvedCall(entry resolvercache.Entry, normalized map[string]any, host string) ResolvedCall {
	params := make(map[string]any, len(normalized)+1)
	for k, v := range normalized {
		params[k] = v
	}
	if entry.RequiresHost {
		params["_host"] = host
	}
	return ResolvedCall{
		Schema:      entry.Schema,
		Proc:        entry.Proc,
		Params:      params,
		ReturnsSet:  entry.ReturnsSet,
		ReturnsJSON: entry.ReturnsJSON,
	}
}

// normalizeParams lowercases every key and prepends "_" where absent.
// Two distinct input keys that collide after normalisation are rejected.
func normalizeParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		nk := strings.ToLower(k)
		if !strings.HasPrefix(nk, "_") {
			nk = "_" + nk
		}
		if _, exists := out[nk]; exists {
			return nil, fmt.Errorf("%w: %q and another key both normalise to %q", ErrInvalidParameters, k, nk)
		}
		out[nk] = v
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
