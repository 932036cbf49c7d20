// Package invoker executes a resolved call against the database. It is a
// thin wrapper around dbconn.Facade.CallProc: no result interpretation
// happens here, per spec.md §4.D.
package invoker

import (
	"context"
	"fmt"

	"github.com/pgcall/pgcall/internal/dbconn"
	"github.com/pgcall/pgcall/internal/resolver"
)

// Facade is the subset of dbconn.Facade the invoker depends on.
type Facade interface {
	CallProc(ctx context.Context, schema, proc string, params map[string]any) (dbconn.Rowset, error)
}

// Invoker binds a ResolvedCall to a statement and executes it.
type Invoker struct {
	facade Facade
}

// New constructs an Invoker around a connection facade.
func New(facade Facade) *Invoker {
	return &Invoker{facade: facade}
}

// Invoke executes call and returns the raw Rowset. Every argument in call
// is bound by name; an empty-argument procedure yields
// `SELECT * FROM schema.proc()`, both handled inside dbconn.
func (i *Invoker) Invoke(ctx context.Context, call resolver.ResolvedCall) (dbconn.Rowset, error) {
	rs, err := i.facade.CallProc(ctx, call.Schema, call.Proc, call.Params)
	if err != nil {
		return dbconn.Rowset{}, fmt.Errorf("invoking %s.%s: %w", call.Schema, call.Proc, err)
	}
	return rs, nil
}
