// Package dbconn provides a reconnecting database-call facade with
// bounded retry, grounded on the teacher's internal/postgres.Pool wrapper
// and internal/api/response.go's sqlstate classification (there repurposed
// from HTTP-error mapping to retry-vs-fail classification).
package dbconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgcall/pgcall/internal/catalog"
)

// ErrConnectionLost is returned once the facade has exhausted its retry
// budget and a fresh ping+connect attempt still fails.
var ErrConnectionLost = errors.New("connection lost")

// state is the facade's retry state machine: Fresh → Tried →
// Retrying(k) → TimedOut → Fatal, per spec §9.
type state int

const (
	stateFresh state = iota
	stateTried
	stateRetrying
	stateTimedOut
	stateFatal
)

// Config tunes the facade's retry behavior.
type Config struct {
	// RetryBackoffSeconds is the per-attempt linear backoff multiplier:
	// wait = attempt * RetryBackoffSeconds.
	RetryBackoffSeconds int
	// MaxRetries bounds reconnect-and-retry attempts before the facade
	// gives up and reports ErrConnectionLost.
	MaxRetries int
}

// Rowset is an ordered sequence of rows, each a mapping from output
// column name to its scanned Go value.
type Rowset struct {
	Columns []string
	Rows    []map[string]any
}

// Facade wraps one *pgxpool.Pool connection used by a single worker. It is
// not safe for concurrent use by multiple goroutines that expect
// serialized retry behavior — spec §5 assigns one facade per worker.
type Facade struct {
	pool    *pgxpool.Pool
	cfg     Config
	logger  *slog.Logger
	state   state
	retries int
}

// New constructs a Facade around an existing pool.
func New(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) *Facade {
	if cfg.RetryBackoffSeconds <= 0 {
		cfg.RetryBackoffSeconds = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Facade{pool: pool, cfg: cfg, logger: logger, state: stateFresh}
}

// Execute runs sql with args and returns the resulting Rowset. It applies
// the sqlstate classification and retry state machine described in
// spec §4.B.
func (f *Facade) Execute(ctx context.Context, sql string, args ...any) (Rowset, error) {
	if f.state == stateTimedOut {
		if err := f.pool.Ping(ctx); err != nil {
			f.state = stateFatal
			return Rowset{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		f.state = stateFresh
	}
	if f.state == stateFatal {
		return Rowset{}, ErrConnectionLost
	}

	rs, err := f.query(ctx, sql, args...)
	if err == nil {
		f.state = stateTried
		f.retries = 0
		return rs, nil
	}

	firstAttempt := f.state == stateFresh || f.state == stateTried
	if !isPossiblyConnectionLevel(err, firstAttempt) {
		return Rowset{}, err
	}

	return f.retryLoop(ctx, sql, args, err)
}

func (f *Facade) retryLoop(ctx context.Context, sql string, args []any, lastErr error) (Rowset, error) {
	for f.retries < f.cfg.MaxRetries {
		f.retries++
		f.state = stateRetrying

		wait := time.Duration(f.retries*f.cfg.RetryBackoffSeconds) * time.Second
		f.logger.Warn("database call failed, retrying",
			"attempt", f.retries, "wait", wait, "retry_eta", humanize.Time(time.Now().Add(wait)), "error", lastErr)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return Rowset{}, ctx.Err()
		}

		if err := f.pool.Ping(ctx); err != nil {
			lastErr = err
			continue
		}

		rs, err := f.query(ctx, sql, args...)
		if err == nil {
			f.state = stateTried
			f.retries = 0
			return rs, nil
		}
		if !isPossiblyConnectionLevel(err, false) {
			return Rowset{}, err
		}
		lastErr = err
	}

	f.state = stateTimedOut
	return Rowset{}, fmt.Errorf("%w: %v", ErrConnectionLost, lastErr)
}

func (f *Facade) query(ctx context.Context, sql string, args ...any) (Rowset, error) {
	rows, err := f.pool.Query(ctx, sql, args...)
	if err != nil {
		return Rowset{}, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, fd := range fields {
		columns[i] = string(fd.Name)
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Rowset{}, err
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(values) {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Rowset{}, err
	}

	return Rowset{Columns: columns, Rows: out}, nil
}

// CallProc builds and executes `SELECT * FROM "schema"."proc"("a" := $1, …)`
// for the given procedure name and named arguments, binding every value by
// name per spec §4.D. Object-valued arguments are JSON-encoded before
// binding; all other values bind as-is.
func (f *Facade) CallProc(ctx context.Context, schema, proc string, params map[string]any) (Rowset, error) {
	sql, args := buildCallStatement(schema, proc, params)
	return f.Execute(ctx, sql, args...)
}

func buildCallStatement(schema, proc string, params map[string]any) (string, []any) {
	ref := catalog.QuoteIdent(schema) + "." + catalog.QuoteIdent(proc)
	if len(params) == 0 {
		return fmt.Sprintf("SELECT * FROM %s()", ref), nil
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	// Deterministic ordering keeps generated SQL (and tests) stable.
	sort.Strings(names)

	assignments := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		assignments[i] = fmt.Sprintf("%s := $%d", catalog.QuoteIdent(name), i+1)
		args[i] = bindValue(params[name])
	}

	sql := fmt.Sprintf("SELECT * FROM %s(%s)", ref, strings.Join(assignments, ", "))
	return sql, args
}

func bindValue(v any) any {
	switch v.(type) {
	case map[string]any:
		return toJSONText(v)
	default:
		return v
	}
}

// isPossiblyConnectionLevel classifies a pg error per spec §4.B: classes
// 22xxx/40xxx/42xxx/P0xxx are query-level (no retry), everything else is
// possibly connection-level. Sqlstate 22000 on the first attempt is
// specifically treated as possibly-connection-level despite its class,
// because the driver is known to surface lost connections with that code.
func isPossiblyConnectionLevel(err error, firstAttempt bool) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// Not a query-level pg error at all (network error, timeout, etc).
		return true
	}

	if pgErr.Code == "22000" && firstAttempt {
		return true
	}

	switch pgErr.Code[:2] {
	case "22", "40", "42":
		return false
	}
	if strings.HasPrefix(pgErr.Code, "P0") {
		return false
	}
	return true
}

// Sqlstate extracts the five-character sqlstate from err, if it is a
// pgconn.PgError wrapping a procedure-raised exception.
func Sqlstate(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	return "", false
}

// Message extracts the raw procedure error message, if any.
func Message(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message, true
	}
	return "", false
}
