// Package catalog answers "which procedure matches this call?" against a
// PostgreSQL procedure catalog. It issues read-only queries over pg_proc
// and a bookkeeping Functions table; it does not cache, retry, or execute
// procedures itself.
package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Candidate is a procedure matched by name, independent of argument shape.
type Candidate struct {
	Schema       string
	Proc         string
	RequiresHost bool
	ReturnsJSON  bool
	ReturnsSet   bool
}

// V1Candidate is a row from the Functions bookkeeping table matched for a
// v1 signed-envelope dispatch.
type V1Candidate struct {
	Schema      string
	Proc        string
	ReturnsJSON bool
	ReturnsSet  bool
}

// nameMatch is the dual name-matching predicate shared by map_with_params
// and map_no_params: case-insensitive exact match, OR case-insensitive
// match after stripping underscores not preceded by a literal caret. Both
// rules are evaluated in SQL so a single round trip covers both.
const nameMatch = `(
	lower(p.proname) = lower($1)
	OR lower(regexp_replace(p.proname, '(?<!\^)_', '', 'g')) = lower(regexp_replace($1, '(?<!\^)_', '', 'g'))
)`

// declaredInArgs projects a procedure's IN/INOUT/VARIADIC argument names,
// leaving out OUT and TABLE columns. A NULL proargmodes means every
// argument is IN.
const declaredInArgs = `CASE WHEN p.proargmodes IS NULL THEN COALESCE(p.proargnames, '{}')
	       ELSE ARRAY(SELECT a.name FROM unnest(p.proargnames, p.proargmodes) AS a(name, mode)
	                  WHERE a.mode IN ('i', 'b', 'v') AND a.name IS NOT NULL)
	       END`

// Catalog queries pg_proc and the Functions table through the pool passed
// to each method. It performs no retry logic of its own.
type Catalog struct{}

// New returns a Catalog. Stateless: all state lives in the database.
func New() *Catalog {
	return &Catalog{}
}

// MapWithParams returns every procedure named name whose declared IN/INOUT
// argument set matches argnames (as a set, modulo _host), per spec §4.A.1.
func (c *Catalog) MapWithParams(ctx context.Context, pool *pgxpool.Pool, name string, argnames []string) ([]Candidate, error) {
	query := fmt.Sprintf(`
		SELECT n.nspname, p.proname,
		       format_type(p.prorettype, NULL) = 'json' OR format_type(p.prorettype, NULL) = 'jsonb' AS returns_json,
		       p.proretset,
		       %s AS declared_names
		FROM pg_proc p
		  JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE p.prokind = 'f'
		  AND %s
		ORDER BY n.nspname, p.proname`, declaredInArgs, nameMatch)

	rows, err := pool.Query(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("querying map_with_params: %w", err)
	}
	defer rows.Close()

	supplied := toSet(argnames)

	var out []Candidate
	for rows.Next() {
		var schema, proc string
		var returnsJSON, returnsSet bool
		var declared []string
		if err := rows.Scan(&schema, &proc, &returnsJSON, &returnsSet, &declared); err != nil {
			return nil, fmt.Errorf("scanning map_with_params row: %w", err)
		}

		declaredSet := toSet(declared)
		requiresHost := false
		if _, ok := declaredSet["_host"]; ok {
			if _, ok := supplied["_host"]; !ok {
				requiresHost = true
			}
		}

		// (a) no declared argument missing from supplied, except possibly _host.
		missingDeclared := false
		for d := range declaredSet {
			if d == "_host" {
				continue
			}
			if _, ok := supplied[d]; !ok {
				missingDeclared = true
				break
			}
		}
		if missingDeclared {
			continue
		}

		// (b) no supplied argument missing from declared set.
		extraSupplied := false
		for s := range supplied {
			if _, ok := declaredSet[s]; !ok {
				extraSupplied = true
				break
			}
		}
		if extraSupplied {
			continue
		}

		out = append(out, Candidate{
			Schema:       schema,
			Proc:         proc,
			RequiresHost: requiresHost,
			ReturnsJSON:  returnsJSON,
			ReturnsSet:   returnsSet,
		})
	}
	return out, rows.Err()
}

// MapNoParams returns every procedure named name whose declared IN/INOUT
// argument set is empty or exactly {_host}, per spec §4.A.2.
func (c *Catalog) MapNoParams(ctx context.Context, pool *pgxpool.Pool, name string) ([]Candidate, error) {
	query := fmt.Sprintf(`
		SELECT n.nspname, p.proname,
		       format_type(p.prorettype, NULL) = 'json' OR format_type(p.prorettype, NULL) = 'jsonb' AS returns_json,
		       p.proretset,
		       %s AS declared_names
		FROM pg_proc p
		  JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE p.prokind = 'f'
		  AND %s
		ORDER BY n.nspname, p.proname`, declaredInArgs, nameMatch)

	rows, err := pool.Query(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("querying map_no_params: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var schema, proc string
		var returnsJSON, returnsSet bool
		var declared []string
		if err := rows.Scan(&schema, &proc, &returnsJSON, &returnsSet, &declared); err != nil {
			return nil, fmt.Errorf("scanning map_no_params row: %w", err)
		}

		switch len(declared) {
		case 0:
			out = append(out, Candidate{Schema: schema, Proc: proc, ReturnsJSON: returnsJSON, ReturnsSet: returnsSet})
		case 1:
			if declared[0] == "_host" {
				out = append(out, Candidate{Schema: schema, Proc: proc, RequiresHost: true, ReturnsJSON: returnsJSON, ReturnsSet: returnsSet})
			}
		}
	}
	return out, rows.Err()
}

// MapV1 resolves an external method name to a procedure via the Functions
// bookkeeping table, accepted iff the declared ApiParams set, unioned with
// the constant {Password}, equals dataKeys (subset AND superset), per
// spec §4.A.3.
func (c *Catalog) MapV1(ctx context.Context, pool *pgxpool.Pool, method string, dataKeys []string) ([]V1Candidate, error) {
	rows, err := pool.Query(ctx, `
		SELECT "ApiParams", "Name"
		FROM "Functions"
		WHERE "ApiMethod" = $1`, method)
	if err != nil {
		return nil, fmt.Errorf("querying map_v1: %w", err)
	}
	defer rows.Close()

	supplied := toSet(dataKeys)

	var out []V1Candidate
	for rows.Next() {
		var apiParams []string
		var name string
		if err := rows.Scan(&apiParams, &name); err != nil {
			return nil, fmt.Errorf("scanning map_v1 row: %w", err)
		}

		required := toSet(apiParams)
		required["Password"] = struct{}{}

		if !setsEqual(required, supplied) {
			continue
		}

		schema, proc := splitQualified(name)
		out = append(out, V1Candidate{Schema: schema, Proc: proc, ReturnsJSON: true, ReturnsSet: false})
	}
	return out, rows.Err()
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// splitQualified splits "schema.proc"; if name has no schema, "public" is assumed.
func splitQualified(name string) (schema, proc string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "public", name
}

// QuoteIdent safely quotes a SQL identifier, doubling embedded quotes.
// Shared with dbconn for building call statements.
func QuoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"', '"')
		} else {
			out = append(out, name[i])
		}
	}
	out = append(out, '"')
	return string(out)
}
