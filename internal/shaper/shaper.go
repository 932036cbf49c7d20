// Package shaper turns a raw Rowset into the JSON value a caller should
// receive, per spec.md §4.E. It is pure: no I/O, no third-party
// dependencies — reshaping rows into JSON values is irreducibly an
// encoding/json concern, not something any library in the domain stack
// addresses.
package shaper

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pgcall/pgcall/internal/dbconn"
)

// ErrInternal marks a shape violation: the rowset didn't match what its
// metadata promised.
var ErrInternal = errors.New("internal error")

// Meta describes how to interpret a Rowset's shape.
type Meta struct {
	ReturnsSet  bool
	ReturnsJSON bool
}

// Shape converts rs into the value to send back to the caller.
func Shape(rs dbconn.Rowset, meta Meta) (any, error) {
	if len(rs.Columns) == 0 {
		return nil, fmt.Errorf("%w: function returned no columns", ErrInternal)
	}

	if meta.ReturnsJSON {
		return shapeJSON(rs)
	}
	if meta.ReturnsSet {
		return shapeSet(rs), nil
	}
	return shapeScalarOrRow(rs)
}

func shapeJSON(rs dbconn.Rowset) (any, error) {
	if len(rs.Rows) != 1 || len(rs.Columns) != 1 {
		return nil, fmt.Errorf("%w: json-returning function must yield exactly one row and column", ErrInternal)
	}
	raw := rs.Rows[0][rs.Columns[0]]

	var text []byte
	switch v := raw.(type) {
	case string:
		text = []byte(v)
	case []byte:
		text = v
	default:
		// Some drivers already decode json/jsonb into Go values.
		return v, nil
	}

	var decoded any
	if err := json.Unmarshal(text, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding json column: %v", ErrInternal, err)
	}
	return decoded, nil
}

func shapeSet(rs dbconn.Rowset) any {
	if len(rs.Columns) == 1 {
		col := rs.Columns[0]
		values := make([]any, len(rs.Rows))
		for i, row := range rs.Rows {
			values[i] = row[col]
		}
		return values
	}

	objects := make([]any, len(rs.Rows))
	for i, row := range rs.Rows {
		objects[i] = rowToObject(row, rs.Columns)
	}
	return objects
}

func shapeScalarOrRow(rs dbconn.Rowset) (any, error) {
	switch len(rs.Rows) {
	case 0:
		return nil, nil
	case 1:
		row := rs.Rows[0]
		if len(rs.Columns) == 1 {
			return row[rs.Columns[0]], nil
		}
		return rowToObject(row, rs.Columns), nil
	default:
		return nil, fmt.Errorf("%w: function returned multiple rows", ErrInternal)
	}
}

func rowToObject(row map[string]any, columns []string) map[string]any {
	obj := make(map[string]any, len(columns))
	for _, col := range columns {
		obj[col] = row[col]
	}
	return obj
}
