// Package rpcerr maps a database-call error into the JSON-RPC error
// envelope described in spec.md §4.F: it extracts the ERROR_<TAG>
// convention procedures use, looks the tag up via the external
// get_api_error_code procedure, and for v1 calls signs the result through
// OpenSSL_Sign. This is the single funnel point for turning a Go error
// into wire-facing error JSON, mirroring the teacher's mapPGError but
// dispatching to catalog functions rather than switching on sqlstate
// (sqlstate classification already lives in internal/dbconn).
package rpcerr

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pgcall/pgcall/internal/dbconn"
)

// unknownName and unknownCode are used whenever tag extraction or lookup
// fails, per spec.md §4.F.
const (
	unknownName = "ERROR_UNKNOWN"
	unknownCode = 620
)

// Facade is the subset of dbconn.Facade rpcerr depends on, to call the
// get_api_error_code and OpenSSL_Sign procedures.
type Facade interface {
	CallProc(ctx context.Context, schema, proc string, params map[string]any) (dbconn.Rowset, error)
}

// SignedEnvelope wraps a v1 error with its cryptographic signature.
type SignedEnvelope struct {
	Signature string `json:"signature"`
	UUID      string `json:"uuid"`
	Method    string `json:"method"`
	Data      string `json:"data"`
}

// Error is the JSON-RPC error object returned to callers.
type Error struct {
	Name    string          `json:"name"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Signed  *SignedEnvelope `json:"error,omitempty"`
}

// Mapper resolves errors into Error values using the database's own error
// code catalog.
type Mapper struct {
	facade        Facade
	errorCodeProc string
	signProc      string
}

// NewMapper constructs a Mapper. errorCodeProc and signProc are schema-
// qualified procedure names, configurable per deployment.
func NewMapper(facade Facade, errorCodeProc, signProc string) *Mapper {
	return &Mapper{facade: facade, errorCodeProc: errorCodeProc, signProc: signProc}
}

// Map converts err's message into a wire Error. v1Method and v1UUID are
// non-empty only when the originating call used the v1 signed envelope;
// when so, the result additionally carries a signed sub-envelope.
func (m *Mapper) Map(ctx context.Context, message string, v1Method, v1UUID string) Error {
	name, code := unknownName, unknownCode

	if tag, ok := ExtractTag(message); ok {
		if n, c, err := m.lookupCode(ctx, tag); err == nil {
			name, code = n, c
		}
	}

	result := Error{Name: "JSONRPCError", Message: name, Code: code}

	if v1Method == "" {
		return result
	}

	jsondata, err := json.Marshal(struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{Message: name, Code: code})
	if err != nil {
		return result
	}

	signature, err := m.sign(ctx, v1Method, string(jsondata), v1UUID)
	if err != nil {
		// Signing failure leaves the inner signed envelope absent,
		// per spec.md §4.F.
		return result
	}

	result.Signed = &SignedEnvelope{
		Signature: signature,
		UUID:      v1UUID,
		Method:    v1Method,
		Data:      string(jsondata),
	}
	return result
}

func (m *Mapper) lookupCode(ctx context.Context, tag string) (name string, code int, err error) {
	schema, proc := splitSchemaQualified(m.errorCodeProc)
	rs, err := m.facade.CallProc(ctx, schema, proc, map[string]any{"_tag": tag})
	if err != nil {
		return "", 0, err
	}
	if len(rs.Rows) != 1 {
		return "", 0, errNoRow
	}
	row := rs.Rows[0]
	if len(rs.Columns) >= 2 {
		name, _ = row[rs.Columns[0]].(string)
		code = toInt(row[rs.Columns[1]])
		return name, code, nil
	}
	// Fixture/simplified procedures may return a single combined text
	// column; tolerate that shape too.
	name, _ = row[rs.Columns[0]].(string)
	return name, unknownCode, nil
}

func (m *Mapper) sign(ctx context.Context, method, jsondata, uuid string) (string, error) {
	schema, proc := splitSchemaQualified(m.signProc)
	rs, err := m.facade.CallProc(ctx, schema, proc, map[string]any{
		"_method":   method,
		"_jsondata": jsondata,
		"_uuid":     uuid,
	})
	if err != nil {
		return "", err
	}
	if len(rs.Rows) != 1 || len(rs.Columns) == 0 {
		return "", errNoRow
	}
	sig, _ := rs.Rows[0][rs.Columns[0]].(string)
	return sig, nil
}

// ExtractTag pulls an ERROR_<TAG> prefix out of a raised procedure message,
// tolerating the literal "ERROR:  " prefix some drivers prepend. The tag
// ends at the first character that is not a letter, digit or underscore.
func ExtractTag(message string) (string, bool) {
	msg := strings.TrimPrefix(message, "ERROR:  ")
	msg = strings.TrimPrefix(msg, "ERROR: ")
	const prefix = "ERROR_"
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	rest := msg[len(prefix):]
	end := len(rest)
	for i, r := range rest {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			end = i
			break
		}
	}
	tag := prefix + rest[:end]
	if tag == prefix {
		return "", false
	}
	return tag, true
}

func splitSchemaQualified(name string) (schema, proc string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "public", name
}

func toInt(v any) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return unknownCode
	}
}

type noRowError struct{}

func (noRowError) Error() string { return "expected exactly one row" }

var errNoRow = noRowError{}
