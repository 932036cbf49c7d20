package dbconn

import "encoding/json"

// toJSONText marshals v to its JSON text representation for binding into a
// json/jsonb-typed procedure argument. A marshal failure here means the
// caller handed us a value encoding/json cannot represent; the JSON text
// "null" is returned in its place rather than panicking.
func toJSONText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
