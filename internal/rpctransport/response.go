package rpctransport

import (
	"encoding/json"
	"net/http"

	"github.com/pgcall/pgcall/internal/rpcerr"
)

func writeInvalidRequest(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(invalidRequestBody)
}

func writeSuccess(w http.ResponseWriter, req wireRequest, result any) {
	writeEnvelope(w, req, result, nil)
}

func writeMappedError(w http.ResponseWriter, req wireRequest, mapped rpcerr.Error) {
	writeEnvelope(w, req, nil, &mapped)
}

// writeEnvelope builds the JSON-RPC response body per spec.md §6: echo id
// if present, echo version if "1.1", echo jsonrpc and omit error entirely
// if "2.0" and the call succeeded.
func writeEnvelope(w http.ResponseWriter, req wireRequest, result any, errObj *rpcerr.Error) {
	body := make(map[string]any, 5)

	if len(req.ID) > 0 {
		var id any
		_ = json.Unmarshal(req.ID, &id)
		body["id"] = id
	}
	if req.Version == "1.1" {
		body["version"] = req.Version
	}

	omitError := req.JSONRPC == "2.0" && errObj == nil
	if req.JSONRPC == "2.0" {
		body["jsonrpc"] = req.JSONRPC
	}

	body["result"] = result
	if !omitError {
		body["error"] = errObj
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}
