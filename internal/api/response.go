package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// fallbackError is served when the response value itself refuses to marshal.
// Hand-written so it cannot fail at runtime; mirrors models.Error output.
var fallbackError = []byte(`{"status":"error","message":"Internal server error"}`)

// writeJSONResponse marshals the response before touching the writer, so an
// encoding failure can still downgrade the status code to 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: response not marshalable",
			"error", err, "status", statusCode)
		body = fallbackError
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: write failed", "error", err)
	}
}
