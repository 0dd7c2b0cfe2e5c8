package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/iota-uz/taskflow/pkg/composables"
	"github.com/iota-uz/taskflow/pkg/serrors"
)

// ErrorEnvelope standardizes JSON error responses for API namespaces.
type ErrorEnvelope struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	if w == nil {
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, message string, meta map[string]string) error {
	return WriteJSON(w, status, &ErrorEnvelope{
		Code:    code,
		Message: message,
		Meta:    meta,
	})
}

// WriteServiceError renders err with the code of its serrors.BaseError, or
// INTERNAL_SERVER_ERROR when it has none. The request id is echoed in meta.
func WriteServiceError(w http.ResponseWriter, r *http.Request, status int, err error) error {
	code := serrors.CodeOf(err)
	if code == "" {
		code = "INTERNAL_SERVER_ERROR"
	}
	var meta map[string]string
	if id, ok := composables.UseRequestID(r.Context()); ok {
		meta = map[string]string{"request_id": id}
	}
	return WriteError(w, status, code, err.Error(), meta)
}
