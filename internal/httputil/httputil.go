package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"tradecore/internal/apperr"
)

type ErrorResponse struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid json body")
	}
	return nil
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps the error taxonomy to a structured response. Unknown
// errors become opaque 500s so internals never leak.
func WriteError(w http.ResponseWriter, err error) {
	if e, ok := apperr.As(err); ok {
		WriteJSON(w, apperr.HTTPStatus(err), ErrorResponse{
			Error:   e.Message,
			Kind:    string(e.Kind),
			Details: e.Details,
		})
		return
	}
	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
}
