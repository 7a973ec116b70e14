package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kadirpekel/memtree/pkg/memerr"
)

// errorBody is the uniform error envelope of the JSON API.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := memerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	writeJSON(w, status, errorBody{
		Error: err.Error(),
		Kind:  memerr.KindOf(err).String(),
	})
}

// decode parses a JSON body into dst, rejecting unknown fields so typos
// in request payloads surface as 400s instead of silent drops.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return memerr.Wrap(memerr.KindInvalidArgument, "server.decode", err)
	}
	return nil
}
