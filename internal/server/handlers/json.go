package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/3leaps/clipforge/pkg/job"
)

// DefaultMaxBodyBytes caps JSON request bodies.
const DefaultMaxBodyBytes int64 = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a single JSON object into dst. Malformed bodies are
// reported as invalid requests.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return &job.ValidationError{Problems: []string{"request body is required"}}
		case errors.As(err, &maxErr):
			return &job.ValidationError{Problems: []string{fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)}}
		default:
			return &job.ValidationError{Problems: []string{"malformed JSON: " + err.Error()}}
		}
	}
	return nil
}

type successResponse struct {
	Success bool `json:"success"`
}
