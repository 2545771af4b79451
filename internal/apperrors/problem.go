package apperrors

import (
	"encoding/json"
	"net/http"
)

// Problem is an RFC 7807 problem-details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Status   int    `json:"status"`
	Instance string `json:"instance,omitempty"`
}

// WriteHTTP renders err as an RFC 7807 problem-details response, deriving
// status and title from its Kind when err is (or wraps) an *Error.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status := HTTPStatus(kind)

	p := Problem{
		Type:     "https://automation.internal/errors/" + string(kind),
		Title:    string(kind),
		Detail:   err.Error(),
		Status:   status,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}
