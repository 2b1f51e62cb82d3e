package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable covers connection failures, timeouts and 5xx responses.
	// Callers may retry.
	ErrUnavailable = errors.New("search: backend unavailable")

	// ErrEntityTooLarge means the backend rejected the whole request body (HTTP 413).
	ErrEntityTooLarge = errors.New("search: request entity too large")

	// ErrRateLimited means the backend rejected the whole request (HTTP 429).
	ErrRateLimited = errors.New("search: too many requests")

	// ErrAliasCollision means an alias could not be created because a plain
	// index with the same name exists.
	ErrAliasCollision = errors.New("search: alias name collides with an existing index")

	// ErrIndexExists is returned when creating an index that already exists.
	ErrIndexExists = errors.New("search: index already exists")

	// ErrHealthTimeout means a health wait ran out before the index reached
	// the requested status. Retryable.
	ErrHealthTimeout = errors.New("search: timed out waiting for index health")

	// ErrScrollExpired means the server-side scroll context is gone.
	ErrScrollExpired = errors.New("search: scroll context expired")
)

// ResponseError is a non-2xx answer from the backend, with the structured
// error type and reason when the body carried one.
type ResponseError struct {
	Op     string
	Status int
	Type   string
	Reason string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("search: %s: status %d: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("search: %s: status %d: %s: %s", e.Op, e.Status, e.Type, e.Reason)
}

// Unwrap maps backend-specific shapes onto the package sentinels so callers
// only ever need errors.Is.
func (e *ResponseError) Unwrap() error {
	switch {
	case e.Status == http.StatusRequestEntityTooLarge:
		return ErrEntityTooLarge
	case e.Status == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Type == "invalid_alias_name_exception":
		return ErrAliasCollision
	case e.Type == "resource_already_exists_exception":
		return ErrIndexExists
	case e.Type == "search_context_missing_exception":
		return ErrScrollExpired
	case e.Status >= http.StatusInternalServerError:
		return ErrUnavailable
	}
	return nil
}

// errorBody is the common envelope: {"error": {...}, "status": N}.
// Some proxies answer with a plain string instead of an object.
type errorBody struct {
	Error json.RawMessage `json:"error"`
}

type errorCause struct {
	Type      string       `json:"type"`
	Reason    string       `json:"reason"`
	RootCause []errorCause `json:"root_cause"`
}

func newResponseError(op string, status int, body []byte) *ResponseError {
	re := &ResponseError{Op: op, Status: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Error) == 0 {
		re.Reason = truncate(string(body), 512)
		if re.Reason == "" {
			re.Reason = http.StatusText(status)
		}
		return re
	}

	var cause errorCause
	if err := json.Unmarshal(eb.Error, &cause); err != nil {
		var s string
		_ = json.Unmarshal(eb.Error, &s)
		re.Reason = s
		return re
	}

	re.Type, re.Reason = cause.Type, cause.Reason
	// A root cause is more specific than the wrapping exception
	// (e.g. index_not_found under a search_phase_execution_exception).
	if re.Type == "search_phase_execution_exception" && len(cause.RootCause) > 0 {
		re.Type, re.Reason = cause.RootCause[0].Type, cause.RootCause[0].Reason
	}
	return re
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
