package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is the uniform error shape for every failed call made through the
// client. Status carries the HTTP status code of the failure, or 0 when the
// request never produced an HTTP response (DNS failure, refused connection,
// closed socket). Message is human-readable and must never be used to drive
// control flow; branch on Status instead.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// IsAuthStatus reports whether code means the caller's credentials were
// rejected. Classification is by status code only, never by message text.
func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsAuthError reports whether err is an APIError carrying an auth status.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && IsAuthStatus(apiErr.Status)
}

// IsNotFound reports whether err is an APIError with a 404 status.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// errorBody matches the JSON failure shapes the client can receive: the
// gateway's {"error": "..."} envelope, the {"message": "..."} envelope, and
// the Kubernetes Status object (which also carries "message").
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// classifyResponse turns a non-2xx response body into an APIError, preferring
// a structured message from the body over the generic status text.
func classifyResponse(status int, body []byte) *APIError {
	msg := ""
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if eb.Message != "" {
			msg = eb.Message
		} else if eb.Error != "" {
			msg = eb.Error
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}

// classifyTransportError turns a failure that produced no HTTP response into
// an APIError. Timeouts get 408 so callers can tell them apart from network
// errors, which keep the 0 sentinel.
func classifyTransportError(err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Status: http.StatusRequestTimeout, Message: "request timed out"}
	}
	return &APIError{Status: 0, Message: err.Error()}
}
