package tdx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 500

var (
	// ErrInvalidJSON is wrapped by a RequestError when a 2xx body is not JSON.
	ErrInvalidJSON = errors.New("response body is not valid JSON")
	// ErrTooManyPages is wrapped by a RequestError when paging exceeds the page cap.
	ErrTooManyPages = errors.New("too many pages")
	// ErrUnexpectedShape is wrapped by a RequestError when a paged body is neither an array nor an OData page.
	ErrUnexpectedShape = errors.New("unexpected response shape")
)

// AuthError means credentials were rejected or the token response was unusable.
type AuthError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthError) Error() string {
	var b strings.Builder
	b.WriteString("tdx auth failed")
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// RequestError is a non-success provider response or a transport failure (Status 0).
type RequestError struct {
	Method string
	URL    string
	Status int
	Body   string
	Err    error

	retryAfter time.Duration
}

func (e *RequestError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tdx %s %s", e.Method, e.URL)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RequestError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *RequestError) Retryable() bool {
	if e.Status == 0 {
		return e.Err != nil && !errors.Is(e.Err, ErrInvalidJSON) && !errors.Is(e.Err, ErrTooManyPages) && !errors.Is(e.Err, ErrUnexpectedShape)
	}
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// sanitizeBody truncates a response body for error reporting and strips any secret it echoes.
func sanitizeBody(body []byte, secrets ...string) string {
	s := string(body)
	for _, secret := range secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "[redacted]")
		}
	}
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
