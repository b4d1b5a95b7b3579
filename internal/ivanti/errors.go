package ivanti

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrNotLoggedIn is returned by the fetchers before any successful login.
	ErrNotLoggedIn = errors.New("not logged in to Ivanti: call login_ivanti first")

	// ErrSessionKeyMissing means the login call succeeded but the JSON object
	// it returned has none of the known session keys.
	ErrSessionKeyMissing = errors.New("login succeeded but no session key could be parsed")

	// ErrNoSessionKey means the resolved session value was empty or not a
	// string.
	ErrNoSessionKey = errors.New("login failed: no session key obtained")

	// ErrSessionActive is returned under the reject policy while a session
	// is held.
	ErrSessionActive = errors.New("an Ivanti session is already active: log out first")

	// ErrTenantRequired is returned for an empty tenant.
	ErrTenantRequired = errors.New("tenant is required")
)

// HTTPError is a non-2xx answer from the Ivanti API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d - %s", e.StatusCode, e.Message)
}

// TransportError covers everything that is not an HTTP status: dial and TLS
// failures, timeouts, unreadable or undecodable bodies.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// maxBodyBytes caps how much of any response is read.
const maxBodyBytes = 8 << 20

// classify turns the outcome of http.Client.Do into the response body or
// a typed error. It always closes the body.
func classify(op string, resp *http.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage extracts a readable message from an error body: the "error"
// field, then "message", then the whole JSON document, then the raw text.
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	res := gjson.ParseBytes(body)
	if res.IsObject() {
		for _, key := range []string{"error", "message"} {
			if v := res.Get(key); v.Exists() {
				return resultString(v)
			}
		}
	}
	return resultString(res)
}

func resultString(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.Str
	}
	return strings.TrimSpace(r.Raw)
}
