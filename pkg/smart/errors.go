package smart

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Launch/session error messages surfaced to callers. The wording is part of
// the public behavior: hosts match on it to decide whether to re-launch.
const (
	msgNoSmartLaunch  = "this app cannot be accessed directly, please launch it as a SMART app"
	msgSessionExpired = "session expired, please re-launch the app"
)

// ErrNoState is returned by Ready when neither the URL nor storage carries a
// session key.
var ErrNoState = errors.New("no state found: please (re)launch the app")

// HTTPError describes a non-2xx transport result. The Detail field carries
// the best-effort parsed body: error/error_description from a JSON body, an
// OperationOutcome diagnostic, or the raw text.
type HTTPError struct {
	StatusCode int
	Status     string
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("request failed: %s", e.Status)
	}
	return fmt.Sprintf("request failed: %s: %s", e.Status, e.Detail)
}

// newHTTPError builds an HTTPError from a response and its (already read)
// body.
func newHTTPError(resp *http.Response, body []byte) *HTTPError {
	e := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return e
	}
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "json") {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			if msg, ok := payload["error"].(string); ok && msg != "" {
				if desc, ok := payload["error_description"].(string); ok && desc != "" {
					msg += ": " + desc
				}
				e.Detail = msg
				return e
			}
			// OperationOutcome issues carry diagnostics
			if diag := firstDiagnostic(payload); diag != "" {
				e.Detail = diag
				return e
			}
		}
	}
	e.Detail = trimmed
	return e
}

func firstDiagnostic(payload map[string]any) string {
	issues, _ := payload["issue"].([]any)
	for _, i := range issues {
		if m, ok := i.(map[string]any); ok {
			if d, ok := m["diagnostics"].(string); ok && d != "" {
				return d
			}
		}
	}
	return ""
}

// IsNotFound reports whether err is an HTTP 404 result.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}
