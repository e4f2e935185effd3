// Package remote is the HTTP client for the backend's data API: count,
// find, delta-set find, get, save, multi-insert and remove, plus session
// login and replay of captured requests. Every failure leaving this package
// is one of the structured kinds below; raw transport errors never escape
// unwrapped.
package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// Error kinds. Use errors.Is(err, remote.ErrResultSetSizeExceeded) to check.
var (
	ErrObjectIDMissing          = errors.New("remote: object id missing")
	ErrInvalidResponse          = errors.New("remote: invalid response")
	ErrNoActiveUser             = errors.New("remote: no active user")
	ErrRequestCancelled         = errors.New("remote: request cancelled")
	ErrUnauthorized             = errors.New("remote: unauthorized")
	ErrResultSetSizeExceeded    = errors.New("remote: result set size exceeded")
	ErrParameterValueOutOfRange = errors.New("remote: parameter value out of range")
	ErrMissingConfiguration     = errors.New("remote: missing configuration")
	ErrAppNotFound              = errors.New("remote: app not found")
	ErrUnknownJSON              = errors.New("remote: unknown error response")
	ErrNotFound                 = errors.New("remote: not found")
	ErrBadRequest               = errors.New("remote: bad request")
	ErrThrottled                = errors.New("remote: throttled")
	ErrServerError              = errors.New("remote: server error")
	ErrNetwork                  = errors.New("remote: network failure")
)

// Unauthorized sub-codes reported in the error body.
const (
	CodeInsufficientCredentials = "InsufficientCredentials"
	CodeInvalidCredentials      = "InvalidCredentials"
)

// Error is a non-2xx response: the HTTP status, the backend's error code and
// description, and the kind it was classified as.
type Error struct {
	StatusCode  int
	RequestID   string
	Code        string
	Description string
	Debug       string
	Err         error // kind, for errors.Is()
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Description != "" {
		if msg != "" {
			msg += ": "
		}

		msg += e.Description
	}

	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, msg)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsInsufficientCredentials reports whether err is a 401 the current user
// can never overcome by retrying.
func IsInsufficientCredentials(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}

	return errors.Is(re.Err, ErrUnauthorized) && re.Code == CodeInsufficientCredentials
}

// codeKinds maps backend error codes to kinds.
var codeKinds = map[string]error{
	"ResultSetSizeExceeded":     ErrResultSetSizeExceeded,
	"ParameterValueOutOfRange":  ErrParameterValueOutOfRange,
	"MissingConfiguration":      ErrMissingConfiguration,
	"AppNotFound":               ErrAppNotFound,
	CodeInsufficientCredentials: ErrUnauthorized,
	CodeInvalidCredentials:      ErrUnauthorized,
	"UserLockedDown":            ErrUnauthorized,
	"EntityNotFound":            ErrNotFound,
	"CollectionNotFound":        ErrNotFound,
	"UserNotFound":              ErrNotFound,
	"BadRequest":                ErrBadRequest,
	"IncompleteRequestBody":     ErrBadRequest,
	"InvalidQuerySyntax":        ErrBadRequest,
	"KinveyInternalErrorRetry":  ErrServerError,
	"KinveyInternalErrorStop":   ErrServerError,
	"FeatureUnavailable":        ErrMissingConfiguration,
}

// newError classifies a non-2xx response. A JSON body with an "error" code
// decides the kind; a code we do not know is ErrUnknownJSON; without a
// structured body the status code decides.
func newError(status int, requestID string, body []byte) *Error {
	e := &Error{StatusCode: status, RequestID: requestID}

	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		e.Code = parsed.Get("error").String()
		e.Description = parsed.Get("description").String()
		e.Debug = parsed.Get("debug").String()
	}

	if e.Code != "" {
		if kind, ok := codeKinds[e.Code]; ok {
			e.Err = kind
		} else {
			e.Err = ErrUnknownJSON
		}

		return e
	}

	if e.Description == "" && len(body) > 0 {
		e.Description = string(body)
	}

	e.Err = classifyStatus(status)

	return e
}

// classifyStatus maps an HTTP status code to a kind.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrInvalidResponse
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
