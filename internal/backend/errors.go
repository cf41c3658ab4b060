// Package backend provides an HTTP client for the hosted data/auth backend
// (REST tables, token endpoint, health endpoint) with error classification
// done once, at the boundary where responses are decoded.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Kind is the closed set of failure categories callers switch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindAuth
	KindDuplicate
	KindValidation
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindDuplicate:
		return "duplicate"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per Kind. Use errors.Is(err, backend.ErrAuth).
var (
	ErrUnreachable = errors.New("backend: unreachable")
	ErrAuth        = errors.New("backend: authentication failed")
	ErrDuplicate   = errors.New("backend: duplicate key")
	ErrValidation  = errors.New("backend: invalid request")
	ErrNotFound    = errors.New("backend: not found")
	ErrUnexpected  = errors.New("backend: unexpected response")
)

// ErrNotLoggedIn is returned when no session has been saved.
var ErrNotLoggedIn = errors.New("backend: not logged in")

// Error carries the decoded failure with its Kind tag.
type Error struct {
	Kind       Kind
	StatusCode int    // 0 for transport failures
	Code       string // backend error code, e.g. "23505" or "invalid_grant"
	Message    string
	Details    string // e.g. "Key (id)=(s-1) already exists."
	Constraint string // violated constraint name, when the backend names one
	Err        error  // sentinel, for errors.Is()
}

// PrimaryKey reports whether e is a duplicate on the row's own id rather
// than on a secondary unique constraint.
func (e *Error) PrimaryKey() bool {
	if e.Kind != KindDuplicate {
		return false
	}

	return strings.HasSuffix(e.Constraint, "_pkey") || strings.HasPrefix(e.Details, "Key (id)=")
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("backend: %s: %s", e.Kind, e.Message)
	case e.Code != "":
		return fmt.Sprintf("backend: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("backend: HTTP %d: %s", e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err. Errors not produced by this package are
// KindUnknown, except context deadline failures which count as network.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	return KindUnknown
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsNetwork reports whether err means the backend could not be reached.
func IsNetwork(err error) bool { return KindOf(err) == KindNetwork }

// IsDuplicate reports whether err is a unique-constraint violation.
func IsDuplicate(err error) bool { return KindOf(err) == KindDuplicate }

// IsPrimaryKeyDuplicate reports whether err says a row with the same id
// already exists.
func IsPrimaryKeyDuplicate(err error) bool {
	var be *Error

	return errors.As(err, &be) && be.PrimaryKey()
}

// Backend error codes that mean the caller's credentials are unusable.
var authCodes = map[string]bool{
	"PGRST301":                true, // JWT expired
	"PGRST302":                true, // anonymous access disabled
	"invalid_grant":           true,
	"bad_jwt":                 true,
	"session_not_found":       true,
	"refresh_token_not_found": true,
}

// Postgres SQLSTATE codes surfaced through the REST layer.
const (
	pgUniqueViolation   = "23505"
	pgNotNullViolation  = "23502"
	pgCheckViolation    = "23514"
	pgForeignKeyViolate = "23503"
)

// constraintPattern extracts the name from Postgres' "violates ... constraint "name"".
var constraintPattern = regexp.MustCompile(`constraint "([^"]+)"`)

var kindSentinel = map[Kind]error{
	KindNetwork:    ErrUnreachable,
	KindAuth:       ErrAuth,
	KindDuplicate:  ErrDuplicate,
	KindValidation: ErrValidation,
	KindNotFound:   ErrNotFound,
	KindUnknown:    ErrUnexpected,
}

// errorBody covers both REST ({code,message,details,hint}) and auth
// ({error,error_description} or {code,msg}) error payloads.
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	Message          string          `json:"message"`
	Msg              string          `json:"msg"`
	Details          string          `json:"details"`
	ErrorCode        string          `json:"error_code"`
	OAuthError       string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// decodeError turns a non-2xx response into a classified *Error.
func decodeError(status int, body []byte) *Error {
	var eb errorBody

	code, msg := "", strings.TrimSpace(string(body))
	if json.Unmarshal(body, &eb) == nil {
		code = firstNonEmpty(rawString(eb.Code), eb.ErrorCode, eb.OAuthError)
		msg = firstNonEmpty(eb.Message, eb.Msg, eb.ErrorDescription, msg)
	}

	kind := classify(status, code, msg)

	var constraint string
	if m := constraintPattern.FindStringSubmatch(msg); m != nil {
		constraint = m[1]
	}

	return &Error{
		Kind:       kind,
		StatusCode: status,
		Code:       code,
		Message:    msg,
		Details:    eb.Details,
		Constraint: constraint,
		Err:        kindSentinel[kind],
	}
}

// transportError wraps a failure that happened before any response arrived.
func transportError(err error) *Error {
	return &Error{
		Kind:    KindNetwork,
		Message: err.Error(),
		Err:     errors.Join(ErrUnreachable, err),
	}
}

// classify maps a status code, backend code and message to a Kind.
// Order matters: a 409 carrying 23505 is a duplicate, not a generic conflict.
func classify(status int, code, msg string) Kind {
	lower := strings.ToLower(msg)

	switch {
	case code == pgUniqueViolation || strings.Contains(lower, "duplicate key"):
		return KindDuplicate
	case status == http.StatusUnauthorized || status == http.StatusForbidden || authCodes[code]:
		return KindAuth
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout:
		return KindNetwork
	case code == pgNotNullViolation || code == pgCheckViolation || code == pgForeignKeyViolate:
		return KindValidation
	case status == http.StatusNotFound:
		return KindNotFound
	case mentionsAuth(lower):
		return KindAuth
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindUnknown
	}
}

func mentionsAuth(lower string) bool {
	return strings.Contains(lower, "jwt") ||
		strings.Contains(lower, "token") ||
		strings.Contains(lower, "auth")
}

// rawString decodes a JSON code that may be a string ("23505") or a
// number (401).
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	return strings.Trim(string(raw), `"`)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}

	return ""
}
