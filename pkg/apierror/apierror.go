// Package apierror defines the error taxonomy shared by the store, the
// lifecycle engine, the agent proxy and the HTTP layer. Every failure that
// crosses a package boundary is classified as one of the kinds below; the
// HTTP layer maps kinds to status codes.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for policy decisions and HTTP mapping.
type Kind string

const (
	// KindNotFound - user, project or session does not exist.
	KindNotFound Kind = "NotFound"
	// KindConflict - concurrent transition or duplicate identity.
	KindConflict Kind = "Conflict"
	// KindInvalidArgument - validation failure, unknown setting, malformed body.
	KindInvalidArgument Kind = "InvalidArgument"
	// KindProjectNotActive - chat or session operation on a non-active project.
	KindProjectNotActive Kind = "ProjectNotActive"
	// KindReadinessTimeout - the readiness waiter exceeded its budget.
	KindReadinessTimeout Kind = "ReadinessTimeout"
	// KindCloneFailed - in-pod git clone exited non-zero. Recorded on the
	// project, never fatal to activation.
	KindCloneFailed Kind = "CloneFailed"
	// KindOrchestrator - cluster API failure.
	KindOrchestrator Kind = "OrchestratorError"
	// KindStorageUnavailable - metadata store unreachable.
	KindStorageUnavailable Kind = "StorageUnavailable"
	// KindUpstream - the agent returned an error.
	KindUpstream Kind = "UpstreamError"
	// KindCancelled - the caller disconnected.
	KindCancelled Kind = "Cancelled"
)

// statusClientClosedRequest is the nginx convention for a client that went
// away before the response completed.
const statusClientClosedRequest = 499

// Error carries a kind, a caller-facing message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the kind onto the wire status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidArgument, KindProjectNotActive:
		return http.StatusBadRequest
	case KindReadinessTimeout:
		return http.StatusGatewayTimeout
	case KindOrchestrator, KindUpstream:
		return http.StatusBadGateway
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// New builds an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause. The cause stays reachable via
// errors.Unwrap for logging; Message is what callers see.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
