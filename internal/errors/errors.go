// Package errors provides standardized error codes for the agentfleet host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (backend, session, buffer, registration, ...)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by control-plane callers for
// programmatic error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes by domain.
// These are stable identifiers that control-plane callers can rely on.
const (
	// Backend domain - session-hosting strategy errors
	CodeBackendUnavailable     = "backend.unavailable"      // Host process could not be spawned
	CodeBackendUnsupportedType = "backend.unsupported_type" // No constructor registered for the type
	CodeBackendDisabled        = "backend.disabled"         // Backend type disabled by configuration

	// Session domain - per-session errors
	CodeSessionAlreadyExists = "session.already_exists" // Name already taken by this backend
	CodeSessionNotFound      = "session.not_found"      // Name does not exist
	CodeSessionCreateFailed  = "session.create_failed"  // Backend refused to create the session
	CodeSessionWriteFailed   = "session.write_failed"   // Failed to write input to the session
	CodeSessionKillFailed    = "session.kill_failed"    // Failed to terminate the session

	// Buffer domain - terminal buffer errors
	CodeBufferDisposed = "buffer.disposed" // Buffer used after Dispose()

	// Registration domain - agent handshake errors
	CodeRegistrationTimeout    = "registration.timeout"     // Ready signal never arrived
	CodeRegistrationTransient  = "registration.transient"   // Retryable (session vanished mid-init)
	CodeRegistrationFatal      = "registration.fatal"       // Not retryable
	CodeRegistrationNotPending = "registration.not_pending" // Callback for an unknown registration

	// Input domain - terminal input errors
	CodeInputRateLimited = "input.rate_limited" // Too many input messages per second

	// Queue domain - creation queue errors
	CodeQueueClosed = "queue.closed" // Manager shut down before the request was processed

	// Config domain
	CodeConfigInvalid = "config.invalid" // Configuration failed validation

	// Storage domain - database and persistence errors
	CodeStorageNotFound    = "storage.not_found"    // Record not found
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// tmux domain - multiplexer integration errors
	CodeTmuxNotInstalled = "tmux.not_installed" // tmux command not found on host

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CodedError with the same code.
// This lets callers write errors.Is(err, errors.New(CodeSessionNotFound, ""))
// without caring about the message.
func (e *CodedError) Is(target error) bool {
	var coded *CodedError
	if !errors.As(target, &coded) {
		return false
	}
	return coded.Code == e.Code
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to control-plane responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// transientMarkers are message fragments that identify a session which
// disappeared underneath an in-flight operation. tmux reports these when a
// pane is torn down between two commands.
var transientMarkers = []string{
	"pane not found",
	"can't find pane",
}

// IsTransient reports whether err is safe to retry blindly.
//
// An error is transient if it carries CodeRegistrationTransient anywhere in
// its chain, or if its message contains a known "pane vanished" fragment.
// Everything else is treated as fatal for the attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		var coded *CodedError
		if errors.As(e, &coded) && coded.Code == CodeRegistrationTransient {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Common error constructors for frequently used error types.

// BackendUnavailable creates a "backend.unavailable" error.
// This indicates the host process for a session could not be spawned.
func BackendUnavailable(backend string, cause error) *CodedError {
	return Wrap(CodeBackendUnavailable, fmt.Sprintf("%s backend unavailable", backend), cause)
}

// UnsupportedBackendType creates a "backend.unsupported_type" error.
func UnsupportedBackendType(backend string) *CodedError {
	return New(CodeBackendUnsupportedType, fmt.Sprintf("unsupported backend type '%s'", backend))
}

// BackendDisabled creates a "backend.disabled" error.
// Returned instead of attempting construction of a disabled backend.
func BackendDisabled(backend string) *CodedError {
	return New(CodeBackendDisabled, fmt.Sprintf("backend '%s' is disabled", backend))
}

// SessionAlreadyExists creates a "session.already_exists" error.
func SessionAlreadyExists(name string) *CodedError {
	return New(CodeSessionAlreadyExists, fmt.Sprintf("session '%s' already exists", name))
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(name string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("session '%s' not found", name))
}

// BufferDisposed creates a "buffer.disposed" error.
func BufferDisposed() *CodedError {
	return New(CodeBufferDisposed, "terminal buffer has been disposed")
}

// RegistrationTimeout creates a "registration.timeout" error.
// The in-session program never signalled readiness within the timeout.
func RegistrationTimeout(name string, timeoutMs int64) *CodedError {
	msg := fmt.Sprintf("agent in session '%s' did not become ready within %dms", name, timeoutMs)
	return New(CodeRegistrationTimeout, msg)
}

// RegistrationTransient creates a "registration.transient" error.
// The caller may retry the whole creation.
func RegistrationTransient(name, reason string, cause error) *CodedError {
	return Wrap(CodeRegistrationTransient, fmt.Sprintf("session '%s': %s", name, reason), cause)
}

// RegistrationFatal creates a "registration.fatal" error.
func RegistrationFatal(name, reason string, cause error) *CodedError {
	return Wrap(CodeRegistrationFatal, fmt.Sprintf("session '%s': %s", name, reason), cause)
}

// RegistrationNotPending creates a "registration.not_pending" error.
// Returned when a ready callback names a session with no pending handshake
// or carries the wrong token.
func RegistrationNotPending(name string) *CodedError {
	return New(CodeRegistrationNotPending, fmt.Sprintf("no pending registration for session '%s'", name))
}

// InputRateLimited creates an "input.rate_limited" error.
func InputRateLimited(name string) *CodedError {
	return New(CodeInputRateLimited, fmt.Sprintf("input to session '%s' is rate limited", name))
}

// QueueClosed creates a "queue.closed" error.
func QueueClosed() *CodedError {
	return New(CodeQueueClosed, "session creation queue is closed")
}

// ConfigInvalid creates a "config.invalid" error.
func ConfigInvalid(reason string) *CodedError {
	return New(CodeConfigInvalid, reason)
}

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// TmuxNotInstalled creates a "tmux.not_installed" error.
// This indicates the tmux command was not found on the host system.
func TmuxNotInstalled() *CodedError {
	return New(CodeTmuxNotInstalled, "tmux is not installed on this system")
}
