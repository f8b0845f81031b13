package protocol

import (
	"errors"
	"fmt"
)

const maxErrorBody = 512

// AuthenticationError reports rejected credentials (HTTP 401/403).
type AuthenticationError struct {
	Status int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (status %d)", e.Status)
}

// ConnectionError reports a network or transport failure, or an unexpected
// status during session discovery.
type ConnectionError struct {
	Op     string
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed with status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a non-2xx API response.
type ProtocolError struct {
	Status int
	Body   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("JMAP request failed with status %d: %s", e.Status, e.Body)
}

// NewProtocolError truncates body to a loggable size.
func NewProtocolError(status int, body []byte) *ProtocolError {
	return &ProtocolError{Status: status, Body: truncate(string(body), maxErrorBody)}
}

// MalformedResponseError reports a response body that is not the expected JSON.
type MalformedResponseError struct {
	Err  error
	Body string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed JMAP response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// NewMalformedResponseError truncates body to a loggable size.
func NewMalformedResponseError(err error, body []byte) *MalformedResponseError {
	return &MalformedResponseError{Err: err, Body: truncate(string(body), maxErrorBody)}
}

// MethodError is a method-level ["error", {...}, callId] response.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	CallId      string `json:"-"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("JMAP method error %s: %s", e.Type, e.Description)
	}
	return "JMAP method error " + e.Type
}

// MutationError reports a create/update/destroy rejected by the server.
type MutationError struct {
	Id          string
	Type        string
	Description string
}

func (e *MutationError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Type
	}
	if e.Id != "" {
		return fmt.Sprintf("mutation of %s rejected: %s", e.Id, msg)
	}
	return "mutation rejected: " + msg
}

// PartialSetError reports the objects of a batch update or destroy that the
// server rejected. Ids absent from Failed were applied.
type PartialSetError struct {
	Failed map[Id]SetError
	Err    *MutationError
}

func (e *PartialSetError) Error() string {
	return fmt.Sprintf("%d objects rejected, first: %v", len(e.Failed), e.Err)
}

func (e *PartialSetError) Unwrap() error { return e.Err }

// Rejected returns the ids err reports as rejected by a partial /set, and
// false when err is not a partial failure.
func Rejected(err error) (map[Id]SetError, bool) {
	var target *PartialSetError
	if !errors.As(err, &target) {
		return nil, false
	}
	return target.Failed, true
}

// NoAccountError reports a session without any usable account.
type NoAccountError struct{}

func (e *NoAccountError) Error() string { return "session has no mail account" }

// UploadError reports a blob upload response with no recognisable blob id.
type UploadError struct {
	Status int
	Body   string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("unrecognised upload response (status %d): %s", e.Status, e.Body)
}

// NewUploadError truncates body to a loggable size.
func NewUploadError(status int, body []byte) *UploadError {
	return &UploadError{Status: status, Body: truncate(string(body), maxErrorBody)}
}

// IsAuthenticationError reports whether err is an *AuthenticationError.
func IsAuthenticationError(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsConnectionError reports whether err is a *ConnectionError.
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsProtocolError reports whether err is a *ProtocolError.
func IsProtocolError(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}

// IsMalformedResponseError reports whether err is a *MalformedResponseError.
func IsMalformedResponseError(err error) bool {
	var target *MalformedResponseError
	return errors.As(err, &target)
}

// IsMutationError reports whether err is a *MutationError.
func IsMutationError(err error) bool {
	var target *MutationError
	return errors.As(err, &target)
}

// IsNoAccountError reports whether err is a *NoAccountError.
func IsNoAccountError(err error) bool {
	var target *NoAccountError
	return errors.As(err, &target)
}

// IsUploadError reports whether err is an *UploadError.
func IsUploadError(err error) bool {
	var target *UploadError
	return errors.As(err, &target)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
