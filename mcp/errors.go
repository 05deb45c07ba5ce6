package mcp

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTransportClosed     = errors.New("transport is closed")
	ErrNotStarted          = errors.New("transport not started")
	ErrDuplicateID         = errors.New("request id is already pending")
	ErrSessionExpired      = errors.New("session expired")
	ErrNoInitializeMessage = errors.New("no cached initialize message")
	ErrNotInitialized      = errors.New("client not initialized")
	ErrInvalidArguments    = errors.New("invalid tool arguments")

	// ErrReinitializationFailed marks operations that could not be replayed
	// because re-establishing the session failed.
	ErrReinitializationFailed = errors.New("session reinitialization failed")
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected HTTP status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("unexpected HTTP status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Is lets errors.Is(err, ErrSessionExpired) match a 404.
func (e *StatusError) Is(target error) bool {
	return target == ErrSessionExpired && e.StatusCode == http.StatusNotFound
}

// TransportError wraps a failure to reach the server or to read its response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
