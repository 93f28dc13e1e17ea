package session

import "errors"

var (
	// ErrNotConnected is returned by Disconnect when the session has no live
	// authenticated handle.
	ErrNotConnected = errors.New("session not connected")
	// ErrNotReady is returned when an operation requires an authenticated
	// session and the session isn't there yet.
	ErrNotReady = errors.New("session not authenticated")
)
