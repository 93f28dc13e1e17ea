package campaign

import "errors"

var (
	// ErrSessionNotReady rejects submissions against a session that is not
	// authenticated.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrAlreadyRunning rejects a second run of the same kind for a session
	// that already has one active.
	ErrAlreadyRunning = errors.New("campaign already running")
	// ErrInvalidDelay rejects a per-recipient delay outside the configured
	// bounds.
	ErrInvalidDelay = errors.New("delay out of bounds")
	// ErrNoRecipients rejects an empty recipient list.
	ErrNoRecipients = errors.New("no recipients")
	// ErrUnknownKind rejects kinds other than broadcast/invite.
	ErrUnknownKind = errors.New("unknown campaign kind")
	// ErrMissingGroup rejects an invite submission without a target group.
	ErrMissingGroup = errors.New("missing group id")
)

// Per-recipient failure reasons with fixed wording (the result list is
// machine-consumed by the UI).
const (
	ReasonInvalidFormat = "invalid format"
	ReasonSendTimeout   = "send timed out"
)
