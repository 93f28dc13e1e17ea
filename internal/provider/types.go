// Package provider defines the contract the orchestrator requires from the
// messaging network client. The concrete implementation (whatsmeow) lives in
// internal/wa; the registry and the job engine only see these types, which
// keeps them testable with fakes.
package provider

import "context"

// Identity is the authenticated account behind a connection.
type Identity struct {
	Name string `json:"name"`
	JID  string `json:"jid"`
}

// Group is one group chat the connection participates in.
type Group struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	MemberCount int    `json:"member_count"`
	// IsAdmin reports whether the authenticated identity holds an admin role
	// in the group, computed from the participant list.
	IsAdmin bool `json:"is_admin"`
}

// MediaKind tells the adapter how to wrap an attachment.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// SupportsCaption reports whether a message of this kind can carry caption
// text. Audio messages cannot; the engine sends the text separately for them.
func (k MediaKind) SupportsCaption() bool { return k != MediaAudio }

// Media is an attachment staged on local disk.
type Media struct {
	Kind     MediaKind
	MIME     string
	Path     string
	FileName string
}

// Participant-add status codes, as reported by the network.
const (
	AddOK            = 0
	AddNotAllowed    = 403 // target's privacy settings or sender lacks permission
	AddRecentlyLeft  = 408 // target left the group recently
	AddAlreadyMember = 409
	AddNotRegistered = 404 // number is not on the network
)

// Events are the lifecycle callbacks a connection emits. All callbacks are
// optional; the adapter must tolerate nil members. Calls may come from the
// adapter's own goroutines.
type Events struct {
	// QR delivers a new pairing challenge (raw QR payload, not an image).
	QR func(code string)
	// Authenticated fires when the connection reaches the logged-in state.
	Authenticated func(id Identity)
	// Disconnected fires on connection loss. recoverable=false means the
	// stored credentials can no longer be used (e.g. device unlinked).
	Disconnected func(reason string, recoverable bool)
	// Unauthorized fires when the network rejects the stored credentials
	// outright; the caller is expected to erase them and start fresh.
	Unauthorized func()
}

// Conn is one live connection to the messaging network.
type Conn interface {
	// SendText delivers a text message to a canonical phone number.
	SendText(ctx context.Context, phone, body string) error
	// SendMedia delivers an attachment; caption may be empty.
	SendMedia(ctx context.Context, phone string, m Media, caption string) error
	// Groups lists joined group chats.
	Groups(ctx context.Context) ([]Group, error)
	// AddGroupMember adds a canonical phone number to a group and returns the
	// network's status code (see Add* constants).
	AddGroupMember(ctx context.Context, groupID, phone string) (int, error)
	// Logout unlinks the device on the network side.
	Logout(ctx context.Context) error
	// Close tears the connection down without touching credentials.
	Close()
}

// Dialer opens connections and manages their persisted credentials.
type Dialer interface {
	// Dial opens a connection for the session, loading persisted credentials
	// when present. A session without credentials starts the pairing flow and
	// emits QR events.
	Dial(ctx context.Context, sessionID string, ev Events) (Conn, error)
	// Erase removes the session's persisted credentials. Idempotent.
	Erase(sessionID string) error
}
