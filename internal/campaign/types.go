package campaign

import (
	"time"

	"wablast/internal/provider"
	"wablast/internal/text"
)

// Kind is the run variant.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindInvite    Kind = "invite"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBroadcast, KindInvite:
		return Kind(s), nil
	default:
		return "", ErrUnknownKind
	}
}

// MediaMode controls how an attachment combines with the templated text.
type MediaMode string

const (
	// MediaCombined sends one message with the text as the media caption.
	// Media kinds that cannot carry a caption get the text as a separate
	// preceding message.
	MediaCombined MediaMode = "combined"
	// MediaSeparate sends the text first, then the media, with a short fixed
	// pause in between.
	MediaSeparate MediaMode = "separate"
)

// Config is the engine's behavior knobs, derived from the campaign config
// block. Apply() swaps them at runtime.
type Config struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	SendTimeout time.Duration
	RatePerSec  int
	// MessageGap separates the two messages of a "separate" media send.
	MessageGap time.Duration
}

// Options accompany one submission.
type Options struct {
	DelaySeconds int
	// Broadcast only.
	Templates []string
	Policy    text.Policy
	Media     *provider.Media
	MediaMode MediaMode
	// Invite only.
	GroupID string
}

// Result is the outcome for one recipient.
type Result struct {
	Contact string `json:"contact"`
	Status  string `json:"status"` // "success" or "error"
	Reason  string `json:"message,omitempty"`
}

// Progress is published once per recipient, in submission order.
type Progress struct {
	Kind    Kind   `json:"kind"`
	Current int    `json:"current"` // 1-based index
	Total   int    `json:"total"`
	Contact string `json:"contact"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Stopped is the single terminal event of a cancelled run.
type Stopped struct {
	Kind  Kind `json:"kind"`
	At    int  `json:"at"` // index of the first unprocessed recipient
	Total int  `json:"total"`
}

// Complete is the single terminal event of a finished run.
type Complete struct {
	Kind      Kind     `json:"kind"`
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
	TookMS    int64    `json:"took_ms"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)
