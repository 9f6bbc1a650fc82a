package playback

import (
	"time"

	"github.com/snapetech/iptvclient/internal/catalog"
)

// State is the phase of a playback session.
type State string

const (
	Resolving State = "resolving"
	Loading   State = "loading"
	Playing   State = "playing"
	Paused    State = "paused"
	Closed    State = "closed"
	Errored   State = "errored"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Closed || s == Errored
}

// Target is where a session's media comes from. ResolvedURL is the concrete provider URL;
// PlaybackURL is what the engine or surface is actually given (the relay URL when Proxied).
type Target struct {
	ResolvedURL string `json:"-"`
	PlaybackURL string `json:"-"`
	Adaptive    bool   `json:"adaptive"`
	Proxied     bool   `json:"proxied"`
}

// Status is a point-in-time view of a session for observers.
type Status struct {
	ID       string        `json:"id"`
	ItemID   string        `json:"item_id"`
	ItemName string        `json:"item_name"`
	Group    catalog.Group `json:"group"`
	State    State         `json:"state"`
	History  []State       `json:"history"`
	Target
	Retries    int  `json:"retries"`
	MaxRetries int  `json:"max_retries"`
	Ended      bool `json:"ended,omitempty"`

	// Container is what a progressive source was recognised as, e.g. mp4 or mpegts.
	Container string `json:"container,omitempty"`

	// Set in Errored.
	Err     error  `json:"-"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Hint    string `json:"hint,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
