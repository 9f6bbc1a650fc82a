// Package playback is the stream playback engine: one state machine per session that
// resolves an item to a media URL, applies the relay policy, drives an adaptive engine or
// a progressive surface, and recovers from failures without user involvement where it can.
//
//	Resolving -> Loading -> Playing <-> Paused -> Closed
//	Resolving, Loading -> Errored
//
// Observers read Status, or block on Changed / WaitFor; they never drive the protocol.
package playback

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/hls"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/media"
	"github.com/snapetech/iptvclient/internal/probe"
	"github.com/snapetech/iptvclient/internal/transport"
)

// DefaultMaxRetries is the automatic reload budget of a session.
const DefaultMaxRetries = 5

// URLResolver turns an item URL (possibly a series sentinel) into a media URL.
// *series.Resolver implements it.
type URLResolver interface {
	Resolve(ctx context.Context, creds catalog.Credentials, itemURL string) (string, error)
}

// Options configure a Player.
type Options struct {
	Resolver URLResolver
	Policy   transport.Policy
	// NewEngine creates one adaptive engine per load attempt. Defaults to the headless hls engine.
	NewEngine func() media.AdaptiveEngine
	// NewSurface creates the media element of a session. Defaults to the headless probe surface.
	NewSurface func() media.Surface
	// MaxRetries bounds automatic reloads per session. 0 disables them.
	MaxRetries int
	Logger     *log.Logger
}

// Player owns the current session. Opening an item closes whatever was playing.
type Player struct {
	opts Options
	log  *log.Logger

	mu      sync.Mutex
	current *Session
}

// NewPlayer returns a Player with no session.
func NewPlayer(opts Options) *Player {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	logger := logging.OrDiscard(opts.Logger)
	opts.Logger = logger
	if opts.NewEngine == nil {
		opts.NewEngine = func() media.AdaptiveEngine { return hls.New(hls.Options{Logger: logger}) }
	}
	if opts.NewSurface == nil {
		opts.NewSurface = func() media.Surface { return probe.NewSurface(nil, 0, logger) }
	}
	return &Player{opts: opts, log: logger}
}

// Open starts a new session for item, closing the current one first.
func (p *Player) Open(item catalog.Item, creds catalog.Credentials) *Session {
	s := newSession(uuid.NewString(), item, creds, &p.opts)
	p.mu.Lock()
	prev := p.current
	p.current = s
	p.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	p.log.Info("playing", "item", item.ID, "name", item.Name, "group", item.Group, "session", shortID(s.id))
	s.start()
	return s
}

// Reopen re-resolves the item of s in a brand-new session with a fresh retry budget.
func (p *Player) Reopen(s *Session) *Session {
	return p.Open(s.item, s.creds)
}

// Current is the session opened last, or nil.
func (p *Player) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Close closes the current session, if any.
func (p *Player) Close() {
	p.mu.Lock()
	s := p.current
	p.current = nil
	p.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
