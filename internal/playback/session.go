package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/media"
	"github.com/snapetech/iptvclient/internal/metrics"
	"github.com/snapetech/iptvclient/internal/probe"
	"github.com/snapetech/iptvclient/internal/safeurl"
)

// containerReporter is implemented by surfaces that recognise the container they loaded.
type containerReporter interface {
	Container() probe.Container
}

// ErrInvalidTransition is returned by Pause and Resume outside Playing and Paused.
var ErrInvalidTransition = errors.New("invalid playback transition")

type msgKind int

const (
	msgResolved msgKind = iota + 1
	msgEvent
	msgPause
	msgResume
	msgClose
)

type message struct {
	kind    msgKind
	attempt uint64
	ev      media.Event
	url     string
	err     error
	reply   chan error
}

// Session plays one catalog item. All protocol decisions run on the session's own
// goroutine; collaborators and callers talk to it through messages, so a stale callback
// can never touch a newer attempt or a closed session.
type Session struct {
	id    string
	item  catalog.Item
	creds catalog.Credentials
	opts  *Options
	log   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan message
	done   chan struct{}

	// Owned by the run loop.
	surface        media.Surface
	engine         media.AdaptiveEngine
	attempt        uint64
	mediaRecovered bool
	userPaused     bool

	mu      sync.Mutex
	status  Status
	changed chan struct{}
}

func newSession(id string, item catalog.Item, creds catalog.Credentials, opts *Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		id:      id,
		item:    item,
		creds:   creds,
		opts:    opts,
		log:     logging.OrDiscard(opts.Logger).With("session", shortID(id), "item", item.ID),
		ctx:     ctx,
		cancel:  cancel,
		inbox:   make(chan message, 32),
		done:    make(chan struct{}),
		surface: opts.NewSurface(),
		changed: make(chan struct{}),
		status: Status{
			ID:         id,
			ItemID:     item.ID,
			ItemName:   item.Name,
			Group:      item.Group,
			MaxRetries: opts.MaxRetries,
			StartedAt:  now,
			UpdatedAt:  now,
		},
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ID is the session identifier.
func (s *Session) ID() string { return s.id }

// Item is the catalog item being played.
func (s *Session) Item() catalog.Item { return s.item }

// Status returns a copy of the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.History = append([]State(nil), s.status.History...)
	return st
}

// Changed returns a channel closed at the next status change.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// WaitFor blocks until the session is in one of states or in a terminal state, and returns
// that status. It fails only when ctx ends first.
func (s *Session) WaitFor(ctx context.Context, states ...State) (Status, error) {
	for {
		ch := s.Changed()
		st := s.Status()
		if st.State.Terminal() {
			return st, nil
		}
		for _, want := range states {
			if st.State == want {
				return st, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// ExternalURL is the raw resolved media URL for handing to a player outside the engine.
// It is available once resolution succeeded, including after an error.
func (s *Session) ExternalURL() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.ResolvedURL, s.status.ResolvedURL != ""
}

// Pause moves Playing to Paused.
func (s *Session) Pause() error { return s.call(msgPause) }

// Resume moves Paused to Playing.
func (s *Session) Resume() error { return s.call(msgResume) }

// Close cancels resolution, destroys the engine and resets the surface before returning.
// Closing an errored or closed session does nothing.
func (s *Session) Close() {
	s.cancel()
	s.call(msgClose)
}

// Done is closed once the session stops processing, i.e. after Close or on error.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) call(kind msgKind) error {
	reply := make(chan error, 1)
	select {
	case s.inbox <- message{kind: kind, reply: reply}:
	case <-s.done:
		return s.inactive()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return s.inactive()
		}
	}
}

func (s *Session) inactive() error {
	return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.Status().State)
}

func (s *Session) post(m message) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

func (s *Session) sinkFor(attempt uint64) media.Sink {
	return func(ev media.Event) {
		s.post(message{kind: msgEvent, attempt: attempt, ev: ev})
	}
}

func (s *Session) start() {
	s.setState(Resolving, nil)
	go s.run()
	go func() {
		u, err := s.resolve()
		s.post(message{kind: msgResolved, url: u, err: err})
	}()
}

func (s *Session) run() {
	defer close(s.done)
	for m := range s.inbox {
		if s.handle(m) {
			return
		}
	}
}

// handle processes one message and reports whether the loop should stop.
func (s *Session) handle(m message) bool {
	switch m.kind {
	case msgClose:
		s.teardown()
		s.setState(Closed, nil)
		m.reply <- nil
		return true
	case msgPause:
		m.reply <- s.pause()
		return false
	case msgResume:
		m.reply <- s.resume()
		return false
	}
	// Close cancels the context before its message is queued; anything arriving in
	// between belongs to a session that is going away.
	if s.ctx.Err() != nil {
		return false
	}
	switch m.kind {
	case msgResolved:
		if m.err != nil {
			return s.fail(m.err)
		}
		s.beginLoading(m.url)
	case msgEvent:
		if m.attempt != s.attempt {
			s.log.Debug("dropping stale event", "event", m.ev.Kind, "attempt", m.attempt)
			return false
		}
		return s.onEvent(m.ev)
	}
	return false
}

// resolve turns the item URL into a concrete media URL.
func (s *Session) resolve() (string, error) {
	const op = "resolve"
	target := s.item.URL
	if _, isSeries := catalog.ParseSeriesSentinel(target); isSeries {
		if !s.creds.Valid() {
			return "", catalog.Errorf(catalog.ErrResolution, op, "no provider credentials to resolve the series")
		}
		if s.opts.Resolver == nil {
			return "", catalog.Errorf(catalog.ErrResolution, op, "series resolution is not available")
		}
		u, err := s.opts.Resolver.Resolve(s.ctx, s.creds, target)
		if err != nil {
			return "", catalog.E(catalog.ErrResolution, op, err)
		}
		target = u
	}
	if !safeurl.IsHTTPOrHTTPS(target) {
		return "", catalog.Errorf(catalog.ErrResolution, op, "item has no playable http(s) URL")
	}
	return target, nil
}

func (s *Session) beginLoading(resolved string) {
	adaptive := s.item.Group == catalog.GroupLive || probe.Classify(resolved) == probe.StreamHLS
	playURL, proxied := s.opts.Policy.Apply(resolved, s.creds.UseProxy)
	s.update(func(st *Status) {
		st.Target = Target{ResolvedURL: resolved, PlaybackURL: playURL, Adaptive: adaptive, Proxied: proxied}
	})
	s.log.Debug("resolved", "url", logging.RedactURL(resolved), "adaptive", adaptive, "proxied", proxied)
	s.setState(Loading, nil)
	s.load()
}

// load starts a fresh attempt with the current target. The previous engine is destroyed
// before the next one exists, so two engines never share the surface.
func (s *Session) load() {
	s.teardown()
	s.attempt++
	sink := s.sinkFor(s.attempt)
	s.surface.Bind(sink)
	t := s.Status().Target
	if t.Adaptive {
		s.engine = s.opts.NewEngine()
		s.engine.Attach(s.surface, sink)
		s.engine.LoadSource(s.ctx, t.PlaybackURL)
		return
	}
	s.surface.SetSource(s.ctx, t.PlaybackURL)
}

func (s *Session) teardown() {
	if s.engine != nil {
		s.engine.Destroy()
		s.engine = nil
	}
	s.surface.Reset()
}

func (s *Session) onEvent(ev media.Event) bool {
	state := s.Status().State
	switch ev.Kind {
	case media.EventManifestParsed, media.EventCanPlay:
		if state != Loading {
			return false
		}
		if ev.Kind == media.EventCanPlay {
			if cr, ok := s.surface.(containerReporter); ok {
				c := string(cr.Container())
				s.update(func(st *Status) { st.Container = c })
			}
		}
		if s.userPaused {
			s.log.Debug("reloaded while paused, staying paused")
			s.setState(Paused, nil)
			return false
		}
		if err := s.surface.Play(); err != nil {
			s.log.Debug("autoplay refused, waiting for resume", "err", err)
			s.setState(Paused, nil)
			return false
		}
		s.setState(Playing, nil)
	case media.EventEnded:
		s.update(func(st *Status) { st.Ended = true })
	case media.EventError:
		if !ev.Fatal {
			s.log.Debug("non-fatal playback error", "class", ev.Class, "err", ev.Err)
			return false
		}
		return s.onFatal(ev)
	}
	return false
}

func (s *Session) onFatal(ev media.Event) bool {
	t := s.Status().Target
	s.log.Debug("fatal playback error", "class", ev.Class, "adaptive", t.Adaptive, "proxied", t.Proxied, "err", ev.Err)

	if !t.Adaptive {
		if !t.Proxied {
			if u, ok := s.opts.Policy.Relay(t.ResolvedURL); ok {
				metrics.PlaybackRetries.WithLabelValues("relay").Inc()
				s.update(func(st *Status) { st.PlaybackURL, st.Proxied = u, true })
				s.setState(Loading, nil)
				s.load()
				return false
			}
		}
		return s.fail(&catalog.Error{Kind: catalog.ErrPlayback, Op: "direct playback",
			Msg: "this video format cannot be played here", Err: ev.Err})
	}

	switch ev.Class {
	case media.ClassProgressive:
		// Same URL, played on the surface instead; the retry budget is untouched.
		metrics.PlaybackRetries.WithLabelValues("direct").Inc()
		s.update(func(st *Status) { st.Adaptive = false })
		s.setState(Loading, nil)
		s.load()
		return false
	case media.ClassNetwork:
		st := s.Status()
		if st.Retries >= s.opts.MaxRetries {
			return s.fail(&catalog.Error{Kind: catalog.ErrPlayback, Op: "adaptive playback",
				Msg: fmt.Sprintf("the provider is not sending video data (gave up after %d retries)", st.Retries), Err: ev.Err})
		}
		reason := "network"
		playURL, proxied := t.PlaybackURL, t.Proxied
		if !proxied {
			if u, ok := s.opts.Policy.Relay(t.ResolvedURL); ok {
				playURL, proxied, reason = u, true, "relay"
			}
		}
		metrics.PlaybackRetries.WithLabelValues(reason).Inc()
		s.update(func(st *Status) {
			st.Retries++
			st.PlaybackURL, st.Proxied = playURL, proxied
		})
		s.setState(Loading, nil)
		s.load()
		return false
	case media.ClassMedia:
		if s.mediaRecovered || s.engine == nil {
			return s.fail(&catalog.Error{Kind: catalog.ErrPlayback, Op: "adaptive playback",
				Msg: "the stream could not be decoded", Err: ev.Err})
		}
		s.mediaRecovered = true
		metrics.PlaybackRetries.WithLabelValues("media").Inc()
		s.setState(Loading, nil)
		s.engine.RecoverMediaError()
		return false
	}
	return s.fail(&catalog.Error{Kind: catalog.ErrPlayback, Op: "adaptive playback",
		Msg: "the stream could not be loaded", Err: ev.Err})
}

func (s *Session) pause() error {
	if st := s.Status().State; st != Playing {
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidTransition, st)
	}
	s.surface.Pause()
	s.userPaused = true
	s.setState(Paused, nil)
	return nil
}

func (s *Session) resume() error {
	if st := s.Status().State; st != Paused {
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidTransition, st)
	}
	if err := s.surface.Play(); err != nil {
		return err
	}
	s.userPaused = false
	s.setState(Playing, nil)
	return nil
}

// fail releases the engine and moves to Errored. It always stops the loop.
func (s *Session) fail(err error) bool {
	s.teardown()
	s.setState(Errored, err)
	return true
}

func (s *Session) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.status.UpdatedAt = time.Now()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *Session) setState(state State, err error) {
	s.update(func(st *Status) {
		st.State = state
		st.History = append(st.History, state)
		if err != nil {
			st.Err = err
			st.Kind = catalog.KindName(err)
			st.Error = err.Error()
			st.Message, st.Hint = catalog.UserMessage(err)
		}
	})
	metrics.PlaybackStates.WithLabelValues(string(state)).Inc()
	if err != nil {
		s.log.Warn("playback failed", "state", state, "err", err)
		return
	}
	s.log.Debug("playback state", "state", state)
}
