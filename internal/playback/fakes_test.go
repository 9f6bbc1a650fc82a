package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/media"
)

// fakeEngine is driven by the test: LoadSource announces the engine on its factory channel
// and the test injects events with emit.
type fakeEngine struct {
	factory *engineFactory

	mu        sync.Mutex
	sink      media.Sink
	src       string
	recovered int
	destroyed bool
}

func (f *fakeEngine) Attach(s media.Surface, sink media.Sink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *fakeEngine) LoadSource(ctx context.Context, url string) {
	f.mu.Lock()
	f.src = url
	f.mu.Unlock()
	f.factory.loaded <- f
}

func (f *fakeEngine) RecoverMediaError() {
	f.mu.Lock()
	f.recovered++
	f.mu.Unlock()
	f.factory.recovered <- f
}

func (f *fakeEngine) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
}

func (f *fakeEngine) emit(ev media.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (f *fakeEngine) source() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.src
}

func (f *fakeEngine) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

type engineFactory struct {
	loaded    chan *fakeEngine
	recovered chan *fakeEngine

	mu         sync.Mutex
	all        []*fakeEngine
	overlapped bool
}

func newEngineFactory() *engineFactory {
	return &engineFactory{loaded: make(chan *fakeEngine, 16), recovered: make(chan *fakeEngine, 16)}
}

func (f *engineFactory) New() media.AdaptiveEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.all {
		if !e.isDestroyed() {
			f.overlapped = true
		}
	}
	e := &fakeEngine{factory: f}
	f.all = append(f.all, e)
	return e
}

func (f *engineFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.all)
}

func (f *engineFactory) next(t *testing.T) *fakeEngine {
	t.Helper()
	select {
	case e := <-f.loaded:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no engine loaded")
	}
	return nil
}

// fakeSurface records sources and lets the test answer them.
type fakeSurface struct {
	sources chan string
	playErr error

	mu      sync.Mutex
	sink    media.Sink
	resets  int
	playing bool
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{sources: make(chan string, 16)}
}

func (f *fakeSurface) Bind(sink media.Sink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *fakeSurface) SetSource(ctx context.Context, url string) { f.sources <- url }

func (f *fakeSurface) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.playing = true
	return nil
}

func (f *fakeSurface) Pause() {
	f.mu.Lock()
	f.playing = false
	f.mu.Unlock()
}

func (f *fakeSurface) Reset() {
	f.mu.Lock()
	f.resets++
	f.playing = false
	f.mu.Unlock()
}

func (f *fakeSurface) emit(ev media.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (f *fakeSurface) nextSource(t *testing.T) string {
	t.Helper()
	select {
	case u := <-f.sources:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("no source set")
	}
	return ""
}

func (f *fakeSurface) isPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

// stubResolver resolves sentinels to a fixed URL, optionally blocking until released.
type stubResolver struct {
	url   string
	err   error
	block chan struct{}

	mu  sync.Mutex
	ctx context.Context
}

func (r *stubResolver) Resolve(ctx context.Context, creds catalog.Credentials, itemURL string) (string, error) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.url, r.err
}

var errNetDown = errors.New("connection refused")

func netError() media.Event {
	return media.Event{Kind: media.EventError, Fatal: true, Class: media.ClassNetwork, Err: errNetDown}
}

func waitState(t *testing.T, s *Session, states ...State) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.WaitFor(ctx, states...)
	if err != nil {
		t.Fatalf("waiting for %v: still %s (%v)", states, st.State, err)
	}
	for _, want := range states {
		if st.State == want {
			return st
		}
	}
	t.Fatalf("waiting for %v: session ended %s (%s)", states, st.State, st.Error)
	return st
}
