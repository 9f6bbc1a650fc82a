package playback

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/media"
	"github.com/snapetech/iptvclient/internal/transport"
)

var (
	creds = catalog.Credentials{Host: "http://example.com", User: "a", Pass: "b"}
	live  = catalog.Item{ID: "live_42", Name: "News 24", URL: "http://example.com/live/a/b/42.m3u8", Group: catalog.GroupLive}
	movie = catalog.Item{ID: "vod_7", Name: "Film", URL: "http://example.com/movie/a/b/7.mp4", Group: catalog.GroupMovie}
	show  = catalog.Item{ID: "series_3", Name: "Show", URL: "SERIES_ID:3", Group: catalog.GroupSeries}

	relayPolicy = transport.NewPolicy("https://relay.example/?url={url}", false)
)

type rig struct {
	player  *Player
	engines *engineFactory
	surface *fakeSurface
}

func newRig(t *testing.T, configure func(*Options)) *rig {
	t.Helper()
	r := &rig{engines: newEngineFactory(), surface: newFakeSurface()}
	opts := Options{
		NewEngine:  r.engines.New,
		NewSurface: func() media.Surface { return r.surface },
		MaxRetries: DefaultMaxRetries,
	}
	if configure != nil {
		configure(&opts)
	}
	r.player = NewPlayer(opts)
	t.Cleanup(r.player.Close)
	return r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSession_directPlays(t *testing.T) {
	r := newRig(t, nil)
	s := r.player.Open(movie, creds)
	if got := r.surface.nextSource(t); got != movie.URL {
		t.Fatalf("source = %q", got)
	}
	r.surface.emit(media.Event{Kind: media.EventCanPlay})
	st := waitState(t, s, Playing)
	if want := []State{Resolving, Loading, Playing}; !reflect.DeepEqual(st.History, want) {
		t.Errorf("history = %v, want %v", st.History, want)
	}
	if st.Adaptive || st.Proxied || r.engines.count() != 0 {
		t.Errorf("status = %+v, engines = %d", st, r.engines.count())
	}
	if !r.surface.isPlaying() {
		t.Error("surface not playing")
	}
	if u, ok := s.ExternalURL(); !ok || u != movie.URL {
		t.Errorf("ExternalURL = %q, %v", u, ok)
	}
}

func TestSession_adaptiveNetworkErrorRetriesThenPlays(t *testing.T) {
	r := newRig(t, nil)
	s := r.player.Open(live, creds)

	e1 := r.engines.next(t)
	if e1.source() != live.URL {
		t.Fatalf("first load = %q", e1.source())
	}
	e1.emit(netError())
	e2 := r.engines.next(t)
	if !e1.isDestroyed() {
		t.Error("first engine not destroyed before retry")
	}
	e2.emit(media.Event{Kind: media.EventManifestParsed})
	st := waitState(t, s, Playing)

	if st.Retries != 1 || st.Retries > st.MaxRetries {
		t.Errorf("retries = %d (max %d)", st.Retries, st.MaxRetries)
	}
	if st.History[0] != Resolving || st.History[1] != Loading || st.History[len(st.History)-1] != Playing {
		t.Errorf("history = %v", st.History)
	}
	if r.engines.overlapped {
		t.Error("two engines were alive at once")
	}
}

func TestSession_networkErrorSwitchesToRelayFirst(t *testing.T) {
	r := newRig(t, func(o *Options) { o.Policy = relayPolicy })
	s := r.player.Open(live, creds)

	r.engines.next(t).emit(netError())
	e2 := r.engines.next(t)
	wantRelay := relayPolicy.Wrap(live.URL)
	if e2.source() != wantRelay {
		t.Fatalf("second load = %q, want relay %q", e2.source(), wantRelay)
	}
	e2.emit(netError())
	e3 := r.engines.next(t)
	if e3.source() != wantRelay {
		t.Errorf("third load = %q, want relay again", e3.source())
	}
	e3.emit(media.Event{Kind: media.EventManifestParsed})
	st := waitState(t, s, Playing)
	if !st.Proxied || st.Retries != 2 {
		t.Errorf("status = %+v", st)
	}
	if u, _ := s.ExternalURL(); u != live.URL {
		t.Errorf("ExternalURL = %q, want the raw URL", u)
	}
}

func TestSession_retryBudgetExhausted(t *testing.T) {
	r := newRig(t, func(o *Options) { o.MaxRetries = 2 })
	s := r.player.Open(live, creds)
	for i := 0; i < 3; i++ {
		r.engines.next(t).emit(netError())
	}
	st := waitState(t, s, Errored)
	if st.Retries != 2 || r.engines.count() != 3 {
		t.Errorf("retries = %d, engines = %d", st.Retries, r.engines.count())
	}
	if !errors.Is(st.Err, catalog.ErrPlayback) || !errors.Is(st.Err, errNetDown) {
		t.Errorf("err = %v", st.Err)
	}
	if st.Kind != "playback" || st.Hint == "" {
		t.Errorf("kind = %q, hint = %q", st.Kind, st.Hint)
	}
	for i, e := range r.engines.all {
		if !e.isDestroyed() {
			t.Errorf("engine %d left alive", i)
		}
	}
}

func TestSession_zeroRetriesFailsFirstNetworkError(t *testing.T) {
	r := newRig(t, func(o *Options) { o.MaxRetries = 0; o.Policy = relayPolicy })
	s := r.player.Open(live, creds)
	r.engines.next(t).emit(netError())
	st := waitState(t, s, Errored)
	if r.engines.count() != 1 || st.Retries != 0 {
		t.Errorf("engines = %d, retries = %d", r.engines.count(), st.Retries)
	}
}

func TestSession_mediaErrorRecoversOnce(t *testing.T) {
	r := newRig(t, nil)
	s := r.player.Open(live, creds)
	e := r.engines.next(t)

	e.emit(media.Event{Kind: media.EventError, Fatal: true, Class: media.ClassMedia})
	select {
	case <-r.engines.recovered:
	case <-time.After(5 * time.Second):
		t.Fatal("RecoverMediaError not called")
	}
	e.emit(media.Event{Kind: media.EventManifestParsed})
	waitState(t, s, Playing)

	e.emit(media.Event{Kind: media.EventError, Fatal: true, Class: media.ClassMedia})
	st := waitState(t, s, Errored)
	if !errors.Is(st.Err, catalog.ErrPlayback) {
		t.Errorf("err = %v", st.Err)
	}
	if r.engines.count() != 1 {
		t.Errorf("media recovery created %d engines", r.engines.count())
	}
}

func TestSession_otherFatalErrorFails(t *testing.T) {
	r := newRig(t, func(o *Options) { o.Policy = relayPolicy })
	s := r.player.Open(live, creds)
	e := r.engines.next(t)
	e.emit(media.Event{Kind: media.EventError, Class: media.ClassNetwork, Err: errNetDown})
	e.emit(media.Event{Kind: media.EventError, Fatal: true, Class: media.ClassOther})
	st := waitState(t, s, Errored)
	if r.engines.count() != 1 || st.Retries != 0 {
		t.Errorf("engines = %d, retries = %d", r.engines.count(), st.Retries)
	}
}

func TestSession_directErrorRetriesThroughRelayOnce(t *testing.T) {
	r := newRig(t, func(o *Options) { o.Policy = relayPolicy })
	s := r.player.Open(movie, creds)
	if got := r.surface.nextSource(t); got != movie.URL {
		t.Fatalf("first source = %q", got)
	}
	r.surface.emit(media.Event{Kind: media.EventError, Fatal: true, Class: media.ClassMedia})
	if got, want := r.surface.nextSource(t), relayPolicy.Wrap(movie.URL); got != want {
		t.Fatalf("second source = %q, want %q", got, want)
	}
	r.surface.emit(media.Event{Kind: media.EventError, Fatal: true, Class: media.ClassMedia})
	st := waitState(t, s, Errored)
	if !st.Proxied || !errors.Is(st.Err, catalog.ErrPlayback) {
		t.Errorf("status = %+v", st)
	}
}

func TestSession_directErrorWithoutRelayFails(t *testing.T) {
	r := newRig(t, nil)
	s := r.player.Open(movie, creds)
	r.surface.nextSource(t)
	r.surface.emit(media.Event{Kind: media.EventError, Fatal: true, Class: media.ClassNetwork})
	st := waitState(t, s, Errored)
	if st.Proxied {
		t.Error("proxied without a relay")
	}
}

func TestSession_relayPolicy(t *testing.T) {
	tests := []struct {
		name       string
		pageSecure bool
		useProxy   bool
		url        string
		proxied    bool
	}{
		{"plain http on secure page", true, false, "http://example.com/movie/a/b/1.mp4", true},
		{"https on secure page", true, false, "https://example.com/movie/a/b/1.mp4", false},
		{"plain http, policy off", false, false, "http://example.com/movie/a/b/1.mp4", false},
		{"proxy flag", false, true, "https://example.com/movie/a/b/1.mp4", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := transport.NewPolicy("https://relay.example/?url={url}", tt.pageSecure)
			r := newRig(t, func(o *Options) { o.Policy = policy })
			c := creds
			c.UseProxy = tt.useProxy
			item := movie
			item.URL = tt.url
			s := r.player.Open(item, c)

			want := tt.url
			if tt.proxied {
				want = policy.Wrap(tt.url)
			}
			if got := r.surface.nextSource(t); got != want {
				t.Errorf("source = %q, want %q", got, want)
			}
			if st := s.Status(); st.Proxied != tt.proxied {
				t.Errorf("proxied = %v", st.Proxied)
			}
		})
	}
}

func TestSession_liveGroupIsAdaptiveWithoutManifestExtension(t *testing.T) {
	r := newRig(t, nil)
	item := live
	item.URL = "http://example.com/live/a/b/42.ts"
	s := r.player.Open(item, creds)
	e := r.engines.next(t)
	if e.source() != item.URL {
		t.Errorf("engine source = %q", e.source())
	}
	if !s.Status().Adaptive {
		t.Error("live item not adaptive")
	}
}

func TestSession_liveProgressiveSourceSwitchesToDirect(t *testing.T) {
	r := newRig(t, func(o *Options) { o.Policy = relayPolicy })
	item := live
	item.URL = "http://example.com/live/a/b/42.ts"
	s := r.player.Open(item, creds)

	e := r.engines.next(t)
	e.emit(media.Event{Kind: media.EventError, Fatal: true, Class: media.ClassProgressive, Err: errors.New("source is a progressive mpegts file")})
	if got := r.surface.nextSource(t); got != item.URL {
		t.Fatalf("surface source = %q, want the same URL", got)
	}
	if !e.isDestroyed() {
		t.Error("engine not destroyed before the direct attempt")
	}
	r.surface.emit(media.Event{Kind: media.EventCanPlay})
	st := waitState(t, s, Playing)
	if st.Adaptive || st.Proxied || st.Retries != 0 {
		t.Errorf("status = %+v", st)
	}
	if r.engines.count() != 1 {
		t.Errorf("engines = %d, want 1", r.engines.count())
	}
}

func TestSession_reloadWhilePausedStaysPaused(t *testing.T) {
	r := newRig(t, nil)
	s := r.player.Open(live, creds)
	e1 := r.engines.next(t)
	e1.emit(media.Event{Kind: media.EventManifestParsed})
	waitState(t, s, Playing)
	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}

	e1.emit(netError())
	e2 := r.engines.next(t)
	e2.emit(media.Event{Kind: media.EventManifestParsed})
	eventually(t, "second manifest handled", func() bool {
		h := s.Status().History
		return len(h) >= 2 && h[len(h)-2] == Loading && h[len(h)-1] == Paused
	})
	if r.surface.isPlaying() {
		t.Error("reload resumed playback the user paused")
	}
	if st := s.Status(); st.State != Paused || st.Retries != 1 {
		t.Errorf("status = %s, retries %d", st.State, st.Retries)
	}
	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	if s.Status().State != Playing || !r.surface.isPlaying() {
		t.Errorf("after Resume: %s", s.Status().State)
	}
}

func TestSession_seriesSentinelResolves(t *testing.T) {
	res := &stubResolver{url: "http://example.com/series/a/b/100.mkv"}
	r := newRig(t, func(o *Options) { o.Resolver = res })
	s := r.player.Open(show, creds)
	if got := r.surface.nextSource(t); got != res.url {
		t.Fatalf("source = %q", got)
	}
	r.surface.emit(media.Event{Kind: media.EventCanPlay})
	st := waitState(t, s, Playing)
	if st.Adaptive {
		t.Error("mkv episode should play directly")
	}
	if u, _ := s.ExternalURL(); u != res.url {
		t.Errorf("ExternalURL = %q", u)
	}
}

func TestSession_resolutionFailures(t *testing.T) {
	notFound := catalog.Errorf(catalog.ErrNotFound, "get_series_info", "no episode data")
	tests := []struct {
		name  string
		creds catalog.Credentials
		res   *stubResolver
		also  error
	}{
		{"missing credentials", catalog.Credentials{}, &stubResolver{url: "http://x/series/a/b/1.mp4"}, nil},
		{"resolver error", creds, &stubResolver{err: notFound}, catalog.ErrNotFound},
		{"no resolver", creds, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, func(o *Options) {
				if tt.res != nil {
					o.Resolver = tt.res
				}
			})
			s := r.player.Open(show, tt.creds)
			st := waitState(t, s, Errored)
			if !errors.Is(st.Err, catalog.ErrResolution) {
				t.Errorf("err = %v, want ErrResolution", st.Err)
			}
			if tt.also != nil && !errors.Is(st.Err, tt.also) {
				t.Errorf("err = %v, want it to wrap %v", st.Err, tt.also)
			}
			if want := []State{Resolving, Errored}; !reflect.DeepEqual(st.History, want) {
				t.Errorf("history = %v", st.History)
			}
			if _, ok := s.ExternalURL(); ok {
				t.Error("ExternalURL available without a resolved URL")
			}
		})
	}
}

func TestSession_nonHTTPItemURLFails(t *testing.T) {
	r := newRig(t, nil)
	item := movie
	item.URL = "file:///etc/passwd"
	st := waitState(t, r.player.Open(item, creds), Errored)
	if !errors.Is(st.Err, catalog.ErrResolution) {
		t.Errorf("err = %v", st.Err)
	}
}

func TestSession_closeDuringResolving(t *testing.T) {
	res := &stubResolver{url: "http://example.com/series/a/b/1.mp4", block: make(chan struct{})}
	r := newRig(t, func(o *Options) { o.Resolver = res })
	s := r.player.Open(show, creds)
	s.Close()

	st := s.Status()
	if st.State != Closed {
		t.Fatalf("state after Close = %s", st.State)
	}
	close(res.block)
	time.Sleep(50 * time.Millisecond)
	if st := s.Status(); st.State != Closed || len(r.surface.sources) != 0 {
		t.Errorf("session moved after Close: %s, sources %d", st.State, len(r.surface.sources))
	}
}

func TestSession_closeReleasesEngineAndDropsLateEvents(t *testing.T) {
	r := newRig(t, nil)
	s := r.player.Open(live, creds)
	e := r.engines.next(t)
	e.emit(media.Event{Kind: media.EventManifestParsed})
	waitState(t, s, Playing)

	s.Close()
	if !e.isDestroyed() {
		t.Error("engine not destroyed by Close")
	}
	if s.Status().State != Closed {
		t.Errorf("state = %s", s.Status().State)
	}
	e.emit(netError())
	time.Sleep(50 * time.Millisecond)
	if st := s.Status(); st.State != Closed || r.engines.count() != 1 {
		t.Errorf("late event acted on: %s, engines %d", st.State, r.engines.count())
	}
	s.Close()
}

func TestSession_staleAttemptEventsDropped(t *testing.T) {
	r := newRig(t, nil)
	s := r.player.Open(live, creds)
	e1 := r.engines.next(t)
	e1.emit(netError())
	e2 := r.engines.next(t)

	e1.emit(netError())
	e2.emit(media.Event{Kind: media.EventManifestParsed})
	st := waitState(t, s, Playing)
	if r.engines.count() != 2 || st.Retries != 1 {
		t.Errorf("stale event handled: engines = %d, retries = %d", r.engines.count(), st.Retries)
	}
}

func TestSession_pauseResume(t *testing.T) {
	r := newRig(t, nil)
	s := r.player.Open(movie, creds)
	r.surface.nextSource(t)
	if err := s.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Pause while loading = %v", err)
	}
	r.surface.emit(media.Event{Kind: media.EventCanPlay})
	waitState(t, s, Playing)

	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if s.Status().State != Paused || r.surface.isPlaying() {
		t.Errorf("after Pause: %s, playing %v", s.Status().State, r.surface.isPlaying())
	}
	if err := s.Pause(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Pause = %v", err)
	}
	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	if s.Status().State != Playing || !r.surface.isPlaying() {
		t.Errorf("after Resume: %s", s.Status().State)
	}
	s.Close()
	if err := s.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume after Close = %v", err)
	}
}

func TestSession_autoplayRefusedStartsPaused(t *testing.T) {
	r := newRig(t, nil)
	r.surface.playErr = errors.New("autoplay blocked")
	s := r.player.Open(movie, creds)
	r.surface.nextSource(t)
	r.surface.emit(media.Event{Kind: media.EventCanPlay})
	waitState(t, s, Paused)

	r.surface.mu.Lock()
	r.surface.playErr = nil
	r.surface.mu.Unlock()
	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	if s.Status().State != Playing {
		t.Errorf("state = %s", s.Status().State)
	}
}

func TestSession_endedIsRecorded(t *testing.T) {
	r := newRig(t, nil)
	s := r.player.Open(movie, creds)
	r.surface.nextSource(t)
	r.surface.emit(media.Event{Kind: media.EventCanPlay})
	waitState(t, s, Playing)
	r.surface.emit(media.Event{Kind: media.EventEnded})
	eventually(t, "ended flag", func() bool { return s.Status().Ended })
	if s.Status().State != Playing {
		t.Errorf("Ended changed state to %s", s.Status().State)
	}
}

func TestPlayer_openClosesPrevious(t *testing.T) {
	r := newRig(t, nil)
	s1 := r.player.Open(live, creds)
	e1 := r.engines.next(t)
	s2 := r.player.Open(movie, creds)
	if s1.Status().State != Closed || !e1.isDestroyed() {
		t.Errorf("previous session: %s, engine destroyed %v", s1.Status().State, e1.isDestroyed())
	}
	if r.player.Current() != s2 || s1.ID() == s2.ID() {
		t.Error("current session not replaced")
	}
	r.player.Close()
	if s2.Status().State != Closed || r.player.Current() != nil {
		t.Errorf("after Player.Close: %s", s2.Status().State)
	}
}

func TestPlayer_reopenStartsFresh(t *testing.T) {
	r := newRig(t, func(o *Options) { o.MaxRetries = 1 })
	s1 := r.player.Open(live, creds)
	r.engines.next(t).emit(netError())
	r.engines.next(t).emit(netError())
	if st := waitState(t, s1, Errored); st.Retries != 1 {
		t.Fatalf("retries = %d", st.Retries)
	}
	if u, ok := s1.ExternalURL(); !ok || u != live.URL {
		t.Errorf("ExternalURL after error = %q, %v", u, ok)
	}

	s2 := r.player.Reopen(s1)
	if s2.ID() == s1.ID() || s2.Status().Retries != 0 {
		t.Errorf("reopened session = %+v", s2.Status())
	}
	r.engines.next(t).emit(media.Event{Kind: media.EventManifestParsed})
	waitState(t, s2, Playing)
	if s1.Status().State != Errored {
		t.Errorf("old session state = %s", s1.Status().State)
	}
}
