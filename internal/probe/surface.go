// Package probe classifies stream URLs and provides a headless media element that checks a
// progressive source is reachable and decodable-looking before reporting it playable.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/snapetech/iptvclient/internal/httpclient"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/media"
)

const sniffBytes = 1024

// Surface is a media.Surface without a screen. SetSource issues a ranged GET and sniffs the
// container; Play and Pause only track state.
type Surface struct {
	client  *http.Client
	timeout time.Duration
	log     *log.Logger

	mu        sync.Mutex
	sink      media.Sink
	src       string
	container Container
	playing   bool
	cancel    context.CancelFunc
	gen       uint64
}

// NewSurface returns a Surface. timeout bounds each probe; 0 means 15s.
func NewSurface(client *http.Client, timeout time.Duration, logger *log.Logger) *Surface {
	if client == nil {
		client = httpclient.WithTimeout(0)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Surface{client: client, timeout: timeout, log: logging.OrDiscard(logger)}
}

func (s *Surface) Bind(sink media.Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Surface) SetSource(ctx context.Context, url string) {
	s.mu.Lock()
	s.stopLocked()
	s.src = url
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		c, err := s.probe(ctx, url)
		ev := media.Event{Kind: media.EventCanPlay}
		if err != nil {
			ev = media.Event{Kind: media.EventError, Fatal: true, Class: classOf(err), Err: err}
		}
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		if err == nil {
			s.container = c
		}
		sink := s.sink
		s.mu.Unlock()
		if sink != nil {
			sink(ev)
		}
	}()
}

// probeError marks a reachable source whose payload is not media.
type probeError struct{ msg string }

func (e *probeError) Error() string { return e.msg }

func classOf(err error) media.ErrorClass {
	var pe *probeError
	if errors.As(err, &pe) {
		return media.ClassMedia
	}
	return media.ClassNetwork
}

func (s *Surface) probe(ctx context.Context, url string) (Container, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ContainerNone, &probeError{msg: "invalid source URL"}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", sniffBytes-1))
	req.Header.Set("User-Agent", httpclient.UserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return ContainerNone, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return ContainerNone, &httpclient.StatusError{URL: logging.RedactURL(url), Code: resp.StatusCode, Status: resp.Status}
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, sniffBytes))
	if err != nil && len(head) == 0 {
		return ContainerNone, err
	}
	c := Sniff(head, resp.Header.Get("Content-Type"))
	switch c {
	case ContainerNone:
		return c, &probeError{msg: "source is not a recognised video format"}
	case ContainerPlaylist:
		return c, &probeError{msg: "source is a playlist, not a progressive file"}
	}
	s.log.Debug("source probed", "container", c, "url", logging.RedactURL(url))
	return c, nil
}

// Container is what the last successful probe recognised.
func (s *Surface) Container() Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.container
}

func (s *Surface) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
	return nil
}

func (s *Surface) Pause() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

// Playing reports whether Play was called since the last Pause or Reset.
func (s *Surface) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Surface) Reset() {
	s.mu.Lock()
	s.stopLocked()
	s.gen++
	s.src = ""
	s.container = ContainerNone
	s.playing = false
	s.mu.Unlock()
}

func (s *Surface) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
