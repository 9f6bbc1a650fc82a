// Package hls is a headless adaptive streaming engine: it fetches a manifest, picks a
// rendition, loads its media playlist and checks the first segment looks like media before
// reporting the manifest parsed. It implements media.AdaptiveEngine.
package hls

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/grafov/m3u8"

	"github.com/snapetech/iptvclient/internal/httpclient"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/media"
	"github.com/snapetech/iptvclient/internal/probe"
)

const (
	maxPlaylistBytes = 4 << 20
	segmentSniff     = 4096
)

// Options configure an Engine.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration // per load attempt; 0 means 15s
	Logger     *log.Logger
}

// Engine is one adaptive engine instance. Destroy it before creating the next one for the
// same surface.
type Engine struct {
	client  *http.Client
	timeout time.Duration
	log     *log.Logger

	mu        sync.Mutex
	surface   media.Surface
	sink      media.Sink
	src       string
	level     int
	variants  int
	cancel    context.CancelFunc
	gen       uint64
	destroyed bool
}

// New returns an Engine.
func New(opts Options) *Engine {
	e := &Engine{client: opts.HTTPClient, timeout: opts.Timeout, log: logging.OrDiscard(opts.Logger)}
	if e.client == nil {
		e.client = httpclient.WithTimeout(0)
	}
	if e.timeout <= 0 {
		e.timeout = 15 * time.Second
	}
	return e
}

func (e *Engine) Attach(s media.Surface, sink media.Sink) {
	e.mu.Lock()
	e.surface = s
	e.sink = sink
	e.mu.Unlock()
}

func (e *Engine) LoadSource(ctx context.Context, src string) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.src = src
	e.level = 0
	e.mu.Unlock()
	e.start(ctx)
}

// RecoverMediaError reloads the source one rendition lower when there is one, otherwise at
// the same rendition.
func (e *Engine) RecoverMediaError() {
	e.mu.Lock()
	if e.destroyed || e.src == "" {
		e.mu.Unlock()
		return
	}
	if e.level+1 < e.variants {
		e.level++
	}
	e.mu.Unlock()
	e.start(context.Background())
}

func (e *Engine) Destroy() {
	e.mu.Lock()
	e.destroyed = true
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.sink = nil
	e.surface = nil
	e.mu.Unlock()
}

// Level is the index of the selected rendition, 0 being the highest bandwidth.
func (e *Engine) Level() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}

func (e *Engine) start(parent context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	gen, src, level := e.gen, e.src, e.level
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	e.cancel = cancel
	e.mu.Unlock()

	go func() {
		defer cancel()
		variants, err := e.load(ctx, src, level)
		ev := media.Event{Kind: media.EventManifestParsed}
		if err != nil {
			ev = media.Event{Kind: media.EventError, Fatal: true, Class: classify(err), Err: err}
		}
		e.mu.Lock()
		if gen != e.gen || e.destroyed {
			e.mu.Unlock()
			return
		}
		if variants > 0 {
			e.variants = variants
		}
		sink := e.sink
		e.mu.Unlock()
		if err != nil {
			e.log.Debug("hls load failed", "class", ev.Class, "err", err)
		}
		if sink != nil {
			sink(ev)
		}
	}()
}

// Failure causes, mapped onto media.ErrorClass by classify.
type (
	networkError     struct{ err error }
	mediaError       struct{ msg string }
	manifestError    struct{ err error }
	progressiveError struct{ container probe.Container }
)

func (e *networkError) Error() string { return e.err.Error() }
func (e *networkError) Unwrap() error { return e.err }
func (e *mediaError) Error() string { return e.msg }
func (e *manifestError) Error() string { return "manifest: " + e.err.Error() }
func (e *manifestError) Unwrap() error { return e.err }
func (e *progressiveError) Error() string {
	return fmt.Sprintf("source is a progressive %s file, not a manifest", e.container)
}

// classify maps a load failure onto an event class. A manifest that does not parse is a
// network-class failure, so the session retries it and may switch to the relay.
func classify(err error) media.ErrorClass {
	var ne *networkError
	var me *mediaError
	var mfe *manifestError
	var pe *progressiveError
	switch {
	case errors.As(err, &pe):
		return media.ClassProgressive
	case errors.As(err, &ne), errors.As(err, &mfe):
		return media.ClassNetwork
	case errors.As(err, &me):
		return media.ClassMedia
	}
	return media.ClassOther
}

// load runs one attempt and returns the number of renditions in the master playlist.
func (e *Engine) load(ctx context.Context, src string, level int) (int, error) {
	body, err := e.fetchManifest(ctx, src)
	if err != nil {
		return 0, err
	}
	pl, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), true)
	if err != nil {
		return 0, &manifestError{err: err}
	}

	mediaURL := src
	variants := 0
	var mediaPl *m3u8.MediaPlaylist
	switch listType {
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		ranked := rankVariants(master.Variants)
		if len(ranked) == 0 {
			return 0, &manifestError{err: errors.New("master playlist has no variants")}
		}
		variants = len(ranked)
		if level >= len(ranked) {
			level = len(ranked) - 1
		}
		v := ranked[level]
		mediaURL, err = resolve(src, v.URI)
		if err != nil {
			return variants, &manifestError{err: err}
		}
		e.log.Debug("hls variant selected", "level", level, "bandwidth", v.Bandwidth, "resolution", v.Resolution)
		body, err := e.fetch(ctx, mediaURL, maxPlaylistBytes, false)
		if err != nil {
			return variants, err
		}
		pl, listType, err = m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), true)
		if err != nil {
			return variants, &manifestError{err: err}
		}
		if listType != m3u8.MEDIA {
			return variants, &manifestError{err: errors.New("variant is not a media playlist")}
		}
		mediaPl = pl.(*m3u8.MediaPlaylist)
	case m3u8.MEDIA:
		mediaPl = pl.(*m3u8.MediaPlaylist)
	default:
		return 0, &manifestError{err: errors.New("unknown playlist type")}
	}

	seg := firstSegment(mediaPl)
	if seg == nil {
		return variants, &mediaError{msg: "playlist has no segments"}
	}
	segURL, err := resolve(mediaURL, seg.URI)
	if err != nil {
		return variants, &manifestError{err: err}
	}
	head, err := e.fetch(ctx, segURL, segmentSniff, true)
	if err != nil {
		return variants, err
	}
	switch probe.Sniff(head, "") {
	case probe.ContainerMPEGTS, probe.ContainerMP4:
		return variants, nil
	}
	// Encrypted segments cannot be sniffed; trust the playlist.
	if mediaPl.Key != nil && mediaPl.Key.Method != "" && mediaPl.Key.Method != "NONE" {
		return variants, nil
	}
	return variants, &mediaError{msg: "first segment is not MPEG-TS or fragmented MP4"}
}

func rankVariants(in []*m3u8.Variant) []*m3u8.Variant {
	out := make([]*m3u8.Variant, 0, len(in))
	for _, v := range in {
		if v == nil || v.Iframe || v.URI == "" {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bandwidth > out[j].Bandwidth })
	return out
}

func firstSegment(p *m3u8.MediaPlaylist) *m3u8.MediaSegment {
	for _, s := range p.Segments {
		if s == nil {
			break
		}
		if s.URI != "" {
			return s
		}
	}
	return nil
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// fetch GETs target and returns at most limit bytes. Transport failures and HTTP error
// statuses are network errors.
func (e *Engine) get(ctx context.Context, target string, rangeLimit int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &manifestError{err: err}
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	if rangeLimit > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", rangeLimit-1))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &networkError{err: unwrapURLError(err)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &networkError{err: &httpclient.StatusError{URL: logging.RedactURL(target), Code: resp.StatusCode, Status: resp.Status}}
	}
	return resp, nil
}

func (e *Engine) fetch(ctx context.Context, target string, limit int64, ranged bool) ([]byte, error) {
	rangeLimit := int64(0)
	if ranged {
		rangeLimit = limit
	}
	resp, err := e.get(ctx, target, rangeLimit)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil && len(body) == 0 {
		return nil, &networkError{err: err}
	}
	return body, nil
}

// fetchManifest reads the top-level playlist. When its first bytes are a media container
// the read stops there with a progressiveError, so an endless live TS body is not buffered.
func (e *Engine) fetchManifest(ctx context.Context, target string) ([]byte, error) {
	resp, err := e.get(ctx, target, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	head := make([]byte, segmentSniff)
	n, err := io.ReadFull(resp.Body, head)
	head = head[:n]
	if n == 0 && err != nil && !errors.Is(err, io.EOF) {
		return nil, &networkError{err: err}
	}
	switch c := probe.Sniff(head, resp.Header.Get("Content-Type")); c {
	case probe.ContainerNone, probe.ContainerPlaylist:
	default:
		return nil, &progressiveError{container: c}
	}
	if err != nil {
		// the whole body fit in head
		return head, nil
	}
	rest, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes-int64(n)))
	if err != nil && len(rest) == 0 {
		return nil, &networkError{err: err}
	}
	return append(head, rest...), nil
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
