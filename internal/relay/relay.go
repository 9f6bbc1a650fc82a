// Package relay is a small cross-origin relay: it fetches an http(s) target on behalf of a
// browser page and echoes the response with permissive CORS headers. HLS playlists are
// rewritten so that every segment, key and variant is fetched through the relay as well.
//
// Targets are passed as ?url=<escaped target>. A bare escaped query (?<escaped target>)
// is accepted too, which matches the public relay template form.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/net/http/httpguts"

	"github.com/snapetech/iptvclient/internal/httpclient"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/metrics"
	"github.com/snapetech/iptvclient/internal/safeurl"
)

// maxPlaylistBytes bounds how much of a playlist is buffered for rewriting.
const maxPlaylistBytes = 8 << 20

// forwardedRequestHeaders are the client headers passed upstream.
var forwardedRequestHeaders = []string{
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
	"Accept",
	"User-Agent",
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Set-Cookie":          true,
}

const exposeHeaders = "Content-Length, Content-Range, Content-Type, Accept-Ranges, ETag, Last-Modified"

type Options struct {
	// HTTPClient fetches upstream. Nil uses a client with no overall timeout; media bodies
	// stream for as long as the player reads.
	HTTPClient *http.Client
	// Rate is requests per second allowed per client address; zero or less is unlimited.
	Rate  float64
	Burst int
	// HostConcurrency caps concurrent upstream requests per host.
	HostConcurrency int
	// AllowPrivate also forwards to loopback, private and link-local addresses. Off, such
	// targets get 403 and the upstream client refuses to dial them after DNS resolution.
	AllowPrivate bool
	Logger       *log.Logger
}

// Handler serves relay requests.
type Handler struct {
	client  *http.Client
	limits  *clientLimiters
	hostSem *httpclient.HostSemaphore
	private bool
	log     *log.Logger
}

func New(opts Options) *Handler {
	client := opts.HTTPClient
	if client == nil {
		client = httpclient.WithTimeout(0)
	}
	if !opts.AllowPrivate {
		client = httpclient.Guarded(client)
	}
	hc := opts.HostConcurrency
	if hc <= 0 {
		hc = 4
	}
	return &Handler{
		client:  client,
		limits:  newClientLimiters(opts.Rate, opts.Burst),
		hostSem: httpclient.NewHostSemaphore(hc),
		private: opts.AllowPrivate,
		log:     logging.OrDiscard(opts.Logger).With("component", "relay"),
	}
}

// Target extracts the upstream URL from a relay request.
func Target(r *http.Request) (string, bool) {
	q := r.URL.Query()
	target := q.Get("url")
	if target == "" && r.URL.RawQuery != "" && !strings.Contains(r.URL.RawQuery, "=") {
		if t, err := url.QueryUnescape(r.URL.RawQuery); err == nil {
			target = t
		}
	}
	target = strings.TrimSpace(target)
	if !safeurl.IsHTTPOrHTTPS(target) {
		return "", false
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", false
	}
	return target, true
}

// permitted rejects targets naming a local host outright; hostnames that resolve to one
// are stopped when the guarded client dials.
func (h *Handler) permitted(target string) bool {
	if h.private {
		return true
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return !safeurl.IsDisallowedIP(ip)
	}
	return true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Range, If-Range, If-None-Match, If-Modified-Since, Accept")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		metrics.RelayRequests.WithLabelValues("rejected").Inc()
		return
	}

	target, ok := Target(r)
	if !ok {
		http.Error(w, "url parameter must be an http or https URL", http.StatusBadRequest)
		metrics.RelayRequests.WithLabelValues("rejected").Inc()
		return
	}
	if !h.permitted(target) {
		http.Error(w, "target address is not allowed", http.StatusForbidden)
		metrics.RelayRequests.WithLabelValues("rejected").Inc()
		return
	}
	if !h.limits.allow(clientIP(r)) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		metrics.RelayRequests.WithLabelValues("limited").Inc()
		return
	}

	release, err := h.hostSem.Acquire(r.Context(), target)
	if err != nil {
		// client went away while queued
		metrics.RelayRequests.WithLabelValues("error").Inc()
		return
	}
	defer release()

	resp, err := h.forward(r.Context(), r, target)
	if errors.Is(err, httpclient.ErrDisallowedAddress) {
		http.Error(w, "target address is not allowed", http.StatusForbidden)
		metrics.RelayRequests.WithLabelValues("rejected").Inc()
		return
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			h.log.Warn("upstream failed", "target", logging.RedactURL(target), "err", err)
		}
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		metrics.RelayRequests.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	metrics.RelayRequests.WithLabelValues(statusClass(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusOK && isPlaylist(resp, target) {
		h.servePlaylist(w, r, resp, target)
		return
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	n, err := io.Copy(w, resp.Body)
	metrics.RelayBytes.Add(float64(n))
	if err != nil && r.Context().Err() == nil {
		h.log.Debug("copy interrupted", "target", logging.RedactURL(target), "bytes", n, "err", err)
	}
}

func (h *Handler) forward(ctx context.Context, r *http.Request, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, target, nil)
	if err != nil {
		return nil, err
	}
	for _, name := range forwardedRequestHeaders {
		v := r.Header.Get(name)
		if v == "" || !httpguts.ValidHeaderFieldValue(v) {
			continue
		}
		req.Header.Set(name, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", httpclient.UserAgent)
	}
	return h.client.Do(req)
}

func (h *Handler) servePlaylist(w http.ResponseWriter, r *http.Request, resp *http.Response, target string) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		http.Error(w, "upstream read failed", http.StatusBadGateway)
		return
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	base := target
	if resp.Request != nil && resp.Request.URL != nil {
		// after redirects, relative URIs resolve against the final location
		base = resp.Request.URL.String()
	}
	rewritten := rewritePlaylist(body, base, func(abs string) string {
		return path + "?url=" + url.QueryEscape(abs)
	})
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Del("Content-Range")
	w.Header().Del("Accept-Ranges")
	w.Header().Del("ETag")
	n, err := writeBody(w, r, http.StatusOK, rewritten)
	metrics.RelayBytes.Add(float64(n))
	if err != nil && r.Context().Err() == nil {
		h.log.Debug("playlist write failed", "target", logging.RedactURL(target), "err", err)
	}
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", exposeHeaders)
}

// copyResponseHeaders copies end-to-end headers, dropping hop-by-hop ones, any named in
// Connection, and cookies. CORS headers set by the relay win over upstream ones.
func copyResponseHeaders(dst, src http.Header) {
	conn := src["Connection"]
	for name, values := range src {
		canon := http.CanonicalHeaderKey(name)
		if hopHeaders[canon] || !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		if strings.HasPrefix(canon, "Access-Control-") {
			continue
		}
		if len(conn) > 0 && httpguts.HeaderValuesContainsToken(conn, name) {
			continue
		}
		for _, v := range values {
			if httpguts.ValidHeaderFieldValue(v) {
				dst.Add(canon, v)
			}
		}
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}
