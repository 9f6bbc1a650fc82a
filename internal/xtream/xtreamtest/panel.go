// Package xtreamtest runs a fake Xtream Codes panel for tests: player_api.php answers from
// canned bodies and media paths serve bytes the headless players accept.
package xtreamtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/snapetech/iptvclient/internal/catalog"
)

const (
	User = "a"
	Pass = "b"
)

// MP4Head is enough of an MP4 file for the progressive probe to accept it.
var MP4Head = []byte("\x00\x00\x00\x18ftypisom\x00\x00\x02\x00isomiso2")

// Panel is a fake provider. Bodies and Status may be changed between requests.
type Panel struct {
	*httptest.Server

	mu       sync.Mutex
	Bodies   map[string]string // by player_api action; "" is the auth call
	Status   map[string]int
	pass     string
	requests []string
}

// NewPanel starts a panel with one item per group. Series 7 has one episode, 700.mkv.
func NewPanel() *Panel {
	p := &Panel{
		Bodies: map[string]string{
			"":                      `{"user_info":{"username":"a","auth":1,"status":"Active","exp_date":"1893456000"},"server_info":{"url":"127.0.0.1","port":"80"}}`,
			"get_live_categories":   `[{"category_id":"1","category_name":"News"}]`,
			"get_vod_categories":    `[{"category_id":"10","category_name":"Action"}]`,
			"get_series_categories": `[{"category_id":"20","category_name":"Drama"}]`,
			"get_live_streams":      `[{"stream_id":42,"name":"News 24","category_id":"1"}]`,
			"get_vod_streams":       `[{"stream_id":100,"name":"Film","container_extension":"mp4","category_id":"10"}]`,
			"get_series":            `[{"series_id":7,"name":"Show","category_id":"20"}]`,
			"get_series_info":       `{"info":{"name":"Show"},"episodes":{"1":[{"id":"700","title":"Pilot","container_extension":"mkv","episode_num":1}]}}`,
		},
		Status: map[string]int{},
		pass:   Pass,
	}
	p.Server = httptest.NewServer(p)
	return p
}

// Credentials are the panel's valid account.
func (p *Panel) Credentials() catalog.Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return catalog.Credentials{Host: p.URL, User: User, Pass: p.pass}
}

// SetPassword changes the password the panel accepts for User.
func (p *Panel) SetPassword(pass string) {
	p.mu.Lock()
	p.pass = pass
	p.mu.Unlock()
}

// Requests lists the player_api actions served so far, in order.
func (p *Panel) Requests() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

// Set replaces the body of one action.
func (p *Panel) Set(action, body string) {
	p.mu.Lock()
	p.Bodies[action] = body
	p.mu.Unlock()
}

// Fail makes one action answer with an HTTP status.
func (p *Panel) Fail(action string, code int) {
	p.mu.Lock()
	p.Status[action] = code
	p.mu.Unlock()
}

func (p *Panel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/player_api.php":
		p.serveAPI(w, r)
	case strings.HasSuffix(r.URL.Path, ".m3u8"):
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10,\nseg0.ts\n"))
	case strings.HasSuffix(r.URL.Path, ".ts"):
		seg := make([]byte, 376)
		seg[0], seg[188] = 0x47, 0x47
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(seg)
	case strings.HasPrefix(r.URL.Path, "/movie/") || strings.HasPrefix(r.URL.Path, "/series/"):
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(MP4Head)
	default:
		http.NotFound(w, r)
	}
}

func (p *Panel) serveAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := q.Get("action")
	p.mu.Lock()
	p.requests = append(p.requests, action)
	body, ok := p.Bodies[action]
	code := p.Status[action]
	pass := p.pass
	p.mu.Unlock()
	if q.Get("username") != User || q.Get("password") != pass {
		w.Write([]byte(`{"user_info":{"auth":0}}`))
		return
	}
	if code != 0 {
		w.WriteHeader(code)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}
