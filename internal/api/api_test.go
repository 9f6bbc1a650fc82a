package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snapetech/iptvclient/internal/app"
	"github.com/snapetech/iptvclient/internal/config"
	"github.com/snapetech/iptvclient/internal/playback"
	"github.com/snapetech/iptvclient/internal/relay"
	"github.com/snapetech/iptvclient/internal/xtream/xtreamtest"
)

type rig struct {
	panel *xtreamtest.Panel
	app   *app.App
	srv   *httptest.Server
}

func newRig(t *testing.T) *rig {
	t.Helper()
	panel := xtreamtest.NewPanel()
	t.Cleanup(panel.Close)
	cfg := &config.Config{
		ProviderURL:     panel.URL,
		ProviderUser:    xtreamtest.User,
		ProviderPass:    xtreamtest.Pass,
		Store:           config.StoreFile,
		DataDir:         t.TempDir(),
		RequestTimeout:  5 * time.Second,
		FetchMode:       config.FetchSequential,
		LiveExt:         "m3u8",
		SeriesCacheTTL:  time.Minute,
		SeriesCacheSize: 16,
		MaxRetries:      1,
	}
	a, err := app.New(cfg, nil, app.Deps{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	a.Restore(context.Background())
	srv := httptest.NewServer(NewServer(a, "", relay.New(relay.Options{}), nil).Handler())
	t.Cleanup(srv.Close)
	return &rig{panel: panel, app: a, srv: srv}
}

func (r *rig) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, r.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (r *rig) refresh(t *testing.T) {
	t.Helper()
	if code := r.do(t, http.MethodPost, "/api/catalog/refresh", nil, nil); code != http.StatusOK {
		t.Fatalf("refresh status = %d", code)
	}
}

func (r *rig) waitState(t *testing.T, id string, want playback.State) playback.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var st playback.Status
		if code := r.do(t, http.MethodGet, "/api/sessions/"+id+"?wait=500ms", nil, &st); code != http.StatusOK {
			t.Fatalf("session status code = %d", code)
		}
		if st.State == want {
			return st
		}
		if st.State.Terminal() || time.Now().After(deadline) {
			t.Fatalf("state = %s (error %q), want %s", st.State, st.Error, want)
		}
	}
}

func TestHealthz(t *testing.T) {
	r := newRig(t)
	var body struct {
		Status string `json:"status"`
	}
	if code := r.do(t, http.MethodGet, "/healthz", nil, &body); code != http.StatusServiceUnavailable || body.Status != "no_catalog" {
		t.Errorf("before refresh: %d %q", code, body.Status)
	}
	r.refresh(t)
	if code := r.do(t, http.MethodGet, "/healthz", nil, &body); code != http.StatusOK || body.Status != "ok" {
		t.Errorf("after refresh: %d %q", code, body.Status)
	}
}

func TestCatalog(t *testing.T) {
	r := newRig(t)
	var empty catalogResponse
	if code := r.do(t, http.MethodGet, "/api/catalog", nil, &empty); code != http.StatusOK || empty.Items == nil || len(empty.Items) != 0 {
		t.Fatalf("empty catalog: %d %+v", code, empty)
	}
	r.refresh(t)

	tests := []struct {
		query string
		code  int
		items int
	}{
		{"", http.StatusOK, 3},
		{"?group=Live", http.StatusOK, 1},
		{"?group=movies", http.StatusOK, 1},
		{"?group=Series&category=20", http.StatusOK, 1},
		{"?category=nope", http.StatusOK, 0},
		{"?group=radio", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var got catalogResponse
			code := r.do(t, http.MethodGet, "/api/catalog"+tt.query, nil, &got)
			if code != tt.code {
				t.Fatalf("status = %d, want %d", code, tt.code)
			}
			if code == http.StatusOK && len(got.Items) != tt.items {
				t.Errorf("items = %d, want %d", len(got.Items), tt.items)
			}
		})
	}
}

func TestCatalogHidesMediaURLs(t *testing.T) {
	r := newRig(t)
	r.refresh(t)
	resp, err := http.Get(r.srv.URL + "/api/catalog")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(body), "/movie/a/b/") || strings.Contains(string(body), `"url"`) {
		t.Errorf("catalog leaks media URLs: %s", body)
	}
}

func TestRefreshAuthError(t *testing.T) {
	r := newRig(t)
	r.panel.Set("", `{"user_info":{"auth":0}}`)
	var e errorBody
	code := r.do(t, http.MethodPost, "/api/catalog/refresh", nil, &e)
	if code != http.StatusUnauthorized || e.Kind != "auth" || e.Hint == "" {
		t.Errorf("got %d %+v", code, e)
	}
}

func TestRefreshNetworkError(t *testing.T) {
	r := newRig(t)
	r.panel.Fail("", http.StatusServiceUnavailable)
	var e errorBody
	code := r.do(t, http.MethodPost, "/api/catalog/refresh", nil, &e)
	if code != http.StatusBadGateway || e.Kind != "network" {
		t.Errorf("got %d %+v", code, e)
	}
}

func TestCredentials(t *testing.T) {
	r := newRig(t)
	var view credentialsView
	if code := r.do(t, http.MethodGet, "/api/credentials", nil, &view); code != http.StatusOK || !view.Configured || view.User != "a" {
		t.Fatalf("get: %d %+v", code, view)
	}
	resp, err := http.Get(r.srv.URL + "/api/credentials")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(raw), "pass") {
		t.Errorf("password exposed: %s", raw)
	}

	tests := []struct {
		name string
		body any
		code int
		kind string
	}{
		{"missing fields", map[string]string{"host": r.panel.URL}, http.StatusBadRequest, "bad_request"},
		{"not json", "x", http.StatusBadRequest, "bad_request"},
		{"rejected", map[string]string{"host": r.panel.URL, "user": "a", "pass": "nope"}, http.StatusUnauthorized, "auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e errorBody
			if code := r.do(t, http.MethodPut, "/api/credentials", tt.body, &e); code != tt.code || e.Kind != tt.kind {
				t.Errorf("got %d %+v", code, e)
			}
		})
	}

	var acct struct {
		Username string `json:"username"`
	}
	body := map[string]any{"host": r.panel.URL, "user": "a", "pass": "b", "use_proxy": true}
	if code := r.do(t, http.MethodPut, "/api/credentials", body, &acct); code != http.StatusOK || acct.Username != "a" {
		t.Errorf("put: %d %+v", code, acct)
	}
	r.do(t, http.MethodGet, "/api/credentials", nil, &view)
	if !view.UseProxy {
		t.Error("use_proxy not applied")
	}
}

func TestSeries(t *testing.T) {
	r := newRig(t)
	var info struct {
		Name    string `json:"name"`
		Seasons []struct {
			Label    string `json:"label"`
			Episodes []struct {
				ID string `json:"id"`
			} `json:"episodes"`
		} `json:"seasons"`
	}
	if code := r.do(t, http.MethodGet, "/api/series/series_7", nil, &info); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if info.Name != "Show" || len(info.Seasons) != 1 || info.Seasons[0].Episodes[0].ID != "700" {
		t.Errorf("info = %+v", info)
	}

	r.app.Series.Forget()
	r.panel.Set("get_series_info", `{"episodes":{}}`)
	var e errorBody
	if code := r.do(t, http.MethodGet, "/api/series/7", nil, &e); code != http.StatusNotFound || e.Kind != "not_found" {
		t.Errorf("no episodes: %d %+v", code, e)
	}
}

func TestPlaybackSession(t *testing.T) {
	r := newRig(t)
	r.refresh(t)

	var st playback.Status
	if code := r.do(t, http.MethodPost, "/api/play/vod_100", nil, &st); code != http.StatusAccepted || st.ID == "" {
		t.Fatalf("play: %d %+v", code, st)
	}
	id := st.ID
	r.waitState(t, id, playback.Playing)

	if code := r.do(t, http.MethodPost, "/api/sessions/"+id+"/pause", nil, &st); code != http.StatusOK || st.State != playback.Paused {
		t.Errorf("pause: %d %s", code, st.State)
	}
	var e errorBody
	if code := r.do(t, http.MethodPost, "/api/sessions/"+id+"/pause", nil, &e); code != http.StatusConflict || e.Kind != "invalid_transition" {
		t.Errorf("second pause: %d %+v", code, e)
	}
	if code := r.do(t, http.MethodPost, "/api/sessions/"+id+"/resume", nil, &st); code != http.StatusOK || st.State != playback.Playing {
		t.Errorf("resume: %d %s", code, st.State)
	}

	var ext struct {
		URL string `json:"url"`
	}
	if code := r.do(t, http.MethodGet, "/api/sessions/"+id+"/external", nil, &ext); code != http.StatusOK || ext.URL != r.panel.URL+"/movie/a/b/100.mp4" {
		t.Errorf("external: %d %q", code, ext.URL)
	}

	var next playback.Status
	if code := r.do(t, http.MethodPost, "/api/sessions/"+id+"/retry", nil, &next); code != http.StatusAccepted || next.ID == id {
		t.Fatalf("retry: %d %+v", code, next)
	}
	// opening the retry closed the original
	r.waitState(t, id, playback.Closed)
	r.waitState(t, next.ID, playback.Playing)

	if code := r.do(t, http.MethodDelete, "/api/sessions/"+next.ID, nil, &st); code != http.StatusOK || st.State != playback.Closed {
		t.Errorf("delete: %d %s", code, st.State)
	}
	if code := r.do(t, http.MethodGet, "/api/sessions/nope", nil, &e); code != http.StatusNotFound {
		t.Errorf("unknown session: %d", code)
	}
}

func TestPlayEpisodeAndUnknownItem(t *testing.T) {
	r := newRig(t)
	r.refresh(t)

	var st playback.Status
	if code := r.do(t, http.MethodPost, "/api/play/series_7?episode=700", nil, &st); code != http.StatusAccepted {
		t.Fatalf("play episode: %d", code)
	}
	if st.ItemName != "Pilot" {
		t.Errorf("item name = %q", st.ItemName)
	}
	var e errorBody
	if code := r.do(t, http.MethodPost, "/api/play/vod_999", nil, &e); code != http.StatusNotFound || e.Kind != "not_found" {
		t.Errorf("unknown item: %d %+v", code, e)
	}
}

func TestPlaybackFailureIsNotARequestError(t *testing.T) {
	r := newRig(t)
	r.refresh(t)
	r.app.Series.Forget()
	r.panel.Set("get_series_info", `{"episodes":{"1":[]}}`)

	var st playback.Status
	if code := r.do(t, http.MethodPost, "/api/play/series_7", nil, &st); code != http.StatusAccepted {
		t.Fatalf("play: %d", code)
	}
	got := r.waitState(t, st.ID, playback.Errored)
	if got.Kind != "empty_series" || got.Hint == "" {
		t.Errorf("status = %+v", got)
	}
}

func TestLogout(t *testing.T) {
	r := newRig(t)
	r.refresh(t)
	var st playback.Status
	r.do(t, http.MethodPost, "/api/play/vod_100", nil, &st)

	for i := 0; i < 2; i++ {
		if code := r.do(t, http.MethodPost, "/api/logout", nil, nil); code != http.StatusNoContent {
			t.Fatalf("logout %d: %d", i, code)
		}
	}
	var cat catalogResponse
	r.do(t, http.MethodGet, "/api/catalog", nil, &cat)
	if len(cat.Items) != 0 {
		t.Errorf("items after logout = %d", len(cat.Items))
	}
	var e errorBody
	if code := r.do(t, http.MethodGet, "/api/sessions/"+st.ID, nil, &e); code != http.StatusNotFound {
		t.Errorf("session survived logout: %d", code)
	}
	if code := r.do(t, http.MethodPost, "/api/catalog/refresh", nil, &e); code != http.StatusUnauthorized {
		t.Errorf("refresh after logout: %d", code)
	}
}

func TestMountsRelayAndMetrics(t *testing.T) {
	r := newRig(t)
	req, _ := http.NewRequest(http.MethodOptions, r.srv.URL+"/relay", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("relay preflight = %d", resp.StatusCode)
	}

	resp, err = http.Get(r.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics = %d", resp.StatusCode)
	}

	var e errorBody
	if code := r.do(t, http.MethodGet, "/api/nope", nil, &e); code != http.StatusNotFound || e.Kind != "not_found" {
		t.Errorf("unknown endpoint: %d %+v", code, e)
	}
}
