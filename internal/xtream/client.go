// Package xtream talks to Xtream Codes style panels (player_api.php): authentication,
// category and stream listings, and series info, normalized into catalog records.
package xtream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/ratelimit"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/httpclient"
	"github.com/snapetech/iptvclient/internal/logging"
	"github.com/snapetech/iptvclient/internal/metrics"
	"github.com/snapetech/iptvclient/internal/transport"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultConcurrency = 3
	defaultLiveExt     = "m3u8"
)

// Options configure a Client. Zero values get sensible defaults.
type Options struct {
	HTTPClient  *http.Client
	Timeout     time.Duration // per call, including retries
	Parallel    bool          // issue listing calls concurrently instead of one after another
	Concurrency int           // parallel mode only
	RateLimit   int           // calls per second; 0 = unlimited
	LiveExt     string        // "m3u8" or "ts"
	Policy      transport.Policy
	Filters     Filters
	Retry       httpclient.RetryPolicy
	Logger      *log.Logger
}

// Client is the catalog fetcher. Safe for concurrent use.
type Client struct {
	http        *http.Client
	timeout     time.Duration
	parallel    bool
	concurrency int
	limiter     ratelimit.Limiter
	liveExt     string
	policy      transport.Policy
	filters     Filters
	retry       httpclient.RetryPolicy
	log         *log.Logger
}

// New returns a Client for opts.
func New(opts Options) *Client {
	c := &Client{
		http:        opts.HTTPClient,
		timeout:     opts.Timeout,
		parallel:    opts.Parallel,
		concurrency: opts.Concurrency,
		liveExt:     strings.TrimPrefix(strings.ToLower(opts.LiveExt), "."),
		policy:      opts.Policy,
		filters:     opts.Filters,
		retry:       opts.Retry,
		log:         logging.OrDiscard(opts.Logger),
	}
	if c.http == nil {
		c.http = httpclient.Default()
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	if c.liveExt == "" {
		c.liveExt = defaultLiveExt
	}
	if c.retry.Attempts == 0 {
		c.retry = httpclient.DefaultRetryPolicy
	}
	if opts.RateLimit > 0 {
		c.limiter = ratelimit.New(opts.RateLimit)
	} else {
		c.limiter = ratelimit.NewUnlimited()
	}
	return c
}

// Policy is the relay policy the client applies to API calls.
func (c *Client) Policy() transport.Policy {
	return c.policy
}

// Account is the subset of the auth response worth showing to a user.
type Account struct {
	Username          string `json:"username"`
	Status            string `json:"status,omitempty"`
	ExpiresAt         string `json:"expires_at,omitempty"`
	MaxConnections    int    `json:"max_connections,omitempty"`
	ActiveConnections int    `json:"active_connections,omitempty"`
	ServerURL         string `json:"server_url,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
}

// Authenticate performs the player_api auth call. Any failure here is fatal for a fetch:
// ErrAuth for rejected or expired accounts, ErrNetwork for unreachable providers,
// ErrFormat for responses that are not JSON.
func (c *Client) Authenticate(ctx context.Context, creds catalog.Credentials) (Account, error) {
	const op = "auth"
	if !creds.Valid() {
		return Account{}, catalog.Errorf(catalog.ErrAuth, op, "host, username and password are required")
	}
	body, err := c.get(ctx, creds, "", nil)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(op, "failed").Inc()
		return Account{}, err
	}
	acct, err := parseAuth(body)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(op, "failed").Inc()
		return Account{}, err
	}
	metrics.ProviderRequests.WithLabelValues(op, "ok").Inc()
	return acct, nil
}

func parseAuth(body []byte) (Account, error) {
	const op = "auth"
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return Account{}, catalog.Errorf(catalog.ErrFormat, op, "response is not JSON")
	}
	if firstByte(trimmed) != '{' {
		return Account{}, catalog.Errorf(catalog.ErrAuth, op, "no user_info in response")
	}
	var auth wireAuth
	if err := json.Unmarshal(trimmed, &auth); err != nil {
		return Account{}, catalog.E(catalog.ErrFormat, op, err)
	}
	if auth.UserInfo == nil {
		return Account{}, catalog.Errorf(catalog.ErrAuth, op, "no user_info in response")
	}
	ui := auth.UserInfo
	if a := str(ui.Auth); a == "0" {
		return Account{}, catalog.Errorf(catalog.ErrAuth, op, "credentials rejected")
	}
	status := str(ui.Status)
	switch strings.ToLower(status) {
	case "expired", "banned", "disabled":
		return Account{}, catalog.Errorf(catalog.ErrAuth, op, "account %s", strings.ToLower(status))
	}
	acct := Account{
		Username:          str(ui.Username),
		Status:            status,
		MaxConnections:    num(ui.MaxConnections),
		ActiveConnections: num(ui.ActiveCons),
	}
	if exp := num(ui.ExpDate); exp > 0 {
		acct.ExpiresAt = time.Unix(int64(exp), 0).UTC().Format(time.RFC3339)
	}
	if si := auth.ServerInfo; si != nil && si.URL != "" {
		scheme := si.ServerProtocol
		if scheme == "" {
			scheme = "http"
		}
		acct.ServerURL = scheme + "://" + si.URL
		if port := str(si.Port); port != "" {
			acct.ServerURL += ":" + port
		}
		acct.Timezone = si.Timezone
	}
	return acct, nil
}

// listing is one secondary call of a catalog fetch.
type listing struct {
	action     string
	group      catalog.Group
	categories bool
}

var listings = []listing{
	{"get_live_categories", catalog.GroupLive, true},
	{"get_vod_categories", catalog.GroupMovie, true},
	{"get_series_categories", catalog.GroupSeries, true},
	{"get_live_streams", catalog.GroupLive, false},
	{"get_vod_streams", catalog.GroupMovie, false},
	{"get_series", catalog.GroupSeries, false},
}

// FetchCatalog authenticates and then retrieves categories and listings for all groups.
// Authentication failure aborts the fetch; every other call that fails degrades to an
// empty subset. The result is not persisted.
func (c *Client) FetchCatalog(ctx context.Context, creds catalog.Credentials) (catalog.Snapshot, error) {
	start := time.Now()
	if _, err := c.Authenticate(ctx, creds); err != nil {
		return catalog.Snapshot{}, err
	}

	bodies := make([][]byte, len(listings))
	fetch := func(i int) {
		l := listings[i]
		body, err := c.get(ctx, creds, l.action, nil)
		if err != nil {
			c.log.Warn("listing unavailable, continuing without it", "action", l.action, "err", err)
			metrics.ProviderRequests.WithLabelValues(l.action, "degraded").Inc()
			return
		}
		metrics.ProviderRequests.WithLabelValues(l.action, "ok").Inc()
		bodies[i] = body
	}
	if c.parallel {
		p := pool.New().WithMaxGoroutines(c.concurrency)
		for i := range listings {
			p.Go(func() { fetch(i) })
		}
		p.Wait()
	} else {
		for i := range listings {
			if ctx.Err() != nil {
				break
			}
			fetch(i)
		}
	}
	if err := ctx.Err(); err != nil {
		return catalog.Snapshot{}, catalog.E(catalog.ErrNetwork, "fetch catalog", err)
	}

	b := newBuilder(creds, c.liveExt, c.filters)
	for i, l := range listings {
		if l.categories && bodies[i] != nil {
			if err := b.addCategories(l.group, bodies[i]); err != nil {
				c.log.Warn("unreadable listing, continuing without it", "action", l.action, "err", err)
			}
		}
	}
	for i, l := range listings {
		if l.categories || bodies[i] == nil {
			continue
		}
		if err := b.addItems(l.group, bodies[i]); err != nil {
			c.log.Warn("unreadable listing, continuing without it", "action", l.action, "err", err)
		}
	}
	snap := b.snapshot()
	snap.FetchedAt = time.Now().UTC()
	counts := snap.Counts()
	for _, g := range catalog.Groups {
		metrics.CatalogItems.WithLabelValues(string(g)).Set(float64(counts[g]))
	}
	c.log.Info("catalog fetched",
		"live", counts[catalog.GroupLive],
		"movies", counts[catalog.GroupMovie],
		"series", counts[catalog.GroupSeries],
		"categories", len(snap.Categories),
		"skipped", b.skipped,
		"took", time.Since(start).Round(time.Millisecond))
	return snap, nil
}

// SeriesInfo fetches get_series_info for seriesID. ErrNotFound when the provider has no episode data.
func (c *Client) SeriesInfo(ctx context.Context, creds catalog.Credentials, seriesID string) (catalog.SeriesInfo, error) {
	const op = "get_series_info"
	if !creds.Valid() {
		return catalog.SeriesInfo{}, catalog.Errorf(catalog.ErrAuth, op, "host, username and password are required")
	}
	body, err := c.get(ctx, creds, op, url.Values{"series_id": {seriesID}})
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(op, "failed").Inc()
		return catalog.SeriesInfo{}, err
	}
	info, err := ParseSeriesInfo(body)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(op, "failed").Inc()
		return catalog.SeriesInfo{}, err
	}
	metrics.ProviderRequests.WithLabelValues(op, "ok").Inc()
	return info, nil
}

// APIURL builds the player_api.php URL for action (empty for the auth call).
// Credentials are query-escaped so special characters cannot inject parameters.
func APIURL(creds catalog.Credentials, action string, extra url.Values) string {
	var sb strings.Builder
	sb.WriteString(creds.BaseURL())
	sb.WriteString("/player_api.php?username=")
	sb.WriteString(url.QueryEscape(creds.User))
	sb.WriteString("&password=")
	sb.WriteString(url.QueryEscape(creds.Pass))
	if action != "" {
		sb.WriteString("&action=")
		sb.WriteString(url.QueryEscape(action))
	}
	if len(extra) > 0 {
		sb.WriteString("&")
		sb.WriteString(extra.Encode())
	}
	return sb.String()
}

// get performs one paced, timed, retried API call and classifies failures.
func (c *Client) get(ctx context.Context, creds catalog.Credentials, action string, extra url.Values) ([]byte, error) {
	op := action
	if op == "" {
		op = "auth"
	}
	c.limiter.Take()
	if err := ctx.Err(); err != nil {
		return nil, catalog.E(catalog.ErrNetwork, op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.policy.APIURL(APIURL(creds, action, extra), creds.UseProxy)
	c.log.Debug("provider request", "action", op, "url", logging.RedactURL(target))
	body, err := httpclient.GetBody(ctx, c.http, target, c.retry)
	if err != nil {
		return nil, classify(op, err)
	}
	return body, nil
}

func classify(op string, err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		if op == "auth" && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			return catalog.Errorf(catalog.ErrAuth, op, "provider returned %s", se.Status)
		}
		return catalog.Errorf(catalog.ErrNetwork, op, "provider returned %s", se.Status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &catalog.Error{Kind: catalog.ErrNetwork, Op: op, Msg: "provider did not respond in time", Err: context.DeadlineExceeded}
	}
	return catalog.E(catalog.ErrNetwork, op, unwrapURLError(err))
}

// unwrapURLError drops the *url.Error wrapper, whose message repeats the full request URL
// including credentials.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
