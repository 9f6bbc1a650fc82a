// Package health checks that a provider's player_api answers for an account, so the CLI
// can tell "wrong password" from "host unreachable" from "blocked by Cloudflare" before
// a full catalog fetch.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/snapetech/iptvclient/internal/catalog"
	"github.com/snapetech/iptvclient/internal/httpclient"
	"github.com/snapetech/iptvclient/internal/xtream"
)

type Status string

const (
	StatusOK         Status = "ok"
	StatusAuth       Status = "auth"
	StatusCloudflare Status = "cloudflare"
	StatusBadStatus  Status = "bad_status"
	StatusBadBody    Status = "bad_body"
	StatusTimeout    Status = "timeout"
	StatusError      Status = "error"
)

// Result is the outcome of probing one provider.
type Result struct {
	Base       string
	Status     Status
	StatusCode int
	Latency    time.Duration
	// Account details when Status is ok.
	AccountStatus string
	ExpiresAt     string
}

// CheckPlayerAPI calls player_api.php with the account credentials and classifies the answer.
// client may be nil.
func CheckPlayerAPI(ctx context.Context, client *http.Client, creds catalog.Credentials) Result {
	res := Result{Base: creds.BaseURL()}
	if client == nil {
		client = httpclient.WithTimeout(15 * time.Second)
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, xtream.APIURL(creds, "", nil), nil)
	if err != nil {
		res.Status = StatusError
		return res
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	resp, err := client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		if isTimeout(err) {
			res.Status = StatusTimeout
		} else {
			res.Status = StatusError
		}
		return res
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if isCloudflare(resp, body) {
		res.Status = StatusCloudflare
		return res
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		res.Status = StatusAuth
		return res
	case resp.StatusCode != http.StatusOK:
		res.Status = StatusBadStatus
		return res
	}
	var raw struct {
		UserInfo *struct {
			Auth    json.RawMessage `json:"auth"`
			Status  string          `json:"status"`
			ExpDate json.RawMessage `json:"exp_date"`
		} `json:"user_info"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		res.Status = StatusBadBody
		return res
	}
	if raw.UserInfo == nil || strings.Trim(string(raw.UserInfo.Auth), `"`) == "0" {
		res.Status = StatusAuth
		return res
	}
	res.Status = StatusOK
	res.AccountStatus = raw.UserInfo.Status
	res.ExpiresAt = strings.Trim(string(raw.UserInfo.ExpDate), `"`)
	if res.ExpiresAt == "null" {
		res.ExpiresAt = ""
	}
	return res
}

// Check is CheckPlayerAPI as an error: nil when the account works, otherwise a classified
// catalog error (ErrAuth, ErrNetwork or ErrFormat).
func Check(ctx context.Context, client *http.Client, creds catalog.Credentials) error {
	const op = "provider check"
	if !creds.Valid() {
		return catalog.Errorf(catalog.ErrAuth, op, "host, username and password are required")
	}
	r := CheckPlayerAPI(ctx, client, creds)
	switch r.Status {
	case StatusOK:
		return nil
	case StatusAuth:
		return catalog.Errorf(catalog.ErrAuth, op, "account rejected (HTTP %d)", r.StatusCode)
	case StatusBadBody:
		return catalog.Errorf(catalog.ErrFormat, op, "player_api did not return JSON")
	case StatusCloudflare:
		return catalog.Errorf(catalog.ErrNetwork, op, "blocked by Cloudflare (HTTP %d)", r.StatusCode)
	case StatusBadStatus:
		return catalog.Errorf(catalog.ErrNetwork, op, "provider returned HTTP %d", r.StatusCode)
	case StatusTimeout:
		return catalog.Errorf(catalog.ErrNetwork, op, "provider timed out after %v", r.Latency.Round(time.Millisecond))
	}
	return catalog.Errorf(catalog.ErrNetwork, op, "provider unreachable")
}

// isCloudflare matches a Cloudflare Server header on a failure, or a challenge page on one
// of the status codes Cloudflare uses for blocks. 884 and friends are provider codes, not Cloudflare.
func isCloudflare(resp *http.Response, body []byte) bool {
	code := resp.StatusCode
	if code == http.StatusOK {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("Server")), "cloudflare") {
		return true
	}
	switch code {
	case 403, 503, 520, 521, 524:
		preview := strings.ToLower(string(body[:min(len(body), 2048)]))
		return strings.Contains(preview, "checking your browser") ||
			strings.Contains(preview, "cf-bypass") ||
			strings.Contains(preview, "ray id")
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
