package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// UserAgent is sent on every provider request.
const UserAgent = "iptv-client/1.0"

// RetryPolicy controls GetBody retries. Attempts counts the first try.
type RetryPolicy struct {
	Attempts       uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration // also caps Retry-After
}

// DefaultRetryPolicy: three tries, 500ms doubling backoff, never waiting more than 10s.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
}

// StatusError is a non-200 response.
type StatusError struct {
	URL        string
	Code       int
	Status     string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("get %s: %s", e.URL, e.Status)
}

// Retryable returns true for 429, 423, 408 and 5xx, where a later try may succeed.
func Retryable(code int) bool {
	if code == http.StatusTooManyRequests || code == http.StatusLocked || code == http.StatusRequestTimeout {
		return true
	}
	return code >= 500 && code < 600
}

// GetBody GETs rawURL and returns the body of a 200 response. Transport errors and
// retryable statuses are retried per policy, honoring Retry-After; other statuses
// fail immediately with *StatusError. ctx bounds the whole exchange including waits.
func GetBody(ctx context.Context, client *http.Client, rawURL string, policy RetryPolicy) ([]byte, error) {
	if client == nil {
		client = Default()
	}
	if policy.Attempts == 0 {
		policy.Attempts = 1
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", UserAgent)
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				_, _ = io.Copy(io.Discard, resp.Body)
				se := &StatusError{URL: rawURL, Code: resp.StatusCode, Status: resp.Status}
				if h := resp.Header.Get("Retry-After"); h != "" {
					se.RetryAfter = parseRetryAfter(h, policy.MaxBackoff)
				}
				return se
			}
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(policy.Attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			var se *StatusError
			if errors.As(err, &se) {
				return Retryable(se.Code)
			}
			return true
		}),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			var se *StatusError
			if errors.As(err, &se) && se.RetryAfter > 0 {
				return se.RetryAfter
			}
			return backoff(n, policy)
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// backoff is InitialBackoff doubled n times, capped at MaxBackoff.
func backoff(n uint, policy RetryPolicy) time.Duration {
	d := policy.InitialBackoff
	if d <= 0 {
		return 0
	}
	for i := uint(0); i < n; i++ {
		d *= 2
		if d >= policy.MaxBackoff {
			return policy.MaxBackoff
		}
	}
	return d
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date); returns duration capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := http.ParseTime(s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}
