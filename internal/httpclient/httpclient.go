package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/snapetech/iptvclient/internal/safeurl"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
}

// Default returns the shared client used by the catalog fetcher, series resolver and health check.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout over a clone of the default transport.
// timeout 0 means no client-side limit; the relay and the media probes bound requests by context instead.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}

// ErrDisallowedAddress is returned when a Guarded client would connect to a loopback,
// private or link-local address.
var ErrDisallowedAddress = errors.New("address is not allowed")

// Guarded returns a copy of c whose connections are refused when the resolved peer address
// is loopback, private or link-local. The check runs after DNS resolution, on every dial,
// redirects included. Environment proxies are not used.
func Guarded(c *http.Client) *http.Client {
	base, ok := c.Transport.(*http.Transport)
	if !ok {
		base = defaultClient.Transport.(*http.Transport)
	}
	t := base.Clone()
	t.Proxy = nil
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second, ControlContext: denyDisallowed}
	t.DialContext = d.DialContext
	return &http.Client{Timeout: c.Timeout, Transport: t, CheckRedirect: c.CheckRedirect, Jar: c.Jar}
}

func denyDisallowed(_ context.Context, _, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if safeurl.IsDisallowedIP(net.ParseIP(host)) {
		return fmt.Errorf("%w: %s", ErrDisallowedAddress, host)
	}
	return nil
}
