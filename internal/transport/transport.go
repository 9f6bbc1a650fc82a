// Package transport holds the relay policy: the one place that decides whether a URL is
// fetched directly or through a cross-origin relay, and how the relay URL is built.
package transport

import (
	"net/url"
	"strings"

	"github.com/snapetech/iptvclient/internal/safeurl"
)

// DefaultRelayTemplate is the public relay used when none is configured.
const DefaultRelayTemplate = "https://corsproxy.io/?{url}"

// Wrapper rewrites a target URL into a relay URL that echoes the target's response.
type Wrapper func(target string) string

// Template builds a Wrapper from a template containing "{url}", which is replaced by the
// query-escaped target. A template without the placeholder gets the escaped target appended.
// An empty template returns nil (no relay available).
func Template(tmpl string) Wrapper {
	tmpl = strings.TrimSpace(tmpl)
	if tmpl == "" {
		return nil
	}
	return func(target string) string {
		esc := url.QueryEscape(target)
		if strings.Contains(tmpl, "{url}") {
			return strings.ReplaceAll(tmpl, "{url}", esc)
		}
		return tmpl + esc
	}
}

// Policy applies the relay rules uniformly for the fetcher, the series resolver and the player.
type Policy struct {
	// Wrap is the relay. Nil means no relay is configured; Apply then never rewrites.
	Wrap Wrapper
	// PageSecure is true when the consuming page is served over https, so plain-http
	// media would be blocked as mixed content.
	PageSecure bool
}

// NewPolicy is a Policy over the given relay template.
func NewPolicy(relayTemplate string, pageSecure bool) Policy {
	return Policy{Wrap: Template(relayTemplate), PageSecure: pageSecure}
}

// CanRelay reports whether a relay is configured.
func (p Policy) CanRelay() bool {
	return p.Wrap != nil
}

// ShouldRelay is true when useProxy is set, or when target is plain http and the page is secure.
func (p Policy) ShouldRelay(target string, useProxy bool) bool {
	if useProxy {
		return true
	}
	return p.PageSecure && safeurl.IsPlainHTTP(target)
}

// Apply returns the URL to hand to the network and whether it was relayed.
func (p Policy) Apply(target string, useProxy bool) (string, bool) {
	if !p.CanRelay() || !p.ShouldRelay(target, useProxy) {
		return target, false
	}
	return p.Wrap(target), true
}

// Relay wraps target unconditionally. It returns target unchanged and false when no relay exists.
func (p Policy) Relay(target string) (string, bool) {
	if !p.CanRelay() {
		return target, false
	}
	return p.Wrap(target), true
}

// APIURL is the relay rule for provider API calls: only the explicit useProxy flag wraps them.
func (p Policy) APIURL(target string, useProxy bool) string {
	if useProxy && p.CanRelay() {
		return p.Wrap(target)
	}
	return target
}
