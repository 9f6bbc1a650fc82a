package safeurl

import (
	"net"
	"net/url"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	s := scheme(u)
	return s == "http" || s == "https"
}

// IsPlainHTTP reports whether u uses unencrypted http. Browsers block such media on https pages.
func IsPlainHTTP(u string) bool {
	return scheme(u) == "http"
}

// IsDisallowedIP reports whether ip is a loopback, private, link-local, multicast or
// unspecified address, none of which a relay may reach on a caller's behalf.
func IsDisallowedIP(ip net.IP) bool {
	return ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsMulticast() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// Host returns scheme://host of u, or "" when u does not parse.
func Host(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

func scheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return parsed.Scheme
}
