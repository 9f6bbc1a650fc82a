package relay

import (
	"bufio"
	"bytes"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafana/regexp"
)

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

func isPlaylist(resp *http.Response, upstreamURL string) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u") {
		return true
	}
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// rewritePlaylist points every URI of an HLS playlist back through the relay: media
// lines and URI="..." attributes (keys, init maps, alternate renditions) are resolved
// against upstreamURL and then wrapped with wrap.
func rewritePlaylist(body []byte, upstreamURL string, wrap func(string) string) []byte {
	base, err := url.Parse(upstreamURL)
	if err != nil {
		return body
	}
	abs := func(ref string) string {
		r, err := url.Parse(strings.TrimSpace(ref))
		if err != nil {
			return ref
		}
		return wrap(base.ResolveReference(r).String())
	}
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for sc.Scan() {
		if !first {
			out.WriteByte('\n')
		}
		first = false
		line := sc.Text()
		trim := strings.TrimSpace(line)
		switch {
		case trim == "":
			out.WriteString(line)
		case strings.HasPrefix(trim, "#"):
			out.WriteString(uriAttr.ReplaceAllStringFunc(line, func(m string) string {
				sub := uriAttr.FindStringSubmatch(m)
				if len(sub) < 2 || sub[1] == "" || strings.HasPrefix(sub[1], "data:") {
					return m
				}
				return `URI="` + abs(sub[1]) + `"`
			}))
		default:
			out.WriteString(abs(trim))
		}
	}
	if len(body) > 0 && body[len(body)-1] == '\n' {
		out.WriteByte('\n')
	}
	return out.Bytes()
}
