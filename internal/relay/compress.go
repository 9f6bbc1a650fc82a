package relay

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// negotiateEncoding picks br, gzip or identity from an Accept-Encoding header.
// Encodings with q=0 are refused.
func negotiateEncoding(accept string) string {
	var br, gz bool
	for _, part := range strings.Split(accept, ",") {
		fields := strings.Split(part, ";")
		name := strings.ToLower(strings.TrimSpace(fields[0]))
		refused := false
		for _, p := range fields[1:] {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, "q=") {
				if q, err := strconv.ParseFloat(strings.TrimPrefix(p, "q="), 64); err == nil && q == 0 {
					refused = true
				}
			}
		}
		if refused {
			continue
		}
		switch name {
		case "br":
			br = true
		case "gzip", "x-gzip":
			gz = true
		}
	}
	switch {
	case br:
		return "br"
	case gz:
		return "gzip"
	}
	return ""
}

// writeBody writes a buffered body (rewritten playlists) with the negotiated encoding.
func writeBody(w http.ResponseWriter, r *http.Request, status int, body []byte) (int, error) {
	enc := negotiateEncoding(r.Header.Get("Accept-Encoding"))
	h := w.Header()
	h.Add("Vary", "Accept-Encoding")
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	if enc == "" || r.Method == http.MethodHead {
		if r.Method != http.MethodHead {
			h.Set("Content-Length", strconv.Itoa(len(body)))
		}
		w.WriteHeader(status)
		if r.Method == http.MethodHead {
			return 0, nil
		}
		return w.Write(body)
	}
	h.Set("Content-Encoding", enc)
	w.WriteHeader(status)
	cw := &countingWriter{w: w}
	switch enc {
	case "br":
		bw := brotli.NewWriterLevel(cw, brotli.BestSpeed)
		if _, err := bw.Write(body); err != nil {
			return cw.n, err
		}
		return cw.n, bw.Close()
	default:
		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(cw)
		defer gzipWriterPool.Put(gz)
		if _, err := gz.Write(body); err != nil {
			return cw.n, err
		}
		return cw.n, gz.Close()
	}
}

type countingWriter struct {
	w io.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
