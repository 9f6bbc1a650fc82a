package probe

import (
	"bytes"
	"net/url"
	"path"
	"strings"
)

// StreamType classifies a stream URL for choosing a playback strategy.
type StreamType string

const (
	StreamUnknown StreamType = "unknown"
	StreamDirect  StreamType = "direct"
	StreamHLS     StreamType = "hls"
)

var directExts = map[string]bool{
	".mp4": true, ".m4v": true, ".mkv": true, ".webm": true, ".avi": true, ".mov": true,
	".ts": true, ".flv": true, ".mpg": true, ".mpeg": true, ".wmv": true, ".3gp": true,
}

// Classify is a textual-extension heuristic over the URL path. Providers that omit
// extensions classify as StreamUnknown; callers fall back on the item group.
func Classify(streamURL string) StreamType {
	u, err := url.Parse(streamURL)
	if err != nil {
		return StreamUnknown
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch {
	case ext == ".m3u8" || ext == ".m3u":
		return StreamHLS
	case directExts[ext]:
		return StreamDirect
	}
	return StreamUnknown
}

// Container is the media container recognised from the first bytes of a payload.
type Container string

const (
	ContainerNone     Container = ""
	ContainerMPEGTS   Container = "mpegts"
	ContainerMP4      Container = "mp4"
	ContainerMatroska Container = "matroska"
	ContainerAVI      Container = "avi"
	ContainerFLV      Container = "flv"
	ContainerPlaylist Container = "m3u8"
)

// Sniff recognises a container from head (the first bytes of the body), falling back on
// the Content-Type header for payloads too short to tell.
func Sniff(head []byte, contentType string) Container {
	switch {
	case len(head) > 0 && head[0] == 0x47 && (len(head) < 189 || head[188] == 0x47):
		return ContainerMPEGTS
	case len(head) >= 8 && (bytes.Equal(head[4:8], []byte("ftyp")) || bytes.Equal(head[4:8], []byte("styp")) || bytes.Equal(head[4:8], []byte("moof"))):
		return ContainerMP4
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return ContainerMatroska
	case len(head) >= 12 && bytes.HasPrefix(head, []byte("RIFF")) && bytes.Equal(head[8:12], []byte("AVI ")):
		return ContainerAVI
	case bytes.HasPrefix(head, []byte("FLV")):
		return ContainerFLV
	case bytes.HasPrefix(bytes.TrimSpace(head), []byte("#EXTM3U")):
		return ContainerPlaylist
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "mpegurl"):
		return ContainerPlaylist
	case strings.Contains(ct, "video/mp2t"):
		return ContainerMPEGTS
	case strings.Contains(ct, "video/mp4"), strings.Contains(ct, "application/mp4"), strings.Contains(ct, "audio/mp4"):
		return ContainerMP4
	case strings.Contains(ct, "matroska"), strings.Contains(ct, "video/webm"):
		return ContainerMatroska
	}
	return ContainerNone
}
