// Package media holds the contracts between a playback session and its two collaborators:
// the surface (a media element that plays progressive sources and renders whatever an
// adaptive engine feeds it) and the adaptive streaming engine.
package media

import (
	"context"
	"fmt"
)

// EventKind is what a collaborator reports.
type EventKind int

const (
	// EventManifestParsed: the adaptive engine parsed the manifest and can start playback.
	EventManifestParsed EventKind = iota + 1
	// EventCanPlay: the surface has enough of a progressive source to start.
	EventCanPlay
	// EventEnded: end of stream.
	EventEnded
	// EventError: see Event.Fatal and Event.Class.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventManifestParsed:
		return "manifest_parsed"
	case EventCanPlay:
		return "can_play"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// ErrorClass is the cause category of an EventError.
type ErrorClass string

const (
	ClassNetwork ErrorClass = "network"
	ClassMedia   ErrorClass = "media"
	ClassOther   ErrorClass = "other"
	// ClassProgressive: the adaptive engine was given a progressive file rather than a
	// manifest. The surface can play the same URL directly.
	ClassProgressive ErrorClass = "progressive"
)

// Event is one collaborator report.
type Event struct {
	Kind  EventKind
	Fatal bool
	Class ErrorClass
	Err   error
}

// Sink receives events. It may be called from any goroutine.
type Sink func(Event)

// Surface is the media element.
type Surface interface {
	// Bind routes subsequent surface events to sink.
	Bind(sink Sink)
	// SetSource starts loading a progressive source; the surface answers with CanPlay or Error.
	SetSource(ctx context.Context, url string)
	// Play starts or resumes playback. An error means playback was refused.
	Play() error
	Pause()
	// Reset drops the source and stops any loading.
	Reset()
}

// AdaptiveEngine is a manifest-based streaming engine feeding a Surface.
type AdaptiveEngine interface {
	Attach(s Surface, sink Sink)
	// LoadSource fetches and parses the manifest; the engine answers with ManifestParsed or Error.
	LoadSource(ctx context.Context, url string)
	// RecoverMediaError restarts decoding after a media-class error.
	RecoverMediaError()
	// Destroy releases the engine. No events are delivered afterwards.
	Destroy()
}
