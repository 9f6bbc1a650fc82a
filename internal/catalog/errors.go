package catalog

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; concrete failures are *Error values carrying one of these.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrNetwork     = errors.New("network error")
	ErrFormat      = errors.New("unexpected response format")
	ErrNotFound    = errors.New("not found")
	ErrEmptySeries = errors.New("series has no episodes")
	ErrResolution  = errors.New("stream resolution failed")
	ErrPlayback    = errors.New("playback failed")
	ErrStorage     = errors.New("storage failure")
)

var kinds = []error{ErrAuth, ErrNetwork, ErrFormat, ErrNotFound, ErrEmptySeries, ErrResolution, ErrPlayback, ErrStorage}

// Error is a classified failure. Kind is one of the Err* sentinels; Op names the operation
// ("auth", "get_vod_streams", "cache save"); Err is the underlying cause if any.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		if e.Err != nil {
			msg = e.Err.Error()
		} else if e.Kind != nil {
			msg = e.Kind.Error()
		}
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// E wraps err as a failure of the given kind.
func E(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a failure of the given kind with a formatted message and no cause.
func Errorf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the first error kind err matches, or nil when err is unclassified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is a stable lowercase name for the kind of err ("auth", "network", ...), or "internal".
func KindName(err error) string {
	switch KindOf(err) {
	case ErrAuth:
		return "auth"
	case ErrNetwork:
		return "network"
	case ErrFormat:
		return "format"
	case ErrNotFound:
		return "not_found"
	case ErrEmptySeries:
		return "empty_series"
	case ErrResolution:
		return "resolution"
	case ErrPlayback:
		return "playback"
	case ErrStorage:
		return "storage"
	}
	return "internal"
}

// UserMessage turns err into a short message and a corrective hint for the user.
// Credential problems and connectivity problems always read differently.
func UserMessage(err error) (msg, hint string) {
	switch KindOf(err) {
	case ErrAuth:
		return "Wrong username or password, or the account has expired.",
			"Check the host, username and password, then try again."
	case ErrNetwork:
		return "The IPTV server did not respond in time or could not be reached.",
			"Check your connection and retry. If the provider blocks cross-origin requests, enable the proxy."
	case ErrFormat:
		return "The IPTV server sent a response that could not be read.",
			"Check that the host points at an Xtream Codes panel, then retry."
	case ErrNotFound:
		return "The provider returned no episode data for this series.",
			"Retry later or pick another title."
	case ErrEmptySeries:
		return "This series has no playable episodes.",
			"Retry later or pick another title."
	case ErrResolution:
		return "The stream address could not be resolved.",
			"Retry. If credentials were cleared, sign in again."
	case ErrPlayback:
		return "The stream could not be played.",
			"Retry, toggle the proxy setting, or open the stream in an external player."
	case ErrStorage:
		return "The catalog could not be saved locally.",
			"The catalog is still usable for this session. Check free disk space and permissions."
	}
	if err == nil {
		return "", ""
	}
	return "Something went wrong.", "Retry the last action."
}
