package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestError_isKindAndCause(t *testing.T) {
	err := E(ErrNetwork, "get_live_streams", context.DeadlineExceeded)
	if !errors.Is(err, ErrNetwork) {
		t.Error("errors.Is(err, ErrNetwork) = false")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("cause not reachable through errors.Is")
	}
	if errors.Is(err, ErrAuth) {
		t.Error("network error matched ErrAuth")
	}
	if !strings.HasPrefix(err.Error(), "get_live_streams: ") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestError_wrappedStillClassified(t *testing.T) {
	inner := Errorf(ErrAuth, "auth", "user_info missing")
	outer := errors.Join(errors.New("refresh"), inner)
	if KindOf(outer) != ErrAuth {
		t.Errorf("KindOf = %v", KindOf(outer))
	}
	var ce *Error
	if !errors.As(outer, &ce) || ce.Op != "auth" {
		t.Errorf("errors.As failed: %+v", ce)
	}
}

func TestKindName(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{E(ErrStorage, "save", nil), "storage"},
		{Errorf(ErrEmptySeries, "series", "none"), "empty_series"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := KindName(tt.err); got != tt.want {
			t.Errorf("KindName(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestUserMessage_distinguishesAuthFromNetwork(t *testing.T) {
	authMsg, authHint := UserMessage(E(ErrAuth, "auth", nil))
	netMsg, netHint := UserMessage(E(ErrNetwork, "auth", nil))
	if authMsg == netMsg || authHint == netHint {
		t.Errorf("auth and network messages must differ: %q / %q", authMsg, netMsg)
	}
	if !strings.Contains(netHint, "proxy") {
		t.Errorf("network hint should mention the proxy: %q", netHint)
	}
	if msg, hint := UserMessage(nil); msg != "" || hint != "" {
		t.Errorf("nil error produced message %q %q", msg, hint)
	}
}
