package httpclient

import (
	"context"
	"sync"

	"github.com/snapetech/iptvclient/internal/safeurl"
)

// HostSemaphore caps concurrent requests per upstream host. The relay acquires a slot
// per forwarded request so many players pulling segments from one provider do not
// open unbounded connections to it.
//
//	release, err := sem.Acquire(ctx, target)
//	if err != nil { ... }
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		sems:  make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot for target's host is free or ctx ends.
// target may be any URL; only scheme+host is used as the key.
func (h *HostSemaphore) Acquire(ctx context.Context, target string) (func(), error) {
	sem := h.semFor(target)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse reports how many slots are taken for target's host.
func (h *HostSemaphore) InUse(target string) int {
	return len(h.semFor(target))
}

func (h *HostSemaphore) semFor(target string) chan struct{} {
	key := safeurl.Host(target)
	if key == "" {
		key = target
	}
	h.mu.Lock()
	s, ok := h.sems[key]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[key] = s
	}
	h.mu.Unlock()
	return s
}
