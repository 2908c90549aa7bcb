package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pinger checks that the backend answers at all.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reachability tells best-effort work whether the backend can be reached. The
// probe result is reused for ttl to avoid a round trip per call.
type Reachability struct {
	pinger Pinger
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	online    bool
}

// NewReachability constructs a probe. A non-positive ttl probes on every call.
func NewReachability(pinger Pinger, ttl time.Duration, logger zerolog.Logger) *Reachability {
	return &Reachability{
		pinger: pinger,
		ttl:    ttl,
		logger: logger.With().Str("component", "reachability").Logger(),
		now:    time.Now,
	}
}

// Online reports whether the last probe, or a fresh one, reached the backend.
func (r *Reachability) Online(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ttl > 0 && !r.checkedAt.IsZero() && r.now().Sub(r.checkedAt) < r.ttl {
		return r.online
	}

	err := r.pinger.Ping(ctx)
	online := err == nil
	if online != r.online || r.checkedAt.IsZero() {
		r.logger.Debug().Bool("online", online).Err(err).Msg("reachability changed")
	}
	r.online = online
	r.checkedAt = r.now()
	return online
}

// Invalidate forgets the cached probe result.
func (r *Reachability) Invalidate() {
	r.mu.Lock()
	r.checkedAt = time.Time{}
	r.mu.Unlock()
}
