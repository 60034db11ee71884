package relay

import (
	"sync"
	"time"

	"github.com/carebridge/telecall/internal/domain"
)

// InviteRateLimiter bounds how many call invites a single caller may send in
// a sliding window. Keeps a misbehaving client from ringing the whole roster.
type InviteRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
}

func NewInviteRateLimiter(limit int, interval time.Duration) *InviteRateLimiter {
	return &InviteRateLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *InviteRateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[uid] = fresh

	return true
}
