package signal

import (
	"sync"
	"time"

	"github.com/harmonix-chat/voice/internal/domain"
)

// joinLimiter caps IDENTIFY attempts per user over a sliding window, so a
// reconnect loop cannot hammer the auth path or churn room membership.
type joinLimiter struct {
	mu      sync.Mutex
	history map[domain.UserID][]time.Time
	limit   int
	window  time.Duration
}

func newJoinLimiter(limit int, window time.Duration) *joinLimiter {
	return &joinLimiter{
		history: make(map[domain.UserID][]time.Time),
		limit:   limit,
		window:  window,
	}
}

func (l *joinLimiter) allow(user domain.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Prune the whole table, not just this user: one-shot users would
	// otherwise pin their entry forever.
	cutoff := time.Now().Add(-l.window)
	for uid, attempts := range l.history {
		fresh := attempts[:0]
		for _, t := range attempts {
			if t.After(cutoff) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			delete(l.history, uid)
			continue
		}
		l.history[uid] = fresh
	}

	if len(l.history[user]) >= l.limit {
		return false
	}
	l.history[user] = append(l.history[user], time.Now())
	return true
}
