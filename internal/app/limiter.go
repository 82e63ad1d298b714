package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const moverIdle = 3 * time.Minute

// moveLimiter throttles drag writes per user. A drag emits a position write
// per frame; the overflow is dropped, the final position still lands.
type moveLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	movers    map[string]*mover
	lastSweep time.Time
	now       func() time.Time
}

type mover struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newMoveLimiter(perSecond float64, burst int) *moveLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &moveLimiter{
		limit:  limit,
		burst:  burst,
		movers: make(map[string]*mover),
		now:    time.Now,
	}
}

func (l *moveLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > moverIdle {
		for id, m := range l.movers {
			if now.Sub(m.lastSeen) > moverIdle {
				delete(l.movers, id)
			}
		}
		l.lastSweep = now
	}

	m, ok := l.movers[userID]
	if !ok {
		m = &mover{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.movers[userID] = m
	}
	m.lastSeen = now
	return m.limiter.AllowN(now, 1)
}
