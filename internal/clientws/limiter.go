package clientws

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// admission rate-limits new connections per remote host. Idle visitors are
// swept lazily.
type admission struct {
	rps   float64
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAdmission(rps float64, burst int) *admission {
	if burst <= 0 {
		burst = 1
	}
	return &admission{rps: rps, burst: burst, ttl: 3 * time.Minute, now: time.Now, visitors: make(map[string]*visitor)}
}

// Allow reports whether host may open a connection now. A non-positive rate
// disables limiting.
func (a *admission) Allow(host string) bool {
	if a.rps <= 0 {
		return true
	}
	now := a.now()
	a.mu.Lock()
	if now.Sub(a.lastSweep) > time.Minute {
		for h, v := range a.visitors {
			if now.Sub(v.lastSeen) > a.ttl {
				delete(a.visitors, h)
			}
		}
		a.lastSweep = now
	}
	v, ok := a.visitors[host]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(a.rps), a.burst)}
		a.visitors[host] = v
	}
	v.lastSeen = now
	a.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

func (a *admission) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.visitors)
}
