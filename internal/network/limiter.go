package network

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SlotLimiter caps how many operations of one kind run at once. A max of
// zero or less means unlimited.
type SlotLimiter struct {
	mu    sync.Mutex
	max   int
	inUse int
}

func NewSlotLimiter(max int) *SlotLimiter {
	return &SlotLimiter{max: max}
}

func (l *SlotLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.inUse >= l.max {
		return false
	}
	l.inUse++
	return true
}

func (l *SlotLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inUse > 0 {
		l.inUse--
	}
}

func (l *SlotLimiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

const hostIdleAfter = 5 * time.Minute

type hostBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// HostLimiter applies a token bucket per source host. A nil limiter allows
// everything.
type HostLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	hosts     map[string]*hostBucket
	lastSweep time.Time
}

func NewHostLimiter(perSecond float64, burst int) *HostLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &HostLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		hosts:     make(map[string]*hostBucket),
		lastSweep: time.Now(),
	}
}

func (l *HostLimiter) Allow(host string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > hostIdleAfter {
		for h, b := range l.hosts {
			if now.Sub(b.seen) > hostIdleAfter {
				delete(l.hosts, h)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.hosts[host]
	if !ok {
		b = &hostBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.hosts[host] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
