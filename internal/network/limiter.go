package network

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by the accept filter of a throttled IP.
var ErrRateLimited = errors.New("accept rate exceeded")

// IPLimiter keeps one token bucket per remote IP.
type IPLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*ipBucket
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter allows perSec events per IP with the given burst. A
// non-positive perSec returns nil, which allows everything.
func NewIPLimiter(perSec float64, burst int) *IPLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &IPLimiter{
		limit:    rate.Limit(perSec),
		burst:    burst,
		limiters: make(map[string]*ipBucket),
	}
}

// Allow takes one token for ip.
func (l *IPLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	b, ok := l.limiters[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Prune forgets IPs not seen for idle and returns how many were dropped.
func (l *IPLimiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := time.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, b := range l.limiters {
		if b.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
			n++
		}
	}
	return n
}

// Len returns the number of tracked IPs.
func (l *IPLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Filter adapts the limiter to an AcceptFilter.
func (l *IPLimiter) Filter() AcceptFilter {
	return func(remote net.Addr) error {
		if !l.Allow(HostIP(remote)) {
			return ErrRateLimited
		}
		return nil
	}
}

// HostIP returns the IP part of addr.
func HostIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// ChainFilters runs filters in order and stops at the first refusal.
// Nil filters are skipped.
func ChainFilters(filters ...AcceptFilter) AcceptFilter {
	return func(remote net.Addr) error {
		for _, f := range filters {
			if f == nil {
				continue
			}
			if err := f(remote); err != nil {
				return err
			}
		}
		return nil
	}
}
