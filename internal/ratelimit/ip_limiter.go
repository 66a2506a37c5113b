package ratelimit

import (
	"net"
	"sync"
	"time"
)

const (
	rateWindow      = time.Second
	cleanupInterval = 5 * time.Minute
)

// IPLimiter limits concurrent connections and the connection rate per client IP
type IPLimiter struct {
	maxConnsPerIP int
	rateLimit     int // connections per second per IP

	mu          sync.Mutex
	ipConns     map[string]int
	ipRates     map[string][]time.Time // accept times inside the current window
	lastCleanup time.Time

	now func() time.Time
}

// NewIPLimiter creates a new IP-based limiter
func NewIPLimiter(maxConnsPerIP, rateLimit int) *IPLimiter {
	return &IPLimiter{
		maxConnsPerIP: maxConnsPerIP,
		rateLimit:     rateLimit,
		ipConns:       make(map[string]int),
		ipRates:       make(map[string][]time.Time),
		lastCleanup:   time.Now(),
		now:           time.Now,
	}
}

// Allow reports whether a new connection from ip is allowed and, if so, counts it.
// Every allowed connection must be matched by a Release.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > cleanupInterval {
		l.cleanup(now)
		l.lastCleanup = now
	}

	if l.ipConns[ip] >= l.maxConnsPerIP {
		return false
	}

	recent := prune(l.ipRates[ip], now)
	if len(recent) >= l.rateLimit {
		l.ipRates[ip] = recent
		return false
	}

	l.ipRates[ip] = append(recent, now)
	l.ipConns[ip]++
	return true
}

// Release releases a connection slot for ip
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count, ok := l.ipConns[ip]; ok {
		if count <= 1 {
			delete(l.ipConns, ip)
		} else {
			l.ipConns[ip] = count - 1
		}
	}
}

// Stats returns the open connection count and recent accept count for ip
func (l *IPLimiter) Stats(ip string) (conns int, recent int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ipConns[ip], len(prune(l.ipRates[ip], l.now()))
}

// cleanup drops rate history for IPs with no open connections and no recent accepts
func (l *IPLimiter) cleanup(now time.Time) {
	for ip, times := range l.ipRates {
		if l.ipConns[ip] == 0 && len(prune(times, now)) == 0 {
			delete(l.ipRates, ip)
		}
	}
}

func prune(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rateWindow)
	valid := 0
	for _, ts := range times {
		if ts.After(cutoff) {
			times[valid] = ts
			valid++
		}
	}
	return times[:valid]
}

// HostOf extracts the IP from a "host:port" remote address
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
