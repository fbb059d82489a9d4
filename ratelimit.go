package sentinel

import (
	"net"
	"sync"
	"time"
)

// RateLimiter caps how quickly a single client IP may open new
// sessions. Each client accrues session credit at Rate per second up to
// Burst; opening a session spends one credit. The server consults the
// limiter before claiming a session slot, so one noisy client cannot
// drain the global session budget for everyone else.
type RateLimiter struct {
	// Rate is the credit accrued per second per client.
	Rate float64

	// Burst is the most credit a client can bank.
	Burst int

	// SweepInterval controls how often idle clients are forgotten.
	// Defaults to one minute.
	SweepInterval time.Duration

	mu      sync.Mutex
	clients map[string]*sessionCredit

	done chan struct{}
}

// sessionCredit tracks one client's remaining credit and when it was
// last brought up to date.
type sessionCredit struct {
	credit  float64
	updated time.Time
}

// NewRateLimiter creates a limiter allowing rate sessions per second
// per client IP with the given burst allowance, and starts the
// background sweep of idle clients.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		Rate:          rate,
		Burst:         burst,
		SweepInterval: time.Minute,
		clients:       make(map[string]*sessionCredit),
		done:          make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether a new session from the given client address may
// be admitted, spending one credit when it is. The port is stripped so
// every connection from one IP draws on the same budget.
func (rl *RateLimiter) Allow(addr string) bool {
	ip := addr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		ip = host
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	c, ok := rl.clients[ip]
	if !ok {
		// A first-time client starts with a full bank and spends one.
		rl.clients[ip] = &sessionCredit{credit: float64(rl.Burst) - 1, updated: now}
		return true
	}

	c.credit = min(c.credit+now.Sub(c.updated).Seconds()*rl.Rate, float64(rl.Burst))
	c.updated = now

	if c.credit < 1 {
		return false
	}
	c.credit--
	return true
}

// ClientCount returns the number of clients currently tracked.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Close stops the idle-client sweep. Safe to call more than once.
func (rl *RateLimiter) Close() {
	select {
	case <-rl.done:
	default:
		close(rl.done)
	}
}

// sweep drops clients that have opened no session for two intervals;
// their credit would be back at Burst anyway.
func (rl *RateLimiter) sweep() {
	interval := rl.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			cutoff := now.Add(-2 * interval)
			rl.mu.Lock()
			for ip, c := range rl.clients {
				if c.updated.Before(cutoff) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
