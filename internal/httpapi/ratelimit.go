package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter enforces "max requests per window" per client address using a
// token bucket: refill rate max/window, burst max.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(max int, window time.Duration) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Every(window / time.Duration(max)),
		burst:   max,
		clients: map[string]*clientEntry{},
	}
}

func (c *clientLimiter) allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	c.mu.Lock()
	e, ok := c.clients[host]
	if !ok {
		e = &clientEntry{lim: rate.NewLimiter(c.limit, c.burst)}
		c.clients[host] = e
	}
	e.lastSeen = time.Now()
	// Opportunistic prune so the map stays bounded without a janitor goroutine.
	if len(c.clients) > 1024 {
		cutoff := time.Now().Add(-time.Hour)
		for k, v := range c.clients {
			if v.lastSeen.Before(cutoff) {
				delete(c.clients, k)
			}
		}
	}
	c.mu.Unlock()

	return e.lim.Allow()
}

// middleware wraps a handler with the limiter.
func (c *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.allow(r.RemoteAddr) {
			writeJSON(w, http.StatusTooManyRequests, envelope{
				Status:  "error",
				Message: "Too many requests, please try again later.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
