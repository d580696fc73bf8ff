package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

func maxBodyBytes(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ipLimiter is a token bucket per client IP. This is transport back-pressure
// only; per-identifier login throttling lives in the rate limit service.
type ipLimiter struct {
	perSecond int
	burst     int

	mu      sync.Mutex
	buckets map[string]*ipBucket

	ticker    *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

type ipBucket struct {
	lim *rate.Limiter
	ts  time.Time
}

const ipBucketTTL = 5 * time.Minute

func newIPLimiter(perSecond, burst int) *ipLimiter {
	l := &ipLimiter{
		perSecond: perSecond,
		burst:     burst,
		buckets:   make(map[string]*ipBucket),
		ticker:    time.NewTicker(time.Minute),
		done:      make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *ipLimiter) sweep() {
	for {
		select {
		case <-l.done:
			return
		case <-l.ticker.C:
			now := time.Now()
			l.mu.Lock()
			for k, b := range l.buckets {
				if now.Sub(b.ts) > ipBucketTTL {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the bucket sweeper. Safe to call more than once.
func (l *ipLimiter) Close() {
	l.closeOnce.Do(func() {
		l.ticker.Stop()
		close(l.done)
	})
}

func (l *ipLimiter) middleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustProxy)
			if ip == "" {
				ip = "unknown"
			}
			l.mu.Lock()
			b, ok := l.buckets[ip]
			if !ok {
				b = &ipBucket{lim: rate.NewLimiter(rate.Limit(l.perSecond), l.burst)}
				l.buckets[ip] = b
			}
			b.ts = time.Now()
			l.mu.Unlock()
			if !b.lim.Allow() {
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the caller address. X-Forwarded-For is honored only when
// the deployment declares a trusted proxy in front; otherwise a direct client
// could pick its own rate-limit key.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
