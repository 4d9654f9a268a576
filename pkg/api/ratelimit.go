package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/contentpipe/pkg/config"
)

// routeClass groups routes that share a budget.
type routeClass string

const (
	// classRead covers run and draft lookups.
	classRead routeClass = "read"
	// classSubmit covers requests that start or restart a run, each of which
	// fans out to the paid generation backends.
	classSubmit routeClass = "submit"
)

// Buckets idle longer than clientIdleTTL are dropped on the next sweep.
const (
	clientSweepInterval = time.Minute
	clientIdleTTL       = 10 * time.Minute
)

type clientKey struct {
	client string
	class  routeClass
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// runLimiter holds one token bucket per client and route class.
type runLimiter struct {
	cfg    config.RateLimitConfig
	limits map[routeClass]config.RouteLimit
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[clientKey]*clientBucket
	lastSweep time.Time
}

func newRunLimiter(cfg config.RateLimitConfig) *runLimiter {
	return &runLimiter{
		cfg: cfg,
		limits: map[routeClass]config.RouteLimit{
			classRead:   cfg.Reads,
			classSubmit: cfg.Submits,
		},
		now:     time.Now,
		buckets: make(map[clientKey]*clientBucket, 64),
	}
}

// allow takes one token from the client's bucket for class.
func (l *runLimiter) allow(client string, class routeClass) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= clientSweepInterval {
		for key, b := range l.buckets {
			if now.Sub(b.lastSeen) > clientIdleTTL {
				delete(l.buckets, key)
			}
		}

		l.lastSweep = now
	}

	key := clientKey{client: client, class: class}

	b, ok := l.buckets[key]
	if !ok {
		limit := l.limits[class]
		b = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(limit.PerMinute)/60.0), limit.Burst),
		}
		l.buckets[key] = b
	}

	b.lastSeen = now

	return b.limiter.AllowN(now, 1)
}

// clientID identifies the caller. X-Forwarded-For is honoured only when the
// server is configured to trust it.
func (l *runLimiter) clientID(r *http.Request) string {
	if l.cfg.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// limitRoutes rejects requests over the client's budget for class with 429
// and a Retry-After hint. It is a no-op when rate limiting is disabled.
func (s *server) limitRoutes(class routeClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.limiter == nil {
			return next
		}

		// Seconds until one token refills, rounded up.
		retryAfter := "1"
		if perMinute := s.limiter.limits[class].PerMinute; perMinute > 0 && perMinute < 60 {
			retryAfter = strconv.Itoa((60 + perMinute - 1) / perMinute)
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := s.limiter.clientID(r)

			if !s.limiter.allow(client, class) {
				s.log.WithFields(logrus.Fields{
					"client": client,
					"class":  class,
				}).Debug("Rate limit exceeded")

				w.Header().Set("Retry-After", retryAfter)
				writeJSON(w, http.StatusTooManyRequests, errorResponse{"rate limit exceeded for " + string(class) + " requests"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
