package middleware

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// RequestTracker tracks active requests for graceful shutdown
type RequestTracker struct {
	logger *logrus.Entry
	active atomic.Int64

	mu           sync.RWMutex
	shuttingDown bool
	shutdownAt   time.Time
}

// NewRequestTracker creates a new request tracker middleware
func NewRequestTracker(logger *logrus.Entry) *RequestTracker {
	return &RequestTracker{
		logger: logger,
	}
}

// Middleware returns the HTTP middleware function
func (rt *RequestTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.active.Add(1)
		defer rt.active.Add(-1)

		next.ServeHTTP(w, r)
	})
}

// Active returns the number of requests in flight.
func (rt *RequestTracker) Active() int64 {
	return rt.active.Load()
}

// BeginShutdown marks the server as draining.
func (rt *RequestTracker) BeginShutdown(at time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.shuttingDown {
		return
	}
	rt.shuttingDown = true
	rt.shutdownAt = at

	rt.logger.WithField("active_requests", rt.Active()).Info("Draining active requests")
}

// ShutdownState reports whether shutdown has begun and when.
func (rt *RequestTracker) ShutdownState() (bool, time.Time) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.shuttingDown, rt.shutdownAt
}
