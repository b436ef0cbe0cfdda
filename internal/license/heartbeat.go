package license

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/guided-traffic/plugin-license-manager/internal/monitoring"
)

// Heartbeat defaults.
const (
	DefaultHeartbeatInterval    = 12 * time.Hour
	DefaultHeartbeatConcurrency = 4
)

// Heartbeat periodically refreshes every registered plugin in the
// background so server-side revocations are noticed before the cache TTL
// runs out.
type Heartbeat struct {
	registry    *Registry
	interval    time.Duration
	concurrency int
	now         func() time.Time
	log         *logrus.Entry

	mu      sync.Mutex
	lastRun time.Time
	running bool
	stopped bool

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHeartbeat creates a heartbeat over registry firing every interval.
func NewHeartbeat(registry *Registry, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		registry:    registry,
		interval:    interval,
		concurrency: DefaultHeartbeatConcurrency,
		now:         time.Now,
		log:         logrus.WithField("component", "license-heartbeat"),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// SetConcurrency bounds the number of plugins refreshed at once.
func (h *Heartbeat) SetConcurrency(n int) {
	if n > 0 {
		h.concurrency = n
	}
}

// Interval returns the configured interval.
func (h *Heartbeat) Interval() time.Duration {
	return h.interval
}

// LastRun returns when the last beat completed.
func (h *Heartbeat) LastRun() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRun
}

// Start runs the heartbeat in the background until ctx is cancelled or Stop
// is called. It returns immediately.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	if h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	h.log.WithField("interval", h.interval.String()).Info("Starting license heartbeat")

	ticker := time.NewTicker(h.interval)

	go func() {
		defer close(h.doneChan)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.RunOnce(ctx)
			case <-ctx.Done():
				h.log.Debug("License heartbeat stopped by context")
				return
			case <-h.stopChan:
				h.log.Debug("License heartbeat stopped")
				return
			}
		}
	}()
}

// Stop stops a started heartbeat and waits for an in-flight beat to finish.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	running := h.running
	h.running = false
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.stopChan)
	h.mu.Unlock()

	if running {
		<-h.doneChan
	}
}

// RunOnce refreshes every registered plugin and returns the decisions. A
// failed refresh leaves that plugin's cached and grace state untouched.
func (h *Heartbeat) RunOnce(ctx context.Context) map[string]Result {
	slugs := h.registry.Slugs()
	results := make(map[string]Result, len(slugs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for _, slug := range slugs {
		slug := slug
		g.Go(func() error {
			r := h.registry.Register(slug).Refresh(gctx)

			outcome := "verified"
			if !r.Fresh() {
				outcome = "failed"
			}
			monitoring.RecordHeartbeat(outcome)

			mu.Lock()
			results[slug] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	finished := h.now()
	h.mu.Lock()
	h.lastRun = finished
	h.mu.Unlock()
	monitoring.SetHeartbeatLastRun(finished)

	h.log.WithFields(logrus.Fields{
		"plugins": len(slugs),
		"valid":   countValid(results),
	}).Info("License heartbeat completed")

	return results
}

func countValid(results map[string]Result) int {
	n := 0
	for _, r := range results {
		if r.Valid {
			n++
		}
	}
	return n
}
