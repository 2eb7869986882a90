package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Collector records engine events into Metrics and refreshes the gauges
// that are sampled rather than event driven. A nil *Collector is valid and
// records nothing, so components can run without metrics.
type Collector struct {
	metrics   *Metrics
	sessions  func() int
	startTime time.Time
	interval  time.Duration
	ticker    *time.Ticker
	done      chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewCollector creates a new metrics collector. sessions reports the
// number of live sessions and may be nil.
func NewCollector(metrics *Metrics, sessions func() int) *Collector {
	return &Collector{
		metrics:   metrics,
		sessions:  sessions,
		startTime: time.Now(),
		interval:  15 * time.Second,
	}
}

// Metrics returns the underlying metric set.
func (c *Collector) Metrics() *Metrics {
	if c == nil {
		return nil
	}
	return c.metrics
}

// Start starts the periodic sampling loop.
func (c *Collector) Start() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.interval)

	go c.collectLoop(c.ticker, c.done)
}

// Stop stops the sampling loop.
func (c *Collector) Stop() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

func (c *Collector) collectLoop(ticker *time.Ticker, done chan struct{}) {
	c.collect()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.metrics.Uptime.Set(time.Since(c.startTime).Seconds())
	c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))
	if c.sessions != nil {
		c.metrics.SessionsActive.Set(float64(c.sessions()))
	}
}

// RecordSessionStart records the outcome of a start request
// ("started", "already_running", "spawn_failed", "stopped").
func (c *Collector) RecordSessionStart(result string) {
	if c == nil {
		return
	}
	c.metrics.SessionStarts.WithLabelValues(result).Inc()
	if result == "started" {
		c.metrics.SessionsActive.Inc()
	}
}

// RecordTransition records a session moving to status.
func (c *Collector) RecordTransition(status string) {
	if c == nil {
		return
	}
	c.metrics.SessionTransitions.WithLabelValues(status).Inc()
}

// RecordSessionEnd records a session leaving the registry.
func (c *Collector) RecordSessionEnd(finalStatus string, lifetime time.Duration) {
	if c == nil {
		return
	}
	c.metrics.SessionsActive.Dec()
	c.metrics.SessionDuration.WithLabelValues(finalStatus).Observe(lifetime.Seconds())
}

// RecordLogLine counts a consumed subprocess output line.
func (c *Collector) RecordLogLine() {
	if c == nil {
		return
	}
	c.metrics.LogLines.Inc()
}

// RecordAdapters records the latest adapter counts.
func (c *Collector) RecordAdapters(used, available int) {
	if c == nil {
		return
	}
	c.metrics.AdaptersUsed.Set(float64(used))
	c.metrics.AdaptersAvailable.Set(float64(available))
}

// RecordAdapterRefreshError counts a failed adapter enumeration.
func (c *Collector) RecordAdapterRefreshError() {
	if c == nil {
		return
	}
	c.metrics.AdapterRefreshErrors.Inc()
}

// RecordNetworkReset counts a reset run and its failed steps.
func (c *Collector) RecordNetworkReset(failedCommands []string) {
	if c == nil {
		return
	}
	c.metrics.NetworkResets.Inc()
	for _, cmd := range failedCommands {
		c.metrics.NetworkResetFailures.WithLabelValues(cmd).Inc()
	}
}
