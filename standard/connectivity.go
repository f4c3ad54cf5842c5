// Package standard provides the default collaborators of the client:
// device detection, delivery statistics and the recent-log side channel.
package standard

import (
	"sort"
	"sync"
	"time"
)

// statsWindow bounds how long delivery attempts are kept.
const statsWindow = time.Hour

// DeliveryAttempt is a single request to a collector.
type DeliveryAttempt struct {
	Timestamp  time.Time
	Success    bool
	Latency    time.Duration
	StatusCode int
	Error      string
}

// collectorLog holds the attempts against one collector URL.
type collectorLog struct {
	url      string
	attempts []DeliveryAttempt
}

// ConnectivityTracker tracks delivery attempts per collector URL.
type ConnectivityTracker struct {
	mu         sync.Mutex
	collectors map[string]*collectorLog
	now        func() time.Time
}

// NewConnectivityTracker creates a new connectivity tracker.
func NewConnectivityTracker() *ConnectivityTracker {
	return &ConnectivityTracker{
		collectors: make(map[string]*collectorLog),
		now:        time.Now,
	}
}

// TrackSuccess records a 2xx response.
func (t *ConnectivityTracker) TrackSuccess(url string, statusCode int, latency time.Duration) {
	t.record(url, DeliveryAttempt{Success: true, StatusCode: statusCode, Latency: latency})
}

// TrackFailure records a failed attempt. statusCode is 0 for transport errors.
func (t *ConnectivityTracker) TrackFailure(url string, statusCode int, latency time.Duration, errorMsg string) {
	t.record(url, DeliveryAttempt{StatusCode: statusCode, Latency: latency, Error: errorMsg})
}

func (t *ConnectivityTracker) record(url string, attempt DeliveryAttempt) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	attempt.Timestamp = t.now().UTC()

	c, ok := t.collectors[url]
	if !ok {
		c = &collectorLog{url: url}
		t.collectors[url] = c
	}
	c.attempts = append(c.attempts, attempt)
	t.prune(c)
}

// prune drops attempts older than statsWindow.
func (t *ConnectivityTracker) prune(c *collectorLog) {
	cutoff := t.now().Add(-statsWindow)
	for i, a := range c.attempts {
		if a.Timestamp.After(cutoff) {
			c.attempts = c.attempts[i:]
			return
		}
	}
	c.attempts = c.attempts[:0]
}

// CollectorStats summarizes delivery to one collector over the last hour.
type CollectorStats struct {
	URL          string        `json:"url"`
	Status       string        `json:"status"`
	LastAttempt  time.Time     `json:"last_attempt"`
	Attempts     int           `json:"attempts_1h"`
	SuccessRate  float64       `json:"success_rate_1h"`
	LatencyP50   time.Duration `json:"latency_p50"`
	LatencyP95   time.Duration `json:"latency_p95"`
	LatencyP99   time.Duration `json:"latency_p99"`
	RecentErrors []string      `json:"recent_errors"`
}

// Snapshot returns per-collector statistics sorted by URL.
func (t *ConnectivityTracker) Snapshot() []CollectorStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]CollectorStats, 0, len(t.collectors))
	for _, c := range t.collectors {
		t.prune(c)
		if len(c.attempts) == 0 {
			continue
		}

		var successes int
		stats := CollectorStats{URL: c.url, RecentErrors: []string{}}
		latencies := make([]time.Duration, 0, len(c.attempts))

		for _, a := range c.attempts {
			if a.Success {
				successes++
			} else if len(stats.RecentErrors) < 5 {
				stats.RecentErrors = append(stats.RecentErrors, a.Error)
			}
			latencies = append(latencies, a.Latency)
			if a.Timestamp.After(stats.LastAttempt) {
				stats.LastAttempt = a.Timestamp
			}
		}

		stats.Attempts = len(c.attempts)
		stats.SuccessRate = float64(successes) / float64(stats.Attempts)

		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		stats.LatencyP50 = percentile(latencies, 0.50)
		stats.LatencyP95 = percentile(latencies, 0.95)
		stats.LatencyP99 = percentile(latencies, 0.99)

		switch {
		case stats.SuccessRate < 0.9:
			stats.Status = "unhealthy"
		case stats.SuccessRate < 0.95:
			stats.Status = "degraded"
		default:
			stats.Status = "healthy"
		}

		out = append(out, stats)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// percentile calculates the percentile of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
