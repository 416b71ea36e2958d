// Package prometheus implements the supervisor's metrics interfaces with
// Prometheus collectors.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardvisor/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for call latency (in seconds). Calls may wait
// on bot logic for a while, so the range extends to a minute.
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60,
}

func boolToStr(b bool) string { return strconv.FormatBool(b) }

func clusterLabel(id int) string { return strconv.Itoa(id) }
