package observe

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements Observer by translating events into
// Prometheus series, namespaced "nodestream_":
//
//  1. queue_depth (gauge, labels run_id/node_id): items buffered in a pipe.
//  2. item_wait_ms (histogram, labels run_id/node_id): time an item spent
//     queued before a node picked it up.
//  3. items_total (counter, labels run_id/node_id/direction): items
//     consumed/emitted per node (direction: in, out).
//  4. retries_total (counter, labels run_id/node_id): retry attempts.
//  5. dropped_total (counter, labels run_id/node_id): items discarded by a
//     pipe's drop policy.
//  6. deadletter_total (counter, labels run_id/node_id): items routed to a
//     deadletter sink after exhausting retries.
//  7. circuit_transitions_total (counter, labels run_id/node_id/state):
//     circuit breaker transitions into closed/open/half_open.
type PrometheusMetrics struct {
	queueDepth   *prometheus.GaugeVec
	itemWait     *prometheus.HistogramVec
	items        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	deadletter   *prometheus.CounterVec
	circuitTrans *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers all series with registry. A nil registry
// uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nodestream",
			Name:      "queue_depth",
			Help:      "Items currently buffered in a node's input pipe",
		}, []string{"run_id", "node_id"}),
		itemWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nodestream",
			Name:      "item_wait_ms",
			Help:      "Time an item spent queued before a node consumed it, in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"run_id", "node_id"}),
		items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodestream",
			Name:      "items_total",
			Help:      "Items consumed or emitted by a node",
		}, []string{"run_id", "node_id", "direction"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodestream",
			Name:      "retries_total",
			Help:      "Retry attempts across node invocations",
		}, []string{"run_id", "node_id"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodestream",
			Name:      "dropped_total",
			Help:      "Items discarded by a pipe's backpressure drop policy",
		}, []string{"run_id", "node_id"}),
		deadletter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodestream",
			Name:      "deadletter_total",
			Help:      "Items routed to a deadletter sink after exhausting retries",
		}, []string{"run_id", "node_id"}),
		circuitTrans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodestream",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"run_id", "node_id", "state"}),
	}
}

// Emit implements Observer, routing each event's Msg to the matching series.
func (pm *PrometheusMetrics) Emit(event Event) {
	pm.mu.RLock()
	enabled := pm.enabled
	pm.mu.RUnlock()
	if !enabled {
		return
	}

	switch event.Msg {
	case "item_consumed":
		pm.items.WithLabelValues(event.RunID, event.NodeID, "in").Inc()
		if waitMs, ok := event.Meta["wait_ms"].(float64); ok {
			pm.itemWait.WithLabelValues(event.RunID, event.NodeID).Observe(waitMs)
		}
	case "item_emitted":
		pm.items.WithLabelValues(event.RunID, event.NodeID, "out").Inc()
	case "retry":
		pm.retries.WithLabelValues(event.RunID, event.NodeID).Inc()
	case "item_dropped":
		n := 1.0
		switch v := event.Meta["count"].(type) {
		case int64:
			n = float64(v)
		case int:
			n = float64(v)
		}
		pm.dropped.WithLabelValues(event.RunID, event.NodeID).Add(n)
	case "deadletter":
		pm.deadletter.WithLabelValues(event.RunID, event.NodeID).Inc()
	case "circuit_open":
		pm.circuitTrans.WithLabelValues(event.RunID, event.NodeID, "open").Inc()
	case "circuit_close":
		pm.circuitTrans.WithLabelValues(event.RunID, event.NodeID, "closed").Inc()
	case "circuit_half_open":
		pm.circuitTrans.WithLabelValues(event.RunID, event.NodeID, "half_open").Inc()
	}

	if depth, ok := event.Meta["queue_depth"].(int); ok {
		pm.queueDepth.WithLabelValues(event.RunID, event.NodeID).Set(float64(depth))
	}
}

// EmitBatch implements Observer.
func (pm *PrometheusMetrics) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		pm.Emit(event)
	}
	return nil
}

// Flush implements Observer; Prometheus series are updated synchronously so
// there is nothing to flush.
func (pm *PrometheusMetrics) Flush(context.Context) error { return nil }

// RecordItemWait is a convenience for callers timing consumption directly
// rather than through an Event (e.g. the parallel engine's hot path).
func (pm *PrometheusMetrics) RecordItemWait(runID, nodeID string, wait time.Duration) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if !pm.enabled {
		return
	}
	pm.itemWait.WithLabelValues(runID, nodeID).Observe(float64(wait.Milliseconds()))
}

// Disable suppresses all recording; useful in tests asserting on call counts
// elsewhere without polluting a shared registry.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
