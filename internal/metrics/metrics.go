// Package metrics defines the recorder interface the rest of the server
// reports into, a Prometheus-backed implementation, and a no-op for tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Recorder receives operational events. Components hold the interface, not
// the Prometheus types, so tests can drop in a no-op or a fake.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRejected(reason string)
	MessageReceived(msgType string)
	MessageSent(msgType string)
	ExecutionStarted()
	ExecutionFinished(status string, elapsed time.Duration)
	SubscriberEvicted()
	SetProjects(n int)
}

// Prometheus implements Recorder on a private registry, keeping the
// /metrics surface limited to what the server registers itself.
type Prometheus struct {
	registry *prometheus.Registry

	connectionsOpen     prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	executionsActive    prometheus.Gauge
	executionsTotal     *prometheus.CounterVec
	executionSeconds    prometheus.Histogram
	subscriberEvictions prometheus.Counter
	projects            prometheus.Gauge
}

const namespace = "tethr"

// NewPrometheus builds the recorder together with its registry, including
// the standard Go and process collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Currently open client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client connections accepted since start.",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connection upgrades refused, by reason.",
		}, []string{"reason"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound client messages, by type.",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound server messages, by type.",
		}, []string{"type"}),
		executionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_active",
			Help:      "Agent executions currently running.",
		}),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished agent executions, by status.",
		}, []string{"status"}),
		executionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Agent execution wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		subscriberEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_evictions_total",
			Help:      "Subscribers dropped for not draining their queue.",
		}),
		projects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projects",
			Help:      "Live projects in the registry.",
		}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.connectionsOpen,
		p.connectionsTotal,
		p.connectionsRejected,
		p.messagesReceived,
		p.messagesSent,
		p.executionsActive,
		p.executionsTotal,
		p.executionSeconds,
		p.subscriberEvictions,
		p.projects,
	)
	return p
}

// Registry exposes the private registry for the /metrics handler.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) ConnectionOpened() {
	p.connectionsOpen.Inc()
	p.connectionsTotal.Inc()
}

func (p *Prometheus) ConnectionClosed() {
	p.connectionsOpen.Dec()
}

func (p *Prometheus) ConnectionRejected(reason string) {
	p.connectionsRejected.WithLabelValues(reason).Inc()
}

func (p *Prometheus) MessageReceived(msgType string) {
	p.messagesReceived.WithLabelValues(msgType).Inc()
}

func (p *Prometheus) MessageSent(msgType string) {
	p.messagesSent.WithLabelValues(msgType).Inc()
}

func (p *Prometheus) ExecutionStarted() {
	p.executionsActive.Inc()
}

func (p *Prometheus) ExecutionFinished(status string, elapsed time.Duration) {
	p.executionsActive.Dec()
	p.executionsTotal.WithLabelValues(status).Inc()
	p.executionSeconds.Observe(elapsed.Seconds())
}

func (p *Prometheus) SubscriberEvicted() {
	p.subscriberEvictions.Inc()
}

func (p *Prometheus) SetProjects(n int) {
	p.projects.Set(float64(n))
}

var _ Recorder = (*Prometheus)(nil)

// Nop discards every event.
type Nop struct{}

func (Nop) ConnectionOpened()                       {}
func (Nop) ConnectionClosed()                       {}
func (Nop) ConnectionRejected(string)               {}
func (Nop) MessageReceived(string)                  {}
func (Nop) MessageSent(string)                      {}
func (Nop) ExecutionStarted()                       {}
func (Nop) ExecutionFinished(string, time.Duration) {}
func (Nop) SubscriberEvicted()                      {}
func (Nop) SetProjects(int)                         {}

var _ Recorder = Nop{}
