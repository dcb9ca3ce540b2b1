// Package metrics exposes Prometheus instruments for the protocol clients.
//
// Every method handles a nil receiver, so a nil *Recorder disables metrics
// without checks at the call sites.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "authrelay"

// Recorder holds the registered instruments.
type Recorder struct {
	// LDAPOperations counts completed LDAP operations.
	// Labels: operation, outcome=[success, <failure kind>, error]
	LDAPOperations *prometheus.CounterVec

	// LDAPDuration tracks LDAP operation latency.
	// Labels: operation
	LDAPDuration *prometheus.HistogramVec

	// LDAPConnections counts connection lifecycle events.
	// Labels: event=[opened, lost, upgraded]
	LDAPConnections *prometheus.CounterVec

	// RADIUSAttempts counts datagrams sent, including retransmissions.
	// Labels: server
	RADIUSAttempts *prometheus.CounterVec

	// RADIUSResults counts finished RADIUS requests.
	// Labels: outcome=[accept, reject, retries_exhausted, shutdown, ...]
	RADIUSResults *prometheus.CounterVec

	// RADIUSDuration tracks time from first send to completion.
	RADIUSDuration prometheus.Histogram

	// RADIUSDropped counts responses discarded by validation.
	// Labels: reason=[unknown_source, unknown_id, bad_authenticator, bad_message_authenticator, malformed]
	RADIUSDropped *prometheus.CounterVec
}

// New creates the instruments and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		LDAPOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ldap",
			Name:      "operations_total",
			Help:      "Completed LDAP operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		LDAPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ldap",
			Name:      "operation_duration_seconds",
			Help:      "LDAP operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		LDAPConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ldap",
			Name:      "connection_events_total",
			Help:      "LDAP connection lifecycle events",
		}, []string{"event"}),
		RADIUSAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "radius",
			Name:      "attempts_total",
			Help:      "RADIUS datagrams sent by server, including retransmissions",
		}, []string{"server"}),
		RADIUSResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "radius",
			Name:      "results_total",
			Help:      "Finished RADIUS requests by outcome",
		}, []string{"outcome"}),
		RADIUSDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "radius",
			Name:      "request_duration_seconds",
			Help:      "RADIUS request latency in seconds, retries included",
			Buckets:   prometheus.DefBuckets,
		}),
		RADIUSDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "radius",
			Name:      "dropped_responses_total",
			Help:      "RADIUS responses discarded by validation",
		}, []string{"reason"}),
	}
}

// LDAPOperation records a completed LDAP operation.
func (r *Recorder) LDAPOperation(operation, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.LDAPOperations.WithLabelValues(operation, outcome).Inc()
	r.LDAPDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// LDAPConnection records a connection lifecycle event.
func (r *Recorder) LDAPConnection(event string) {
	if r == nil {
		return
	}
	r.LDAPConnections.WithLabelValues(event).Inc()
}

// RADIUSAttempt records one datagram sent to server.
func (r *Recorder) RADIUSAttempt(server string) {
	if r == nil {
		return
	}
	r.RADIUSAttempts.WithLabelValues(server).Inc()
}

// RADIUSResult records a finished request.
func (r *Recorder) RADIUSResult(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.RADIUSResults.WithLabelValues(outcome).Inc()
	r.RADIUSDuration.Observe(d.Seconds())
}

// RADIUSDrop records a discarded response.
func (r *Recorder) RADIUSDrop(reason string) {
	if r == nil {
		return
	}
	r.RADIUSDropped.WithLabelValues(reason).Inc()
}
