package rpc

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics contains atomic call counters of a Client.
type ClientMetrics struct {
	// CallCount indicates the number of calls issued.
	CallCount atomic.Uint64
	// TransportErrCount indicates the number of calls that failed in the transport.
	TransportErrCount atomic.Uint64
	// RemoteErrCount indicates the number of calls answered with success set to false.
	RemoteErrCount atomic.Uint64
}

func (m *ClientMetrics) incCallCount()         { m.CallCount.Add(1) }
func (m *ClientMetrics) incTransportErrCount() { m.TransportErrCount.Add(1) }
func (m *ClientMetrics) incRemoteErrCount()    { m.RemoteErrCount.Add(1) }

// ErrCount returns the number of failed calls of any kind.
func (m *ClientMetrics) ErrCount() uint64 {
	return m.TransportErrCount.Load() + m.RemoteErrCount.Load()
}

// Collectors returns prometheus collectors reading the counters.
func (m *ClientMetrics) Collectors(namespace string) []prometheus.Collector {
	return []prometheus.Collector{
		counterFunc(namespace, "client", "calls_total", "Number of RPC calls issued.", &m.CallCount),
		counterFunc(namespace, "client", "transport_errors_total", "Number of RPC calls failed in the transport.", &m.TransportErrCount),
		counterFunc(namespace, "client", "remote_errors_total", "Number of RPC calls rejected by the server.", &m.RemoteErrCount),
	}
}

// ServerMetrics contains atomic counters of a Server.
type ServerMetrics struct {
	// ConnCount indicates the number of accepted connections.
	ConnCount atomic.Uint64
	// RequestCount indicates the number of messages processed.
	RequestCount atomic.Uint64
	// RequestErrCount indicates the number of messages answered with success set to false.
	RequestErrCount atomic.Uint64
}

func (m *ServerMetrics) incConnCount()       { m.ConnCount.Add(1) }
func (m *ServerMetrics) incRequestCount()    { m.RequestCount.Add(1) }
func (m *ServerMetrics) incRequestErrCount() { m.RequestErrCount.Add(1) }

// Collectors returns prometheus collectors reading the counters.
func (m *ServerMetrics) Collectors(namespace string) []prometheus.Collector {
	return []prometheus.Collector{
		counterFunc(namespace, "server", "connections_total", "Number of accepted connections.", &m.ConnCount),
		counterFunc(namespace, "server", "requests_total", "Number of processed requests.", &m.RequestCount),
		counterFunc(namespace, "server", "request_errors_total", "Number of requests answered with a failure.", &m.RequestErrCount),
	}
}

func counterFunc(namespace, subsystem, name, help string, v *atomic.Uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) })
}
