// Package metrics provides metrics collection for the database worker.
package metrics

import (
	"time"
)

// Namespace prefixes every exported metric.
const Namespace = "sluice"

// Metric names, without the namespace.
const (
	QueriesTotal        = "queries_total"
	QueryDuration       = "query_duration_seconds"
	QueryRows           = "query_rows"
	QueriesInFlight     = "queries_in_flight"
	HealthProbeLatency  = "health_probe_latency_seconds"
	ReconnectAttempts   = "reconnect_attempts_total"
	ConnectionState     = "connection_state"
	SchemaFetchDuration = "schema_fetch_duration_seconds"
	PoolAcquire         = "pool_acquire_seconds"
	RequestsTotal       = "requests_total"
)

// Collector records worker metrics. Labels are passed as alternating
// key/value pairs; a trailing key without a value is ignored.
type Collector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer measures one duration. Stop reports it in seconds.
type Timer interface {
	Stop() float64
}

// NoOpCollector discards every observation. Timers still measure elapsed
// time so callers can log durations with metrics disabled.
type NoOpCollector struct{}

// NewNoOpCollector returns a Collector that records nothing.
func NewNoOpCollector() Collector { return NoOpCollector{} }

func (NoOpCollector) IncrementCounter(string, ...string)         {}
func (NoOpCollector) RecordHistogram(string, float64, ...string) {}
func (NoOpCollector) RecordGauge(string, float64, ...string)     {}
func (NoOpCollector) StartTimer(string) Timer                    { return elapsedTimer(time.Now()) }

type elapsedTimer time.Time

func (t elapsedTimer) Stop() float64 { return time.Since(time.Time(t)).Seconds() }
