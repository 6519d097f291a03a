// Package services contains the connection manager, query dispatcher, schema
// introspector and health monitor of the database worker.
package services

import (
	"time"
)

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop() time.Duration
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

type noopMetrics struct{}

func (noopMetrics) IncrementCounter(string, ...string)         {}
func (noopMetrics) RecordHistogram(string, float64, ...string) {}
func (noopMetrics) RecordGauge(string, float64, ...string)     {}
func (noopMetrics) StartTimer(string) Timer                    { return noopTimer(time.Now()) }

type noopTimer time.Time

func (t noopTimer) Stop() time.Duration { return time.Since(time.Time(t)) }

func orNoopLogger(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}

func orNoopMetrics(m MetricsCollector) MetricsCollector {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
