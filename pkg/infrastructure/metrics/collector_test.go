package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOpCollector(t *testing.T) {
	c := NewNoOpCollector()
	assert.NotPanics(t, func() {
		c.IncrementCounter(QueriesTotal, "status", "ok", "access", "read")
		c.RecordHistogram(QueryDuration, 0.25, "access", "read")
		c.RecordGauge(ConnectionState, 2)
		c.IncrementCounter(ReconnectAttempts, "dangling")
	})

	timer := c.StartTimer(PoolAcquire)
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed, 0.005)
	assert.Less(t, elapsed, 1.0)
}
