package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures an RPC round trip.
type Timer struct {
	start   time.Time
	metrics *Metrics
	method  string
}

// NewTimer starts timing an RPC call. A nil metrics collector yields a
// timer whose Stop is a no-op.
func NewTimer(metrics *Metrics, method string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		method:  method,
	}
}

// Stop records the duration under the given outcome.
func (t *Timer) Stop(outcome string) {
	if t.metrics == nil {
		return
	}
	t.metrics.RecordRPC(t.method, outcome, time.Since(t.start))
}
