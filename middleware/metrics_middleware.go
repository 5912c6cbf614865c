package middleware

import (
	"companion-rpc/message"
	"companion-rpc/rpcerr"
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records call counts and latencies per method and outcome.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. subsystem
// is "client" or "server" depending on which side of the call records.
func NewMetrics(reg prometheus.Registerer, subsystem string) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "companion",
				Subsystem: subsystem,
				Name:      "calls_total",
				Help:      "Total number of companion calls by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "companion",
				Subsystem: subsystem,
				Name:      "call_duration_seconds",
				Help:      "Companion call latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"method"},
		),
	}
	for _, c := range []prometheus.Collector{m.calls, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware returns the chain element that feeds m.
func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			m.duration.WithLabelValues(req.ServiceMethod).Observe(time.Since(start).Seconds())
			m.calls.WithLabelValues(req.ServiceMethod, outcome(resp, err)).Inc()
			return resp, err
		}
	}
}

func outcome(resp *message.RPCMessage, err error) string {
	var connErr *rpcerr.ConnectionError
	switch {
	case err == nil && resp != nil && resp.Error != "":
		return "rejected"
	case err == nil:
		return "ok"
	case errors.Is(err, rpcerr.ErrConnectionClosed), errors.As(err, &connErr):
		return "connection"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case rpcerr.IsRemote(err):
		return "rejected"
	}
	return "error"
}
