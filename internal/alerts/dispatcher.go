package alerts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/compliance-ledger/backend/internal/metrics"
	"github.com/compliance-ledger/backend/pkg/circuitbreaker"
	"github.com/compliance-ledger/backend/pkg/logger"
	"github.com/compliance-ledger/backend/pkg/retry"
)

// Sink delivers one alert to an external channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

type guardedSink struct {
	sink Sink
	cb   *circuitbreaker.CircuitBreaker
}

// Dispatcher fans alerts out to every sink. Delivery is best-effort: failures
// are logged and counted, never returned to the caller.
type Dispatcher struct {
	sinks       []guardedSink
	retryConfig retry.Config
	timeout     time.Duration
}

func NewDispatcher(sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
		timeout: 5 * time.Second,
	}
	for _, s := range sinks {
		d.Add(s)
	}
	return d
}

func (d *Dispatcher) Add(s Sink) {
	cb := circuitbreaker.NewCircuitBreaker("alerts."+s.Name(), circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OnStateChange:    metrics.ObserveGuard,
		Logger:           logger.GetLogger(),
	})
	d.sinks = append(d.sinks, guardedSink{sink: s, cb: cb})
}

// WithRetry overrides the per-sink retry policy.
func (d *Dispatcher) WithRetry(cfg retry.Config) *Dispatcher {
	d.retryConfig = cfg
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, alerts ...Alert) {
	for _, a := range alerts {
		for _, gs := range d.sinks {
			d.deliver(ctx, gs, a)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, gs guardedSink, a Alert) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := gs.cb.Execute(ctx, func() error {
		return retry.Do(ctx, d.retryConfig, func() error {
			return gs.sink.Send(ctx, a)
		})
	})
	if err != nil {
		metrics.AlertsDispatched.WithLabelValues(gs.sink.Name(), "failed").Inc()
		logger.Warn("Alert delivery failed",
			zap.String("sink", gs.sink.Name()),
			zap.String("alert_id", a.ID),
			zap.String("kind", string(a.Kind)),
			zap.Error(err),
		)
		return
	}
	metrics.AlertsDispatched.WithLabelValues(gs.sink.Name(), "sent").Inc()
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, a Alert) error {
	s.log.Warn("Compliance alert",
		zap.String("alert_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("severity", a.Severity),
		zap.String("project_id", a.ProjectID),
		zap.Int64("event_id", a.EventID),
		zap.String("title", a.Title),
	)
	return nil
}
