package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments shared by the daemons. Every method is safe
// on a nil receiver.
type Metrics struct {
	JobClaims        metric.Int64Counter
	JobDuration      metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	TurnsTotal       metric.Int64Counter
	HeartbeatRuns    metric.Int64Counter
	RelayDeliveries  metric.Int64Counter
	PolicyDenials    metric.Int64Counter
	LockTimeouts     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobClaims, err = meter.Int64Counter("clawforge.job.claims",
		metric.WithDescription("Worker jobs claimed"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("clawforge.job.duration",
		metric.WithDescription("Worker job execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("clawforge.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("clawforge.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("clawforge.orchestrator.turns",
		metric.WithDescription("Model turns executed by the orchestrator loop"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatRuns, err = meter.Int64Counter("clawforge.heartbeat.runs",
		metric.WithDescription("Heartbeat cycles executed"),
	)
	if err != nil {
		return nil, err
	}

	m.RelayDeliveries, err = meter.Int64Counter("clawforge.relay.deliveries",
		metric.WithDescription("Worker results delivered or skipped by the relay"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("clawforge.policy.denials",
		metric.WithDescription("Tool or backend requests denied by policy"),
	)
	if err != nil {
		return nil, err
	}

	m.LockTimeouts, err = meter.Int64Counter("clawforge.lock.timeouts",
		metric.WithDescription("Queue or heartbeat lock acquisitions that timed out"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordClaim(ctx context.Context, workerID string) {
	if m == nil {
		return
	}
	m.JobClaims.Add(ctx, 1, metric.WithAttributes(AttrWorkerID.String(workerID)))
}

func (m *Metrics) RecordJob(ctx context.Context, workerID, backend string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrWorkerID.String(workerID),
		AttrBackend.String(backend),
		attribute.Bool("ok", ok),
	))
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrToolName.String(tool)))
	if !ok {
		m.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool)))
	}
}

func (m *Metrics) RecordTurn(ctx context.Context, identity string) {
	if m == nil {
		return
	}
	m.TurnsTotal.Add(ctx, 1, metric.WithAttributes(AttrIdentity.String(identity)))
}

func (m *Metrics) RecordHeartbeat(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.HeartbeatRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordDelivery(ctx context.Context, detail string) {
	if m == nil {
		return
	}
	m.RelayDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("detail", detail)))
}

func (m *Metrics) RecordDenial(ctx context.Context, identity, reason string) {
	if m == nil {
		return
	}
	m.PolicyDenials.Add(ctx, 1, metric.WithAttributes(
		AttrIdentity.String(identity),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordLockTimeout(ctx context.Context, lock string) {
	if m == nil {
		return
	}
	m.LockTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("lock", lock)))
}
