// Package metrics wires the session core to OpenTelemetry instruments.
// It is a thin, named adaptation of the teacher's internal/otel package:
// same instrument-construction idiom, scoped down to the counters and
// histogram this spec's collaborators actually emit (§6 "Metrics sinks").
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Endpoint names the handler a metric observation belongs to. Only
// Execute exists today; the type exists so a second job kind (format,
// build) slots in without reshaping RecordMetric's signature.
type Endpoint string

const EndpointExecute Endpoint = "execute"

// Outcome is the terminal classification of one execute job.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeErrorUser   Outcome = "error_user"
	OutcomeErrorServer Outcome = "error_server"
	OutcomeAbandoned   Outcome = "abandoned"
)

// OutcomeFromSuccess maps a backend's success flag to an Outcome.
func OutcomeFromSuccess(success bool) Outcome {
	if success {
		return OutcomeSuccess
	}
	return OutcomeErrorUser
}

// CoreLabels are the dimensions attached to every execute observation,
// derived from the validated request (§4.5 "core_labels").
type CoreLabels struct {
	Channel   string
	Mode      string
	Edition   string
	CrateType string
	Tests     bool
	Backtrace bool
}

// Sink is the set of instruments the session core and its job drivers
// report against.
type Sink struct {
	liveWS      metric.Int64UpDownCounter
	wsIncoming  metric.Int64Counter
	wsOutgoing  metric.Int64Counter
	durationWS  metric.Float64Histogram
	jobDuration metric.Float64Histogram
}

// New builds a Sink from a meter. Pass a no-op meter (see the teacher's
// otel.Init with Config.Enabled=false) to get zero-overhead instruments in
// tests or when telemetry export is disabled.
func New(meter metric.Meter) (*Sink, error) {
	s := &Sink{}
	var err error

	s.liveWS, err = meter.Int64UpDownCounter("playsession.ws.live",
		metric.WithDescription("Number of currently open websocket sessions"))
	if err != nil {
		return nil, fmt.Errorf("live_ws instrument: %w", err)
	}

	s.wsIncoming, err = meter.Int64Counter("playsession.ws.incoming",
		metric.WithDescription("Inbound websocket frames received"))
	if err != nil {
		return nil, fmt.Errorf("ws_incoming instrument: %w", err)
	}

	s.wsOutgoing, err = meter.Int64Counter("playsession.ws.outgoing",
		metric.WithDescription("Outbound websocket frames sent, labeled by send success"))
	if err != nil {
		return nil, fmt.Errorf("ws_outgoing instrument: %w", err)
	}

	s.durationWS, err = meter.Float64Histogram("playsession.ws.duration",
		metric.WithDescription("Total websocket session lifetime in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("duration_ws instrument: %w", err)
	}

	s.jobDuration, err = meter.Float64Histogram("playsession.job.duration",
		metric.WithDescription("Per-job duration in seconds, labeled by endpoint and outcome"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("job_duration instrument: %w", err)
	}

	return s, nil
}

// LiveWSInc/LiveWSDec track the gauge across the whole connection lifetime,
// including the handshake attempt (§12.1 of SPEC_FULL.md).
func (s *Sink) LiveWSInc(ctx context.Context) { s.liveWS.Add(ctx, 1) }
func (s *Sink) LiveWSDec(ctx context.Context) { s.liveWS.Add(ctx, -1) }

// Incoming records one inbound frame observed by the Session Loop.
func (s *Sink) Incoming(ctx context.Context) { s.wsIncoming.Add(ctx, 1) }

// Outgoing records one outbound frame send attempt, labeled by whether
// the underlying Response carried an error.
func (s *Sink) Outgoing(ctx context.Context, success bool) {
	s.wsOutgoing.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

// SessionDuration observes the total lifetime of one connection.
func (s *Sink) SessionDuration(ctx context.Context, seconds float64) {
	s.durationWS.Record(ctx, seconds)
}

// RecordMetric observes one job's outcome, duration, and core labels
// (§4.5 "Classifying outcomes for metrics", §6 "record_metric").
func (s *Sink) RecordMetric(ctx context.Context, endpoint Endpoint, labels CoreLabels, outcome Outcome, seconds float64) {
	s.jobDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("endpoint", string(endpoint)),
		attribute.String("outcome", string(outcome)),
		attribute.String("channel", labels.Channel),
		attribute.String("mode", labels.Mode),
		attribute.String("edition", labels.Edition),
		attribute.String("crate_type", labels.CrateType),
		attribute.Bool("tests", labels.Tests),
		attribute.Bool("backtrace", labels.Backtrace),
	))
}
