// Package execjob implements the Execute Job Driver: it turns one parsed
// request into the begin/stdout*/stderr*/end response sequence (§5), racing
// the backend's three concurrent streams the way the teacher's gateway.go
// races a job's result channel against its stdout/stderr pumps, and folding
// stdcopy-style "there is no more to read right now" draining from
// internal/tools/docker.go into a final non-blocking sweep.
package execjob

import (
	"context"
	"time"

	"github.com/basket/play-session/internal/metrics"
	"github.com/basket/play-session/internal/sandbox"
	"github.com/basket/play-session/internal/wsproto"
)

// Outcome is how the driver finished: it ran the sequence to completion
// (possibly ending in a user or server error), it was cancelled by a newer
// job of the same kind or session teardown, or the response channel closed
// underneath it and the rest of the job was abandoned.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeAbandoned
)

// Result is what the driver reports back to the session loop, for logging
// and for the §4.4 "abandon the whole connection" escalation on Abandoned.
type Result struct {
	Outcome       Outcome
	MetricOutcome metrics.Outcome
}

// Enqueue delivers one response onto the session's Response Channel. It
// returns false when the channel is gone (closed/receiver dropped), the
// driver's cue to abandon rather than keep streaming into nothing.
type Enqueue func(wsproto.Response) bool

// Handle validates wire, starts it on backend, and drives the response
// sequence through to ExecuteEnd (or abandonment). meta is echoed back
// unchanged on every response it emits (§4.2/§14 "meta echo").
func Handle(ctx context.Context, backend sandbox.Backend, wire wsproto.ExecuteRequestWire, meta wsproto.Meta, enqueue Enqueue, sink *metrics.Sink) Result {
	start := time.Now()

	validated, err := wsproto.Validate(wire)
	if err != nil {
		// Server-originated error envelopes use the sentinel meta, not the
		// client's (§9 "Meta passing"): only Begin/stdout/stderr/End echo it.
		if !enqueue(wsproto.ErrorResponse{ErrorText: err.Error(), MetaVal: wsproto.ServerMeta()}) {
			return abandon(ctx, sink, metrics.CoreLabels{}, start)
		}
		return Result{Outcome: OutcomeCompleted, MetricOutcome: metrics.OutcomeErrorUser}
	}

	return run(ctx, backend, validated, meta, enqueue, sink, start)
}

func run(ctx context.Context, backend sandbox.Backend, req wsproto.ValidatedExecuteRequest, meta wsproto.Meta, enqueue Enqueue, sink *metrics.Sink, start time.Time) Result {
	labels := req.LabelsCore()
	coreLabels := metrics.CoreLabels{
		Channel:   string(labels.Channel),
		Mode:      string(labels.Mode),
		Edition:   string(labels.Edition),
		CrateType: string(labels.CrateType),
		Tests:     labels.Tests,
		Backtrace: labels.Backtrace,
	}

	active, err := backend.BeginExecute(ctx, req)
	if err != nil {
		if !enqueue(wsproto.ErrorResponse{ErrorText: err.Error(), MetaVal: wsproto.ServerMeta()}) {
			return abandon(ctx, sink, coreLabels, start)
		}
		return record(ctx, sink, coreLabels, metrics.OutcomeErrorServer, start)
	}

	if !enqueue(wsproto.ExecuteBeginResponse{MetaVal: meta}) {
		return abandon(ctx, sink, coreLabels, start)
	}

	stdout, stderr := active.Stdout, active.Stderr
	var final *sandbox.Status

drive:
	for {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			if !enqueue(wsproto.ExecuteStdoutResponse{Text: line, MetaVal: meta}) {
				return abandon(ctx, sink, coreLabels, start)
			}
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			if !enqueue(wsproto.ExecuteStderrResponse{Text: line, MetaVal: meta}) {
				return abandon(ctx, sink, coreLabels, start)
			}
		case status, ok := <-active.Done:
			if ok {
				final = &status
			}
			break drive
		case <-ctx.Done():
			// Preempted or session teardown: the job is dropped without an
			// ExecuteEnd and without a metric observation, the same way the
			// original drops an aborted future before record_metric.
			return Result{Outcome: OutcomeCancelled}
		}
	}

	if !drainRemaining(stdout, stderr, enqueue, meta) {
		return abandon(ctx, sink, coreLabels, start)
	}

	success := final != nil && final.Success
	exitDetail := ""
	if final != nil {
		exitDetail = final.ExitDetail
	}
	if !enqueue(wsproto.ExecuteEndResponse{Success: success, ExitDetail: exitDetail, MetaVal: meta}) {
		return abandon(ctx, sink, coreLabels, start)
	}

	return record(ctx, sink, coreLabels, metrics.OutcomeFromSuccess(success), start)
}

// drainRemaining sweeps whatever stdout/stderr chunks are already buffered
// without waiting for more, the Go equivalent of racing a future against
// now_or_never(): once the task has completed there is a bounded amount of
// already-produced output left to flush, and no reason to block for it.
func drainRemaining(stdout, stderr <-chan string, enqueue Enqueue, meta wsproto.Meta) bool {
	for {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			if !enqueue(wsproto.ExecuteStdoutResponse{Text: line, MetaVal: meta}) {
				return false
			}
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			if !enqueue(wsproto.ExecuteStderrResponse{Text: line, MetaVal: meta}) {
				return false
			}
		default:
			return true
		}
	}
}

func record(ctx context.Context, sink *metrics.Sink, labels metrics.CoreLabels, outcome metrics.Outcome, start time.Time) Result {
	sink.RecordMetric(ctx, metrics.EndpointExecute, labels, outcome, time.Since(start).Seconds())
	return Result{Outcome: OutcomeCompleted, MetricOutcome: outcome}
}

func abandon(ctx context.Context, sink *metrics.Sink, labels metrics.CoreLabels, start time.Time) Result {
	sink.RecordMetric(ctx, metrics.EndpointExecute, labels, metrics.OutcomeAbandoned, time.Since(start).Seconds())
	return Result{Outcome: OutcomeAbandoned, MetricOutcome: metrics.OutcomeAbandoned}
}
