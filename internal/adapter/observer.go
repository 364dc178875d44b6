package adapter

import (
	"context"
	"time"

	"github.com/Rorqualx/votefleet-go/internal/instance"
	"github.com/Rorqualx/votefleet-go/internal/metrics"
	"github.com/Rorqualx/votefleet-go/internal/stats"
	"github.com/Rorqualx/votefleet-go/internal/types"
	"github.com/Rorqualx/votefleet-go/internal/worker"
)

// ObservedRunner wraps an attempt runner and reports every finished attempt
// to the tracker, Prometheus, and the event stream. The wrapped runner's
// report passes through untouched.
type ObservedRunner struct {
	inner     instance.AttemptRunner
	tracker   *stats.Tracker
	publisher Publisher
}

// NewObservedRunner wires a runner to its observers. publisher may be a
// NopPublisher.
func NewObservedRunner(inner instance.AttemptRunner, tracker *stats.Tracker, publisher Publisher) *ObservedRunner {
	return &ObservedRunner{inner: inner, tracker: tracker, publisher: publisher}
}

// Attempt runs the wrapped attempt and records its outcome.
func (o *ObservedRunner) Attempt(ctx context.Context, req worker.Request) types.AttemptReport {
	report := o.inner.Attempt(ctx, req)

	outcome := report.Outcome
	duration := report.FinishedAt.Sub(report.StartedAt)
	if duration < 0 {
		duration = 0
	}

	o.tracker.Record(outcome.Kind.String(), outcome.IsSuccess(), duration)
	metrics.RecordAttempt(outcome.Kind.String(), outcome.IsSuccess(), duration)

	voteCount := req.VoteCount
	if outcome.IsSuccess() {
		voteCount++
	}
	o.publisher.Publish(OutcomeEvent{
		InstanceID:  req.InstanceID,
		Outcome:     outcome.Kind.String(),
		FailureType: outcome.FailureType(),
		VoteCount:   voteCount,
		Timestamp:   time.Now(),
	})

	return report
}
