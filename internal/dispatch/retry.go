package dispatch

import (
	"errors"
	"fmt"
	"time"

	"intelligence-coordinator/internal/models"
)

// ErrIllegalTransition means a reported outcome asked for a lifecycle
// transition the state machine does not allow (e.g. a result for an
// intelligence that was never dispatched).
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// Classification is the outcome of accounting one report: either the record
// goes back into rotation (retry) or it is terminal and must be archived.
type Classification struct {
	Terminal bool
	Record   *models.Intelligence
}

// RetryAccountant classifies reported outcomes and maintains failure
// accounting. Each classification is pure and per-item: a batch report is N
// independent classifications, order-independent, never one transaction.
type RetryAccountant struct {
	// MaxFailures is the retry budget. A failing item is re-queued while
	// failures_number < MaxFailures and forced terminal once the counter
	// exceeds it.
	MaxFailures int
}

// Classify applies one outcome report to the active record and returns the
// mutated copy. The input record is not modified.
//
// A non-finished outcome within the retry budget increments failures_number,
// records the attempt and the reported reason, and returns the item to
// CONFIGURED for re-dispatch. Otherwise the record is stamped terminal:
// FINISHED (failure reason cleared) when the producer reported success,
// FAILED (one final increment, reason retained) when the budget is spent.
func (a *RetryAccountant) Classify(rec *models.Intelligence, report *models.OutcomeReport, now time.Time) (Classification, error) {
	if report.State != models.StateFinished && report.State != models.StateFailed {
		return Classification{}, fmt.Errorf("outcome state %q: %w", report.State, ErrIllegalTransition)
	}

	out := *rec
	out.ModifiedAt = now
	out.AssignedProducer = attemptFor(rec, report, now)

	if report.State != models.StateFinished && rec.FailuresNumber < a.MaxFailures {
		if !models.CanTransition(rec.State, models.StateConfigured) {
			return Classification{}, transitionErr(rec, models.StateConfigured)
		}
		out.State = models.StateConfigured
		out.FailuresNumber++
		if report.FailuresReason != "" {
			out.FailuresReason = report.FailuresReason
		}
		return Classification{Terminal: false, Record: &out}, nil
	}

	if report.State == models.StateFinished {
		if !models.CanTransition(rec.State, models.StateFinished) {
			return Classification{}, transitionErr(rec, models.StateFinished)
		}
		out.State = models.StateFinished
		out.FailuresReason = ""
		return Classification{Terminal: true, Record: &out}, nil
	}

	if !models.CanTransition(rec.State, models.StateFailed) {
		return Classification{}, transitionErr(rec, models.StateFailed)
	}
	out.State = models.StateFailed
	out.FailuresNumber++
	if report.FailuresReason != "" {
		out.FailuresReason = report.FailuresReason
	}
	return Classification{Terminal: true, Record: &out}, nil
}

// attemptFor stamps the reporting producer's attempt metadata, preserving
// the dispatch-time started_at when the same producer is reporting back.
func attemptFor(rec *models.Intelligence, report *models.OutcomeReport, now time.Time) *models.ProducerAttempt {
	attempt := &models.ProducerAttempt{
		GlobalID: report.ProducerGlobalID,
		Type:     report.ProducerType,
	}
	if prev := rec.AssignedProducer; prev != nil && prev.GlobalID == report.ProducerGlobalID {
		attempt.StartedAt = prev.StartedAt
		if attempt.Type == "" {
			attempt.Type = prev.Type
		}
	}
	ended := now
	attempt.EndedAt = &ended
	return attempt
}

func transitionErr(rec *models.Intelligence, to models.State) error {
	return fmt.Errorf("intelligence %s: %s -> %s: %w",
		rec.GlobalID, rec.State, to, ErrIllegalTransition)
}
