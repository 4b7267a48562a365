package workflow

import (
	"time"

	"github.com/inklight/inklight-backend/internal/pkg/faults"
)

type Action string

const (
	// ActionRetry re-enqueues the same stage immediately.
	ActionRetry Action = "retry"
	// ActionDelayRetry re-enqueues the same stage after a pause.
	ActionDelayRetry Action = "delay-retry"
	// ActionRollback rewinds to the previous stage and re-runs it.
	ActionRollback Action = "rollback"
	// ActionFail terminates the workflow.
	ActionFail Action = "fail"
)

// QuotaRetryDelay is how long a delay-retry waits before re-enqueueing.
const QuotaRetryDelay = 60 * time.Second

// MaxRollbacks caps data-shaped failures: a second rollback in the same
// workflow fails it instead.
const MaxRollbacks = 1

// Route is the failure router: the single place that decides what
// happens after a stage job fails terminally. It is a pure function of
// the error kind, whether the queue already exhausted the per-job
// attempt budget, and how many rollbacks this workflow has done.
//
// The queue owns transient retries inside a job's attempt budget, so by
// the time a retryable kind reaches here it usually arrives with
// attemptsExhausted set and escalates to fail.
func Route(kind faults.Kind, attemptsExhausted bool, rollbacks int) Action {
	switch kind {
	case faults.KindTimeout,
		faults.KindRateLimited,
		faults.KindUpstreamUnavailable,
		faults.KindNetwork,
		faults.KindBackendUnavailable:
		if attemptsExhausted {
			return ActionFail
		}
		return ActionRetry

	case faults.KindQuotaExceeded:
		if attemptsExhausted {
			return ActionFail
		}
		return ActionDelayRetry

	case faults.KindInvalidInput, faults.KindSchemaMismatch:
		if rollbacks >= MaxRollbacks {
			return ActionFail
		}
		return ActionRollback

	case faults.KindNoInput:
		return ActionFail

	default:
		return ActionFail
	}
}
