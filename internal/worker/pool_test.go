package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/inklight/inklight-backend/internal/domain"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/executor"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
	"github.com/inklight/inklight-backend/internal/queue"
	"github.com/inklight/inklight-backend/internal/queue/queuetest"
)

type fakeExec struct {
	typ string
	fn  func(ctx context.Context, req *executor.Request) (*executor.Result, error)
}

func (f *fakeExec) Type() string { return f.typ }

func (f *fakeExec) Execute(ctx context.Context, req *executor.Request) (*executor.Result, error) {
	return f.fn(ctx, req)
}

func poolFixture(t *testing.T, jobType string, fn func(ctx context.Context, req *executor.Request) (*executor.Result, error)) (*Pool, *queue.Service, *queuetest.MemJobRepo) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	repo := queuetest.NewMemJobRepo()
	q := queue.NewService(repo, queue.Config{}, log)
	reg := executor.NewRegistry()
	reg.Register(&fakeExec{typ: jobType, fn: fn})
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	return NewPool(q, reg, cfg, log), q, repo
}

func enqueueAndLease(t *testing.T, q *queue.Service, jobType, workerID string) *types.Job {
	t.Helper()
	payload, _ := json.Marshal(executor.Payload{
		WorkflowID: uuid.New(),
		ProjectID:  uuid.New(),
		UserID:     uuid.New(),
	})
	if _, err := q.Enqueue(context.Background(), uuid.New(), jobType, payload, queue.EnqueueOpts{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Lease(context.Background(), []string{jobType}, workerID)
	if err != nil || job == nil {
		t.Fatalf("lease: %v %v", job, err)
	}
	return job
}

func TestProcessCompletesJob(t *testing.T) {
	p, q, _ := poolFixture(t, domjobs.TypeVerify, func(_ context.Context, _ *executor.Request) (*executor.Result, error) {
		return &executor.Result{Data: json.RawMessage(`{"image_count":3}`)}, nil
	})
	job := enqueueAndLease(t, q, domjobs.TypeVerify, "w1")

	p.process(context.Background(), job, "w1", p.log)

	row, err := q.Status(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if row.State != domjobs.StateCompleted {
		t.Fatalf("expected completed, got %s", row.State)
	}
	if row.Progress != 100 {
		t.Fatalf("completed job should report 100%%, got %d", row.Progress)
	}
	if string(row.Result) != `{"image_count":3}` {
		t.Fatalf("result not recorded: %s", row.Result)
	}
}

func TestProcessRetryableFailureDelays(t *testing.T) {
	p, q, _ := poolFixture(t, domjobs.TypeOCR, func(_ context.Context, _ *executor.Request) (*executor.Result, error) {
		return nil, faults.Newf(faults.KindUpstreamUnavailable, "vision api 503")
	})
	job := enqueueAndLease(t, q, domjobs.TypeOCR, "w1")

	p.process(context.Background(), job, "w1", p.log)

	row, _ := q.Status(context.Background(), job.ID)
	if row.State != domjobs.StateDelayed {
		t.Fatalf("expected delayed retry, got %s", row.State)
	}
	if row.ErrorKind != string(faults.KindUpstreamUnavailable) {
		t.Fatalf("error kind not recorded: %q", row.ErrorKind)
	}
}

func TestProcessPanicFailsTerminally(t *testing.T) {
	p, q, _ := poolFixture(t, domjobs.TypeClean, func(_ context.Context, _ *executor.Request) (*executor.Result, error) {
		panic("boom")
	})
	job := enqueueAndLease(t, q, domjobs.TypeClean, "w1")

	p.process(context.Background(), job, "w1", p.log)

	row, _ := q.Status(context.Background(), job.ID)
	if row.State != domjobs.StateFailed {
		t.Fatalf("panic should fail the job, got %s", row.State)
	}
	if row.ErrorKind != string(faults.KindInternal) {
		t.Fatalf("panic should be internal, got %q", row.ErrorKind)
	}
}

func TestProcessTimeoutIsRetryable(t *testing.T) {
	p, q, _ := poolFixture(t, domjobs.TypeSummary, func(ctx context.Context, _ *executor.Request) (*executor.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p.cfg.Timeout[domjobs.TypeSummary] = 30 * time.Millisecond
	job := enqueueAndLease(t, q, domjobs.TypeSummary, "w1")

	p.process(context.Background(), job, "w1", p.log)

	row, _ := q.Status(context.Background(), job.ID)
	if row.State != domjobs.StateDelayed {
		t.Fatalf("timeout should schedule a retry, got %s", row.State)
	}
	if row.ErrorKind != string(faults.KindTimeout) {
		t.Fatalf("expected timeout kind, got %q", row.ErrorKind)
	}
}

func TestProcessObservesCancelOnHeartbeat(t *testing.T) {
	p, q, _ := poolFixture(t, domjobs.TypeCluster, func(ctx context.Context, _ *executor.Request) (*executor.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	job := enqueueAndLease(t, q, domjobs.TypeCluster, "w1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.process(context.Background(), job, "w1", p.log)
	}()

	if _, err := q.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not observe cancel")
	}
	row, _ := q.Status(context.Background(), job.ID)
	if row.State != domjobs.StateCancelled {
		t.Fatalf("expected cancelled, got %s", row.State)
	}
}

func TestStartStopDrains(t *testing.T) {
	completed := make(chan struct{}, 1)
	p, q, _ := poolFixture(t, domjobs.TypeExport, func(_ context.Context, _ *executor.Request) (*executor.Result, error) {
		select {
		case completed <- struct{}{}:
		default:
		}
		return &executor.Result{Data: json.RawMessage(`{}`)}, nil
	})

	payload, _ := json.Marshal(executor.Payload{
		WorkflowID: uuid.New(),
		ProjectID:  uuid.New(),
		UserID:     uuid.New(),
	})
	if _, err := q.Enqueue(context.Background(), uuid.New(), domjobs.TypeExport, payload, queue.EnqueueOpts{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p.Start(context.Background())
	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("pool never picked up the job")
	}
	p.Stop()
}
