package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/inklight/inklight-backend/internal/data/repos/testutil"
	domjobs "github.com/inklight/inklight-backend/internal/domain/jobs"
	"github.com/inklight/inklight-backend/internal/pkg/dbctx"
)

func TestLeaseNextOrdersByPriorityThenAge(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	repo := NewJobRepo(db, log)
	wf := uuid.New()

	low := testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeOCR, 0)
	_ = low
	high := testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeOCR, 5)

	got, err := repo.LeaseNext(dbc, []string{domjobs.TypeOCR}, "w1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got == nil || got.ID != high.ID {
		t.Fatalf("expected high-priority job first, got %+v", got)
	}
	if got.State != domjobs.StateActive || got.WorkerID != "w1" {
		t.Fatalf("lease did not mark job active for worker: %+v", got)
	}
	if got.Attempts != 1 {
		t.Fatalf("first lease should charge one attempt, got %d", got.Attempts)
	}
}

func TestLeaseNextSkipsOtherTypesAndFutureDelays(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	repo := NewJobRepo(db, log)
	wf := uuid.New()

	delayed := testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeClean, 0)
	future := time.Now().Add(time.Hour)
	if err := tx.Model(delayed).Updates(map[string]interface{}{
		"state":       domjobs.StateDelayed,
		"delay_until": future,
	}).Error; err != nil {
		t.Fatalf("stage delayed job: %v", err)
	}
	testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeExport, 0)

	got, err := repo.LeaseNext(dbc, []string{domjobs.TypeClean}, "w1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no leasable job, got %+v", got)
	}
}

func TestLeaseNextRedeliversExpiredLeaseWithoutAttemptCharge(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	repo := NewJobRepo(db, log)
	wf := uuid.New()
	job := testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeVerify, 0)

	expired := time.Now().Add(-time.Minute)
	if err := tx.Model(job).Updates(map[string]interface{}{
		"state":            domjobs.StateActive,
		"worker_id":        "w-dead",
		"attempts":         1,
		"lease_expires_at": expired,
	}).Error; err != nil {
		t.Fatalf("stage expired lease: %v", err)
	}

	got, err := repo.LeaseNext(dbc, []string{domjobs.TypeVerify}, "w2", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if got == nil || got.ID != job.ID {
		t.Fatalf("expected expired job redelivered, got %+v", got)
	}
	if got.WorkerID != "w2" {
		t.Fatalf("expected new owner w2, got %q", got.WorkerID)
	}
	if got.Attempts != 1 {
		t.Fatalf("redelivery must not charge an attempt, got %d", got.Attempts)
	}
}

func TestHeartbeatStaleAfterRedelivery(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	repo := NewJobRepo(db, log)
	wf := uuid.New()
	job := testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeOCR, 0)

	first, err := repo.LeaseNext(dbc, []string{domjobs.TypeOCR}, "w1", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("lease: %v %v", first, err)
	}

	// Simulate w1's lease expiring and w2 picking the job up.
	expired := time.Now().Add(-time.Minute)
	if err := tx.Model(job).Update("lease_expires_at", expired).Error; err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	second, err := repo.LeaseNext(dbc, []string{domjobs.TypeOCR}, "w2", time.Minute)
	if err != nil || second == nil {
		t.Fatalf("release: %v %v", second, err)
	}

	p := 40
	row, err := repo.Heartbeat(dbc, job.ID, "w1", &p, time.Minute)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if row != nil {
		t.Fatalf("stale worker heartbeat must miss, got %+v", row)
	}

	ok, err := repo.Complete(dbc, job.ID, "w1", datatypes.JSON([]byte(`{}`)))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ok {
		t.Fatal("stale worker must not complete the job")
	}

	ok, err = repo.Complete(dbc, job.ID, "w2", datatypes.JSON([]byte(`{"ok":true}`)))
	if err != nil || !ok {
		t.Fatalf("current owner complete: ok=%v err=%v", ok, err)
	}
}

func TestFailForRetryThenLeaseChargesAttempt(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	repo := NewJobRepo(db, log)
	wf := uuid.New()
	job := testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeSummary, 0)

	leased, err := repo.LeaseNext(dbc, []string{domjobs.TypeSummary}, "w1", time.Minute)
	if err != nil || leased == nil {
		t.Fatalf("lease: %v %v", leased, err)
	}

	ok, err := repo.FailForRetry(dbc, job.ID, "w1", "timeout", "stage timed out", time.Now().Add(-time.Second))
	if err != nil || !ok {
		t.Fatalf("fail for retry: ok=%v err=%v", ok, err)
	}

	again, err := repo.LeaseNext(dbc, []string{domjobs.TypeSummary}, "w1", time.Minute)
	if err != nil || again == nil {
		t.Fatalf("re-lease: %v %v", again, err)
	}
	if again.Attempts != 2 {
		t.Fatalf("retry lease should charge second attempt, got %d", again.Attempts)
	}
	if again.ErrorKind != "timeout" {
		t.Fatalf("error kind should persist across retry, got %q", again.ErrorKind)
	}
}

func TestCancelQueuedAndRequestCancel(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	repo := NewJobRepo(db, log)
	wf := uuid.New()

	queued := testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeCluster, 0)
	ok, err := repo.CancelQueued(dbc, queued.ID)
	if err != nil || !ok {
		t.Fatalf("cancel queued: ok=%v err=%v", ok, err)
	}
	row, err := repo.GetByID(dbc, queued.ID)
	if err != nil || row == nil || row.State != domjobs.StateCancelled {
		t.Fatalf("queued job should be cancelled, got %+v err=%v", row, err)
	}

	active := testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeExport, 0)
	if _, err := repo.LeaseNext(dbc, []string{domjobs.TypeExport}, "w1", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if ok, err := repo.CancelQueued(dbc, active.ID); err != nil || ok {
		t.Fatalf("active job must not cancel via CancelQueued: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.RequestCancel(dbc, active.ID); err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}
	hb, err := repo.Heartbeat(dbc, active.ID, "w1", nil, time.Minute)
	if err != nil || hb == nil {
		t.Fatalf("heartbeat: %v %v", hb, err)
	}
	if !hb.CancelRequested {
		t.Fatal("heartbeat should surface cancel_requested")
	}
}

func TestReleaseExpiredRequeues(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}

	repo := NewJobRepo(db, log)
	wf := uuid.New()
	job := testutil.SeedJob(t, ctx, tx, wf, domjobs.TypeVerify, 0)
	if _, err := repo.LeaseNext(dbc, []string{domjobs.TypeVerify}, "w1", time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}

	n, err := repo.ReleaseExpired(dbc, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one released job, got %d", n)
	}
	row, err := repo.GetByID(dbc, job.ID)
	if err != nil || row == nil {
		t.Fatalf("get: %v %v", row, err)
	}
	if row.State != domjobs.StateWaiting || row.WorkerID != "" {
		t.Fatalf("released job should be waiting and unowned, got %+v", row)
	}
}
