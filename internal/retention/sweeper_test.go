package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"media-job-orchestrator/internal/models"
	"media-job-orchestrator/internal/objectstore"
	"media-job-orchestrator/internal/status"
	"media-job-orchestrator/internal/store"
)

// flakyGateway fails deletes for one key.
type flakyGateway struct {
	objectstore.Gateway
	failKey string
}

func (f *flakyGateway) Delete(ctx context.Context, key string) error {
	if key == f.failKey {
		return errors.New("storage unavailable")
	}
	return f.Gateway.Delete(ctx, key)
}

type env struct {
	files    *store.Memory
	statuses *status.MemoryStore
	gateway  *objectstore.LocalGateway
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gw, err := objectstore.NewLocalGateway(filepath.Join(t.TempDir(), "bucket"), "http://localhost", "secret")
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return &env{files: store.NewMemory(), statuses: status.NewMemoryStore(), gateway: gw, now: time.Now().UTC()}
}

// addFile stores an uploaded object plus a linked job aged by age.
func (e *env) addFile(t *testing.T, id string, age time.Duration) models.FileMeta {
	t.Helper()
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), id)
	if err := os.WriteFile(src, []byte(id), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	meta := models.FileMeta{ID: id, StorageKey: objectstore.UploadKey(id, ".wav"), UploadedAt: e.now.Add(-age), JobID: "job-" + id, Confirmed: true}
	if err := e.gateway.Put(ctx, meta.StorageKey, src, "audio/wav"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.files.CreateFile(ctx, meta); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := e.statuses.Create(ctx, models.NewJob(meta.JobID, models.KindMastering, e.now.Add(-age))); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return meta
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	old := e.addFile(t, "old", 25*time.Hour)
	young := e.addFile(t, "young", time.Hour)

	sw := NewSweeper(e.files, e.statuses, e.gateway, 24*time.Hour, time.Hour)
	sum := sw.Sweep(ctx, e.now)
	if sum.Checked != 2 || sum.Deleted != 1 || sum.Errors != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	if _, err := e.files.GetFile(ctx, old.ID); !errors.Is(err, store.ErrFileNotFound) {
		t.Fatalf("old file metadata should be gone, err = %v", err)
	}
	if _, err := e.gateway.Head(ctx, old.StorageKey); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("old object should be gone, err = %v", err)
	}
	if _, err := e.statuses.Get(ctx, old.JobID); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("linked job should be gone, err = %v", err)
	}

	got, err := e.files.GetFile(ctx, young.ID)
	if err != nil || got != young {
		t.Fatalf("young file changed: %+v, %v", got, err)
	}
	if _, err := e.statuses.Get(ctx, young.JobID); err != nil {
		t.Fatalf("young job should survive: %v", err)
	}

	again := sw.Sweep(ctx, e.now)
	if again.Deleted != 0 || again.Errors != 0 {
		t.Fatalf("rerun summary = %+v", again)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bad := e.addFile(t, "bad", 48*time.Hour)
	good := e.addFile(t, "good", 48*time.Hour)

	sw := NewSweeper(e.files, e.statuses, &flakyGateway{Gateway: e.gateway, failKey: bad.StorageKey}, 24*time.Hour, time.Hour)
	sum := sw.Sweep(ctx, e.now)
	if sum.Deleted != 1 || sum.Errors < 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if _, err := e.files.GetFile(ctx, good.ID); !errors.Is(err, store.ErrFileNotFound) {
		t.Fatalf("good file should be deleted despite sibling failure")
	}
	if _, err := e.files.GetFile(ctx, bad.ID); err != nil {
		t.Fatalf("failed file metadata must remain for retry: %v", err)
	}
}

func TestSweepExpiresOrphanJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := e.now
	job := models.NewJob("orphan", models.KindTranscription, now.Add(-30*time.Hour))
	_ = job.Start("s", now.Add(-30*time.Hour))
	_ = job.Complete(objectstore.TranscriptKey("orphan"), "done", now.Add(-29*time.Hour))
	if err := e.statuses.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.statuses.Create(ctx, models.NewJob("fresh", models.KindTranscription, now)); err != nil {
		t.Fatalf("create: %v", err)
	}

	sum := NewSweeper(e.files, e.statuses, e.gateway, 24*time.Hour, time.Hour).Sweep(ctx, now)
	if sum.JobsChecked != 2 || sum.JobsDeleted != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if _, err := e.statuses.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh job should survive: %v", err)
	}
}
