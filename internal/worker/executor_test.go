package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"media-job-orchestrator/internal/backend"
	"media-job-orchestrator/internal/models"
	"media-job-orchestrator/internal/notify"
	"media-job-orchestrator/internal/objectstore"
	"media-job-orchestrator/internal/status"
	"media-job-orchestrator/internal/store"
	"media-job-orchestrator/internal/templates"
)

// recordingStore captures every progress value written to a job.
type recordingStore struct {
	status.Store
	mu       sync.Mutex
	progress []int
}

func (r *recordingStore) Update(ctx context.Context, id string, fn status.UpdateFunc) (models.Job, error) {
	job, err := r.Store.Update(ctx, id, fn)
	if err == nil {
		r.mu.Lock()
		r.progress = append(r.progress, job.Progress)
		r.mu.Unlock()
	}
	return job, err
}

type fakeBackend struct {
	kind models.Kind
	exec func(ctx context.Context, req backend.Request) (backend.Result, error)
}

func (f *fakeBackend) Kind() models.Kind { return f.kind }

func (f *fakeBackend) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	return f.exec(ctx, req)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

type fakeBlob struct {
	data     *notify.BlobData
	err      error
	disabled bool
	calls    int
}

func (f *fakeBlob) Enabled() bool { return !f.disabled }

func (f *fakeBlob) Upload(context.Context, string, string, string) (*notify.BlobData, error) {
	f.calls++
	return f.data, f.err
}

type harness struct {
	statuses *recordingStore
	files    *store.Memory
	gateway  *objectstore.LocalGateway
	catalog  *templates.Catalog
	notifier *fakeNotifier
	blob     *fakeBlob
	scratch  string
	tplDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	gw, err := objectstore.NewLocalGateway(filepath.Join(root, "bucket"), "http://localhost", "secret")
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	tplDir := filepath.Join(root, "templates")
	if err := os.MkdirAll(tplDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tplDir, "voice-optimized.mp3"), []byte("ref"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return &harness{
		statuses: &recordingStore{Store: status.NewMemoryStore()},
		files:    store.NewMemory(),
		gateway:  gw,
		catalog:  templates.NewCatalog(tplDir),
		notifier: &fakeNotifier{},
		blob:     &fakeBlob{},
		scratch:  filepath.Join(root, "scratch"),
		tplDir:   tplDir,
	}
}

func (h *harness) executor(b backend.Backend) *Executor {
	return NewExecutor(Deps{
		Statuses:   h.statuses,
		Files:      h.files,
		Gateway:    h.gateway,
		Catalog:    h.catalog,
		Backends:   backend.NewRegistry(b),
		Notifier:   h.notifier,
		Blob:       h.blob,
		ScratchDir: h.scratch,
	})
}

// seed uploads a target file and creates a pending mastering job that uses it
// with the voice-optimized template as reference.
func (h *harness) seed(t *testing.T, jobID string) models.Task {
	t.Helper()
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "target.wav")
	if err := os.WriteFile(src, []byte("target-audio"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	key := objectstore.UploadKey("file-1", ".wav")
	if err := h.gateway.Put(ctx, key, src, "audio/wav"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := h.files.CreateFile(ctx, models.FileMeta{ID: "file-1", StorageKey: key, UploadedAt: time.Now()}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if err := h.files.LinkJob(ctx, []string{"file-1"}, jobID); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := h.statuses.Create(ctx, models.NewJob(jobID, models.KindMastering, time.Now())); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return models.Task{
		JobID: jobID,
		Kind:  models.KindMastering,
		Inputs: []models.ResolvedInput{
			{Role: "target", Source: models.SourceFile, FileID: "file-1", StorageKey: key},
			{Role: "reference", Source: models.SourceTemplate, TemplateID: "voice-optimized"},
		},
		Options: models.Options{Mastering: &models.MasteringOptions{Threshold: 0.8}},
	}
}

func masteringBackend(phases ...int) *fakeBackend {
	return &fakeBackend{kind: models.KindMastering, exec: func(_ context.Context, req backend.Request) (backend.Result, error) {
		for _, p := range phases {
			req.OnPhase(backend.Phase{Progress: p, Message: "working"})
		}
		out := filepath.Join(req.WorkDir, req.JobID+"_mastered.wav")
		if err := os.WriteFile(out, []byte("mastered"), 0o644); err != nil {
			return backend.Result{}, err
		}
		return backend.Result{OutputPath: out, ContentType: "audio/wav"}, nil
	}}
}

func TestExecuteCompletesWithMonotonicProgress(t *testing.T) {
	h := newHarness(t)
	task := h.seed(t, "job-1")
	var gotInputs map[string]string
	b := masteringBackend(20, 40, 60, 40, 80, 85)
	inner := b.exec
	b.exec = func(ctx context.Context, req backend.Request) (backend.Result, error) {
		gotInputs = req.Inputs
		return inner(ctx, req)
	}

	if err := h.executor(b).Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	job, err := h.statuses.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != models.StatusCompleted || job.Progress != 100 || job.OutputRef != "outputs/job-1_mastered.wav" {
		t.Fatalf("job = %+v", job)
	}
	if gotInputs["reference"] != filepath.Join(h.tplDir, "voice-optimized.mp3") {
		t.Fatalf("reference input = %q", gotInputs["reference"])
	}

	prev := -1
	for _, p := range h.statuses.progress {
		if p < prev {
			t.Fatalf("progress regressed: %v", h.statuses.progress)
		}
		prev = p
	}
	if last := h.statuses.progress[len(h.statuses.progress)-1]; last != 100 {
		t.Fatalf("final progress = %d", last)
	}

	if _, err := h.gateway.Head(context.Background(), job.OutputRef); err != nil {
		t.Fatalf("output not uploaded: %v", err)
	}
	files, _ := h.files.FilesForJob(context.Background(), "job-1")
	if len(files) != 1 || files[0].OutputKey != job.OutputRef {
		t.Fatalf("file metadata = %+v", files)
	}
	if _, err := os.Stat(filepath.Join(h.scratch, "job-1")); !os.IsNotExist(err) {
		t.Fatalf("scratch dir should be removed, stat err = %v", err)
	}
	if len(h.notifier.sent) != 1 || h.notifier.sent[0].Status != models.StatusCompleted {
		t.Fatalf("notifications = %+v", h.notifier.sent)
	}
}

func TestExecuteNotificationFailureKeepsCompleted(t *testing.T) {
	h := newHarness(t)
	task := h.seed(t, "job-1")
	h.notifier.err = errors.New("dial tcp: connection refused")

	if err := h.executor(masteringBackend(20)).Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	job, _ := h.statuses.Get(context.Background(), "job-1")
	if job.Status != models.StatusCompleted || job.OutputRef != "outputs/job-1_mastered.wav" {
		t.Fatalf("job = %+v", job)
	}
}

func TestExecuteUnreachableWebhookKeepsCompleted(t *testing.T) {
	h := newHarness(t)
	task := h.seed(t, "job-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := h.executor(masteringBackend())
	e.notifier = notify.NewDispatcherWithClient(url, "token", &http.Client{Timeout: 200 * time.Millisecond})
	if err := e.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	job, _ := h.statuses.Get(context.Background(), "job-1")
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestExecuteBackendFailure(t *testing.T) {
	h := newHarness(t)
	task := h.seed(t, "job-1")
	b := &fakeBackend{kind: models.KindMastering, exec: func(_ context.Context, req backend.Request) (backend.Result, error) {
		req.OnPhase(backend.Phase{Progress: 40, Message: "Analyzing"})
		return backend.Result{}, &backend.Error{Stage: "analyzing", Message: "Audio file is too short"}
	}}

	if err := h.executor(b).Execute(context.Background(), task); err == nil {
		t.Fatalf("expected failure")
	}
	job, _ := h.statuses.Get(context.Background(), "job-1")
	if job.Status != models.StatusFailed || job.Progress != 40 {
		t.Fatalf("job = %+v", job)
	}
	if job.Error != "analyzing: Audio file is too short" {
		t.Fatalf("error = %q", job.Error)
	}
	if _, err := os.Stat(filepath.Join(h.scratch, "job-1")); !os.IsNotExist(err) {
		t.Fatalf("scratch dir should be removed")
	}
	if _, err := os.Stat(filepath.Join(h.tplDir, "voice-optimized.mp3")); err != nil {
		t.Fatalf("template must survive failure cleanup: %v", err)
	}
	if len(h.notifier.sent) != 1 || h.notifier.sent[0].Status != models.StatusFailed || h.notifier.sent[0].Error == "" {
		t.Fatalf("notifications = %+v", h.notifier.sent)
	}
	if h.blob.calls != 0 {
		t.Fatalf("blob upload must not run for failed jobs")
	}
}

func TestExecuteMissingInputFails(t *testing.T) {
	h := newHarness(t)
	task := h.seed(t, "job-1")
	task.Inputs[0].StorageKey = "uploads/nope.wav"

	_ = h.executor(masteringBackend()).Execute(context.Background(), task)
	job, _ := h.statuses.Get(context.Background(), "job-1")
	if job.Status != models.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestExecuteSkipsClaimedJob(t *testing.T) {
	h := newHarness(t)
	task := h.seed(t, "job-1")
	calls := 0
	b := masteringBackend()
	inner := b.exec
	b.exec = func(ctx context.Context, req backend.Request) (backend.Result, error) {
		calls++
		return inner(ctx, req)
	}
	e := h.executor(b)
	if err := e.Execute(context.Background(), task); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if err := e.Execute(context.Background(), task); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("backend ran %d times, want 1", calls)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	h := newHarness(t)
	task := h.seed(t, "job-1")
	b := &fakeBackend{kind: models.KindMastering, exec: func(context.Context, backend.Request) (backend.Result, error) {
		panic("nil pointer in backend")
	}}
	if err := h.executor(b).Execute(context.Background(), task); err == nil {
		t.Fatalf("expected panic to surface as error")
	}
	job, _ := h.statuses.Get(context.Background(), "job-1")
	if job.Status != models.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestExecuteBlobPaths(t *testing.T) {
	cases := []struct {
		name     string
		blob     *fakeBlob
		notifErr error
		wantBlob bool
	}{
		{name: "both succeed", blob: &fakeBlob{data: &notify.BlobData{URL: "https://blob/x"}}, wantBlob: true},
		{name: "both fail", blob: &fakeBlob{err: errors.New("credentials rejected")}, notifErr: errors.New("timeout")},
		{name: "only primary", blob: &fakeBlob{err: errors.New("put failed")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.blob = tc.blob
			h.notifier.err = tc.notifErr
			task := h.seed(t, "job-1")

			if err := h.executor(masteringBackend()).Execute(context.Background(), task); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			job, _ := h.statuses.Get(context.Background(), "job-1")
			if job.Status != models.StatusCompleted {
				t.Fatalf("status = %s", job.Status)
			}
			if _, err := h.gateway.Head(context.Background(), job.OutputRef); err != nil {
				t.Fatalf("primary upload missing: %v", err)
			}
			sent := h.notifier.sent[0]
			if (sent.Blob != nil) != tc.wantBlob {
				t.Fatalf("blob data forwarded = %+v, want %v", sent.Blob, tc.wantBlob)
			}
		})
	}
}

func TestExecuteSkipsDisabledBlobUploader(t *testing.T) {
	h := newHarness(t)
	h.blob = &fakeBlob{disabled: true}
	task := h.seed(t, "job-1")

	if err := h.executor(masteringBackend()).Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if h.blob.calls != 0 {
		t.Fatalf("disabled uploader called %d times", h.blob.calls)
	}
	for _, p := range h.statuses.progress {
		if p == progressSaving {
			t.Fatalf("saving phase reported without an uploader: %v", h.statuses.progress)
		}
	}
}

func TestExecuteRemovesOutputWhenRecordDeletedMidRun(t *testing.T) {
	h := newHarness(t)
	task := h.seed(t, "job-1")
	b := masteringBackend()
	inner := b.exec
	b.exec = func(ctx context.Context, req backend.Request) (backend.Result, error) {
		if err := h.statuses.Delete(ctx, req.JobID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		return inner(ctx, req)
	}

	if err := h.executor(b).Execute(context.Background(), task); err == nil {
		t.Fatalf("expected error when the job record disappears")
	}
	if _, err := h.gateway.Head(context.Background(), OutputKey(models.KindMastering, "job-1")); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("output left behind: err = %v", err)
	}
}

func TestExecuteURLInput(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote-audio"))
	}))
	defer srv.Close()

	ctx := context.Background()
	if err := h.statuses.Create(ctx, models.NewJob("job-u", models.KindTranscription, time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	var got string
	b := &fakeBackend{kind: models.KindTranscription, exec: func(_ context.Context, req backend.Request) (backend.Result, error) {
		raw, err := os.ReadFile(req.Inputs["audio"])
		if err != nil {
			return backend.Result{}, err
		}
		got = string(raw)
		out := filepath.Join(req.WorkDir, "t.json")
		_ = os.WriteFile(out, []byte("{}"), 0o644)
		return backend.Result{OutputPath: out, ContentType: "application/json"}, nil
	}}
	task := models.Task{JobID: "job-u", Kind: models.KindTranscription, Inputs: []models.ResolvedInput{
		{Role: "audio", Source: models.SourceURL, URL: srv.URL + "/episode.mp3"},
	}}
	if err := h.executor(b).Execute(ctx, task); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "remote-audio" {
		t.Fatalf("downloaded input = %q", got)
	}
	job, _ := h.statuses.Get(ctx, "job-u")
	if job.OutputRef != "outputs/job-u_transcript.json" {
		t.Fatalf("output ref = %q", job.OutputRef)
	}
}

func TestExecuteURLInputTooLarge(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	ctx := context.Background()
	_ = h.statuses.Create(ctx, models.NewJob("job-u", models.KindTranscription, time.Now()))
	e := NewExecutor(Deps{
		Statuses: h.statuses, Files: h.files, Gateway: h.gateway, Catalog: h.catalog,
		Backends: backend.NewRegistry(&fakeBackend{kind: models.KindTranscription}),
		ScratchDir: h.scratch, MaxDownloadBytes: 16,
	})
	task := models.Task{JobID: "job-u", Kind: models.KindTranscription, Inputs: []models.ResolvedInput{
		{Role: "audio", Source: models.SourceURL, URL: srv.URL + "/big.wav"},
	}}
	if err := e.Execute(ctx, task); err == nil {
		t.Fatalf("expected size limit failure")
	}
	job, _ := h.statuses.Get(ctx, "job-u")
	if job.Status != models.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
}
