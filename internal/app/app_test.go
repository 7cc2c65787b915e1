package app

import (
	"context"
	"testing"

	"media-job-orchestrator/internal/config"
	"media-job-orchestrator/internal/models"
)

func standaloneConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	Standalone(cfg)
	cfg.Storage.LocalDir = t.TempDir()
	cfg.Templates.Dir = t.TempDir()
	return cfg
}

func TestBuildWithKindsFromEnv(t *testing.T) {
	t.Setenv("MEDIA_WORKER_KINDS", "mastering, transcription")
	cfg := standaloneConfig(t)

	a, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	for _, k := range models.Kinds {
		if err := a.Queue.Enqueue(ctx, models.Task{JobID: "job-" + string(k), Kind: k}); err != nil {
			t.Fatalf("Enqueue(%s): %v", k, err)
		}
	}
	got := map[models.Kind]bool{}
	for {
		task, err := a.Queue.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task == nil {
			break
		}
		got[task.Kind] = true
	}
	if len(got) != 2 || !got[models.KindMastering] || !got[models.KindTranscription] || got[models.KindVideoRender] {
		t.Fatalf("dequeued kinds = %v, want mastering and transcription", got)
	}
}

func TestStandaloneSecretIsRandom(t *testing.T) {
	a := standaloneConfig(t)
	b := standaloneConfig(t)
	if a.Storage.SigningSecret == "" || a.Storage.SigningSecret == b.Storage.SigningSecret {
		t.Fatalf("signing secrets %q and %q should be distinct and non-empty", a.Storage.SigningSecret, b.Storage.SigningSecret)
	}
	if len(a.Storage.SigningSecret) != 64 {
		t.Fatalf("secret length = %d, want 64 hex chars", len(a.Storage.SigningSecret))
	}
}
