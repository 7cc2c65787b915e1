package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"media-job-orchestrator/internal/models"
	"media-job-orchestrator/internal/queue"
)

type countingRunner struct {
	mu   sync.Mutex
	seen map[string]int
	done chan struct{}
	want int
}

func (c *countingRunner) Execute(_ context.Context, task models.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[task.JobID]++
	total := 0
	for _, n := range c.seen {
		total += n
	}
	if total == c.want {
		close(c.done)
	}
	return nil
}

func TestProcessorRunsEachTaskOnce(t *testing.T) {
	q := queue.NewLocalQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 20
	for i := 0; i < n; i++ {
		task := models.Task{JobID: "job-" + string(rune('a'+i)), Kind: models.KindMastering}
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	r := &countingRunner{seen: make(map[string]int), done: make(chan struct{}), want: n}
	p := NewProcessor(q, r, "worker-test", 4, 10*time.Millisecond)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for tasks")
	}
	cancel()
	<-errCh

	for id, count := range r.seen {
		if count != 1 {
			t.Fatalf("task %s ran %d times", id, count)
		}
	}
	if inflight, _ := q.InFlight(context.Background()); inflight != 0 {
		t.Fatalf("inflight = %d after ack", inflight)
	}
}
