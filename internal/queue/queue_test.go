package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"media-job-orchestrator/internal/models"
)

func newRedisQueue(t *testing.T, kinds []models.Kind) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, kinds), client
}

func queues(t *testing.T) map[string]Queue {
	q, _ := newRedisQueue(t, nil)
	return map[string]Queue{
		"redis": q,
		"local": NewLocalQueue(nil),
	}
}

func task(id string, kind models.Kind) models.Task {
	return models.Task{
		JobID: id,
		Kind:  kind,
		Inputs: []models.ResolvedInput{
			{Role: "target", Source: models.SourceFile, FileID: "f-" + id, StorageKey: "uploads/f-" + id + ".wav"},
		},
		Options: models.Options{Mastering: &models.MasteringOptions{LimiterMode: "loud", Threshold: 0.8}},
	}
}

func TestQueueContract(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if got, err := q.Dequeue(ctx); err != nil || got != nil {
				t.Fatalf("empty Dequeue = %+v, %v", got, err)
			}

			for _, id := range []string{"a", "b", "c"} {
				if err := q.Enqueue(ctx, task(id, models.KindMastering)); err != nil {
					t.Fatalf("Enqueue %s: %v", id, err)
				}
			}
			if err := q.Enqueue(ctx, task("a", models.KindMastering)); !errors.Is(err, ErrDuplicate) {
				t.Fatalf("duplicate Enqueue err = %v, want ErrDuplicate", err)
			}
			if depth, _ := q.ReadyDepth(ctx); depth != 3 {
				t.Fatalf("ReadyDepth = %d, want 3", depth)
			}

			if err := q.Cancel(ctx, "b"); err != nil {
				t.Fatalf("Cancel: %v", err)
			}

			first, err := q.Dequeue(ctx)
			if err != nil || first == nil || first.JobID != "a" {
				t.Fatalf("Dequeue = %+v, %v; want a", first, err)
			}
			if first.Options.Mastering == nil || first.Options.Mastering.Threshold != 0.8 {
				t.Fatalf("task options lost: %+v", first.Options)
			}
			if n, _ := q.InFlight(ctx); n != 1 {
				t.Fatalf("InFlight = %d, want 1", n)
			}

			second, _ := q.Dequeue(ctx)
			if second == nil || second.JobID != "c" {
				t.Fatalf("Dequeue after cancel = %+v, want c", second)
			}
			if third, _ := q.Dequeue(ctx); third != nil {
				t.Fatalf("expected empty queue, got %+v", third)
			}

			_ = q.Ack(ctx, "a")
			_ = q.Ack(ctx, "c")
			if n, _ := q.InFlight(ctx); n != 0 {
				t.Fatalf("InFlight after ack = %d, want 0", n)
			}
		})
	}
}

func TestQueueDeliversOnce(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const total = 50
			for i := 0; i < total; i++ {
				if err := q.Enqueue(ctx, task(string(rune('A'+i)), models.KindTranscription)); err != nil {
					t.Fatalf("Enqueue: %v", err)
				}
			}

			var mu sync.Mutex
			seen := map[string]int{}
			var wg sync.WaitGroup
			for w := 0; w < 5; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						got, err := q.Dequeue(ctx)
						if err != nil {
							t.Errorf("Dequeue: %v", err)
							return
						}
						if got == nil {
							return
						}
						mu.Lock()
						seen[got.JobID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(seen) != total {
				t.Fatalf("delivered %d distinct tasks, want %d", len(seen), total)
			}
			for id, n := range seen {
				if n != 1 {
					t.Fatalf("task %s delivered %d times", id, n)
				}
			}
		})
	}
}

func TestRedisQueueKindFilter(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisQueue(t, []models.Kind{models.KindVideoRender})
	producer := NewRedisQueue(client, nil)

	if err := producer.Enqueue(ctx, task("m", models.KindMastering)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got, _ := q.Dequeue(ctx); got != nil {
		t.Fatalf("video worker dequeued %+v", got)
	}
	if err := producer.Enqueue(ctx, task("v", models.KindVideoRender)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got, _ := q.Dequeue(ctx); got == nil || got.JobID != "v" {
		t.Fatalf("Dequeue = %+v, want v", got)
	}
}

func TestLocalQueueForgetsFinishedTasks(t *testing.T) {
	ctx := context.Background()
	q := NewLocalQueue(nil)
	for _, id := range []string{"job-a", "job-b"} {
		if err := q.Enqueue(ctx, models.Task{JobID: id, Kind: models.KindMastering}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	task, err := q.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("Dequeue = %v, %v", task, err)
	}
	if err := q.Ack(ctx, task.JobID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := q.Cancel(ctx, "job-b"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	q.mu.Lock()
	remaining := len(q.known)
	q.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("known ids after ack and cancel = %d, want 0", remaining)
	}
}
