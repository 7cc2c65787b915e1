package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"media-job-orchestrator/internal/models"
)

const (
	keyPrefix     = "job:status:"
	updateRetries = 10
)

// RedisStore keeps one JSON document per job under job:status:<id>.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func statusKey(id string) string {
	return keyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, statusKey(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (models.Job, error) {
	raw, err := s.client.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return decode(raw)
}

// Update applies fn under WATCH so a concurrent write to the same key retries instead of being lost.
func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (models.Job, error) {
	key := statusKey(id)
	for i := 0; i < updateRetries; i++ {
		var current, next models.Job
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			if err != nil {
				return fmt.Errorf("get job %s: %w", id, err)
			}
			if current, err = decode(raw); err != nil {
				return err
			}
			next = current
			if err := fn(&next); err != nil {
				return err
			}
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return current, err
		}
		return next, nil
	}
	return models.Job{}, fmt.Errorf("update job %s: too much contention", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, statusKey(id)).Err(); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]models.Job, error) {
	var out []models.Job
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		vals, err := s.client.MGet(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("mget jobs: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue // deleted between SCAN and MGET
			}
			job, err := decode([]byte(str))
			if err != nil {
				return err
			}
			out = append(out, job)
		}
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func decode(raw []byte) (models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
