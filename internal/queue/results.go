package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrResultPending = errors.New("media result not ready")

// MediaOutcome is what a client polls for after submitting a MediaJob.
type MediaOutcome struct {
	JobID      string    `json:"job_id"`
	Kind       MediaKind `json:"kind"`
	URI        string    `json:"uri"`
	Degraded   bool      `json:"degraded"`
	Mode       string    `json:"mode"`
	FinishedAt time.Time `json:"finished_at"`
}

type ResultStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewResultStore(rdb *redis.Client, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ResultStore{redis: rdb, ttl: ttl}
}

func resultKey(jobID string) string {
	return "clarity:media:result:" + jobID
}

func (s *ResultStore) Put(ctx context.Context, out MediaOutcome) error {
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now().UTC()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.redis.Set(ctx, resultKey(out.JobID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("store result %s: %w", out.JobID, err)
	}
	return nil
}

// Get returns ErrResultPending until the worker has stored the outcome.
func (s *ResultStore) Get(ctx context.Context, jobID string) (MediaOutcome, error) {
	raw, err := s.redis.Get(ctx, resultKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return MediaOutcome{}, ErrResultPending
	}
	if err != nil {
		return MediaOutcome{}, fmt.Errorf("load result %s: %w", jobID, err)
	}
	var out MediaOutcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return MediaOutcome{}, fmt.Errorf("decode result %s: %w", jobID, err)
	}
	return out, nil
}
