package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL keeps a run's payload long enough for a delayed load phase.
const DefaultTTL = 48 * time.Hour

var (
	// ErrNotFound is returned when no payload or state exists for a run.
	ErrNotFound = errors.New("hand-off not found")
	// ErrExists is returned when a run already has a payload.
	ErrExists = errors.New("hand-off already exists")
)

// Store carries batches between the fetch and load phases through Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore constructs a Store. A non-positive ttl falls back to DefaultTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func batchKey(runID string) string {
	return "handoff:" + runID
}

func stateKey(runID string) string {
	return "run:" + runID + ":state"
}

func loadKey(runID string) string {
	return "run:" + runID + ":load"
}

// Put stores the batch under its run id. A run's payload is written once.
func (s *Store) Put(ctx context.Context, b *Batch) error {
	if b == nil || b.RunID == "" {
		return fmt.Errorf("%w: batch without run id", ErrCorrupt)
	}

	data, err := Encode(b)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, batchKey(b.RunID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("hand-off put for run %s: %w", b.RunID, err)
	}
	if !ok {
		return fmt.Errorf("%w: run %s", ErrExists, b.RunID)
	}

	return nil
}

// Get loads the batch for runID.
func (s *Store) Get(ctx context.Context, runID string) (*Batch, error) {
	val, err := s.client.Get(ctx, batchKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("hand-off get for run %s: %w", runID, err)
	}

	b, err := Decode(val)
	if err != nil {
		return nil, fmt.Errorf("hand-off payload for run %s: %w", runID, err)
	}
	if b.RunID != runID {
		return nil, fmt.Errorf("%w: payload run id %q under key for %q", ErrCorrupt, b.RunID, runID)
	}

	return b, nil
}

// SetState records the lifecycle state of a run.
func (s *Store) SetState(ctx context.Context, runID, state string) error {
	if err := s.client.Set(ctx, stateKey(runID), state, s.ttl).Err(); err != nil {
		return fmt.Errorf("hand-off set state for run %s: %w", runID, err)
	}
	return nil
}

// State returns the last recorded state of a run.
func (s *Store) State(ctx context.Context, runID string) (string, error) {
	val, err := s.client.Get(ctx, stateKey(runID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: state for run %s", ErrNotFound, runID)
		}
		return "", fmt.Errorf("hand-off get state for run %s: %w", runID, err)
	}
	return val, nil
}

// ClaimLoad marks the load phase of runID as taken. It returns false when
// another loader already holds the claim. The claim lives as long as the
// payload, so a committed run stays claimed until both expire.
func (s *Store) ClaimLoad(ctx context.Context, runID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, loadKey(runID), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("hand-off claim load for run %s: %w", runID, err)
	}
	return ok, nil
}

// ReleaseLoad drops the load claim of runID so the run can be loaded again.
func (s *Store) ReleaseLoad(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, loadKey(runID)).Err(); err != nil {
		return fmt.Errorf("hand-off release load for run %s: %w", runID, err)
	}
	return nil
}
