// Package idempotency maps caller-supplied keys to prior transfer results so
// a retried request observes its side effects at most once.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds retention. Callers must pick a TTL at least as long as
// their worst-case client retry window; after expiry a retried key is
// treated as a brand new request.
const DefaultTTL = 24 * time.Hour

// inProgressMarker is the reservation sentinel written before the
// side-effecting work begins. It is distinguishable from any committed
// result because results are JSON objects.
const inProgressMarker = "__in_progress__"

// State describes what CheckOrReserve found for a key.
type State int

const (
	// Fresh means the key was unknown and has now been reserved; the
	// caller should proceed with the work and Commit (or Abandon).
	Fresh State = iota
	// Duplicate means a prior result was committed under this key.
	Duplicate
	// InProgress means another request holds a live reservation for this
	// key and has not committed yet.
	InProgress
)

// Reservation is the outcome of CheckOrReserve. Result is only set for
// Duplicate.
type Reservation struct {
	State  State
	Result json.RawMessage
}

// Store is a Redis-backed idempotency store keyed under a fixed prefix.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New creates a Store. A zero ttl falls back to DefaultTTL.
func New(client redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, prefix: "idem:transfer:", ttl: ttl}
}

// CheckOrReserve atomically reserves key if it is unknown, or reports the
// prior state. The reservation itself carries the full TTL so a crashed
// holder cannot wedge the key forever.
func (s *Store) CheckOrReserve(ctx context.Context, key string) (*Reservation, error) {
	rkey := s.prefix + key

	ok, err := s.client.SetNX(ctx, rkey, inProgressMarker, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency reserve %s: %w", key, err)
	}
	if ok {
		return &Reservation{State: Fresh}, nil
	}

	val, err := s.client.Get(ctx, rkey).Result()
	if err == redis.Nil {
		// Reservation expired between SETNX and GET; treat as in
		// progress and let the caller retry.
		return &Reservation{State: InProgress}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency read %s: %w", key, err)
	}

	if val == inProgressMarker {
		return &Reservation{State: InProgress}, nil
	}
	return &Reservation{State: Duplicate, Result: json.RawMessage(val)}, nil
}

// Commit stores the terminal result under key, overwriting the reservation.
// Both sides of a lost reservation race write the same logical result (the
// real serialization happens under the account locks), so a plain SET is
// deterministic.
func (s *Store) Commit(ctx context.Context, key string, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency marshal %s: %w", key, err)
	}

	if err := s.client.Set(ctx, s.prefix+key, body, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency commit %s: %w", key, err)
	}
	return nil
}

// Abandon clears a reservation after the work failed validation, so the
// caller may resubmit with the same key.
func (s *Store) Abandon(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency abandon %s: %w", key, err)
	}
	return nil
}
