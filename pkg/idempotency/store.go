// Package idempotency records which caller-assigned references have already
// produced an external side effect, so retries can return the earlier result
// instead of repeating the call.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/scanshop/companion-sync/pkg/redis"
)

var ErrReferenceRequired = errors.New("idempotency reference is required")

// Store maps a reference to the external identifier it produced.
type Store interface {
	Lookup(ctx context.Context, reference string) (string, bool, error)
	Record(ctx context.Context, reference, externalRef string) error
}

// RedisStore keeps references under `cs:idempotency:<scope>:<reference>`
// using SETNX so the first recorded result wins.
type RedisStore struct {
	store redis.IdempotencyStore
	scope string
	ttl   time.Duration
}

// NewRedisStore builds a redis-backed reference store.
func NewRedisStore(store redis.IdempotencyStore, scope string, ttl time.Duration) (*RedisStore, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if strings.TrimSpace(scope) == "" {
		return nil, errors.New("scope is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &RedisStore{store: store, scope: scope, ttl: ttl}, nil
}

func (s *RedisStore) Lookup(ctx context.Context, reference string) (string, bool, error) {
	key, err := s.key(reference)
	if err != nil {
		return "", false, err
	}
	value, err := s.store.Get(ctx, key)
	if err != nil {
		if redis.IsMiss(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStore) Record(ctx context.Context, reference, externalRef string) error {
	key, err := s.key(reference)
	if err != nil {
		return err
	}
	_, err = s.store.SetNX(ctx, key, externalRef, s.ttl)
	return err
}

// Forget drops a reference. Only used by operator tooling.
func (s *RedisStore) Forget(ctx context.Context, reference string) error {
	key, err := s.key(reference)
	if err != nil {
		return err
	}
	return s.store.Del(ctx, key)
}

func (s *RedisStore) key(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", ErrReferenceRequired
	}
	return s.store.IdempotencyKey(s.scope, ref), nil
}

// Tiered checks an authoritative primary store and then best-effort
// secondaries (a redis cache, the backend reference table). Only the primary
// can fail a lookup or a record; a secondary hit is copied into the primary.
type Tiered struct {
	primary     Store
	secondaries []Store
}

// NewTiered layers secondaries behind primary. Nil secondaries are skipped.
func NewTiered(primary Store, secondaries ...Store) (*Tiered, error) {
	if primary == nil {
		return nil, errors.New("primary store is required")
	}
	t := &Tiered{primary: primary}
	for _, s := range secondaries {
		if s != nil {
			t.secondaries = append(t.secondaries, s)
		}
	}
	return t, nil
}

func (t *Tiered) Lookup(ctx context.Context, reference string) (string, bool, error) {
	ref, ok, primaryErr := t.primary.Lookup(ctx, reference)
	if primaryErr == nil && ok {
		return ref, true, nil
	}
	for _, s := range t.secondaries {
		ref, ok, err := s.Lookup(ctx, reference)
		if err != nil || !ok {
			continue
		}
		if primaryErr == nil {
			_ = t.primary.Record(ctx, reference, ref)
		}
		return ref, true, nil
	}
	return "", false, primaryErr
}

// Record writes every tier and reports only the primary's failure.
func (t *Tiered) Record(ctx context.Context, reference, externalRef string) error {
	err := t.primary.Record(ctx, reference, externalRef)
	for _, s := range t.secondaries {
		_ = s.Record(ctx, reference, externalRef)
	}
	return err
}
