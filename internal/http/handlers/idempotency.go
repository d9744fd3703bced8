// Package handlers – idempotency store
//
// This file adapts the repo idempotency helpers to IdempotencyStore.
package handlers

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/ops-console-sync/internal/domain"
	"github.com/tbourn/ops-console-sync/internal/repo"
)

// RepoIdempotency stores assignment outcomes in the console's SQLite store.
type RepoIdempotency struct {
	DB  *gorm.DB
	TTL time.Duration
}

// NewRepoIdempotency returns a store whose records expire after ttl.
func NewRepoIdempotency(db *gorm.DB, ttl time.Duration) *RepoIdempotency {
	return &RepoIdempotency{DB: db, TTL: ttl}
}

// Get implements IdempotencyStore.
func (s *RepoIdempotency) Get(ctx context.Context, operatorID, scope, key string, now time.Time) (*domain.Idempotency, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, operatorID, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// Put implements IdempotencyStore. A concurrent duplicate is not an error:
// the first recorded outcome wins.
func (s *RepoIdempotency) Put(ctx context.Context, operatorID, scope, key string, status int, body string) error {
	_, err := repo.CreateIdempotency(ctx, s.DB, operatorID, scope, key, status, body, s.TTL)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

