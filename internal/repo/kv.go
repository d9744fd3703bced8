// Package repo – versioned key/value entries
//
// This file stores JSON documents under string keys in the store_entries
// table. Every write increments the entry's version atomically in the
// database, which is what lets sessions on other connections detect changes:
// the sync sentinel and the collection snapshots are both plain entries.
//
// Errors: ErrNotFound for absent keys from GetEntry; GetJSON and
// LoadCollection report absence as false instead. Database and JSON errors
// are returned unchanged.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/ops-console-sync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience.
var ErrNotFound = gorm.ErrRecordNotFound

// SentinelKey is the single key whose version bump signals "some collection
// changed" to sessions that cannot receive broadcasts.
const SentinelKey = "sync:signal"

// CollectionKey returns the store key holding a collection snapshot.
func CollectionKey(name string) string { return "collection:" + name }

// PutJSON upserts key with the JSON encoding of v and increments its version.
// It returns the stored entry, including the new version.
func PutJSON(ctx context.Context, db *gorm.DB, key, origin string, v any) (*domain.StoreEntry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var out domain.StoreEntry
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &domain.StoreEntry{Key: key, Value: string(raw), Version: 1, Origin: origin, UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]any{
				"value":      string(raw),
				"origin":     origin,
				"updated_at": now,
				"version":    gorm.Expr("store_entries.version + 1"),
			}),
		}).Create(row).Error
		if err != nil {
			return err
		}
		return tx.Where("key = ?", key).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEntry returns the raw entry for key or ErrNotFound.
func GetEntry(ctx context.Context, db *gorm.DB, key string) (*domain.StoreEntry, error) {
	var e domain.StoreEntry
	err := db.WithContext(ctx).Where("key = ?", key).First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetJSON decodes the value under key into out. It reports false (and no
// error) when the key is absent.
func GetJSON(ctx context.Context, db *gorm.DB, key string, out any) (bool, error) {
	e, err := GetEntry(ctx, db, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(e.Value), out); err != nil {
		return false, err
	}
	return true, nil
}

// EntryVersion returns the version of key, or 0 when absent.
func EntryVersion(ctx context.Context, db *gorm.DB, key string) (int64, error) {
	var rows []domain.StoreEntry
	err := db.WithContext(ctx).
		Select("version").
		Where("key = ?", key).
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return 0, err
	}
	return rows[0].Version, nil
}

// SaveCollection replaces the snapshot of collection name.
func SaveCollection[T any](ctx context.Context, db *gorm.DB, name, origin string, items []T) error {
	if items == nil {
		items = []T{}
	}
	_, err := PutJSON(ctx, db, CollectionKey(name), origin, items)
	return err
}

// LoadCollection reads the snapshot of collection name. The boolean is false
// when nothing has been stored yet.
func LoadCollection[T any](ctx context.Context, db *gorm.DB, name string) ([]T, bool, error) {
	var out []T
	found, err := GetJSON(ctx, db, CollectionKey(name), &out)
	if err != nil || !found {
		return nil, found, err
	}
	return out, true, nil
}
