package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat-client/internal/models"
)

// ErrCacheMiss is returned when a cache key holds no value.
var ErrCacheMiss = errors.New("cache entry not found")

// CacheRepository is the key-value medium behind the session store. Every
// write replaces the whole value of a key in one statement.
type CacheRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

type gormCacheRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormCacheRepository constructs a cache repository persisted through GORM.
func NewGormCacheRepository(db *gorm.DB) CacheRepository {
	return &gormCacheRepository{db: db, now: time.Now}
}

func (r *gormCacheRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var entry models.CacheEntry
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return []byte(entry.Value), nil
}

func (r *gormCacheRepository) Set(ctx context.Context, key string, value []byte) error {
	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		UpdatedAt: r.now().UTC(),
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
}

func (r *gormCacheRepository) Delete(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Where("key = ?", key).Delete(&models.CacheEntry{}).Error
}

func (r *gormCacheRepository) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := r.db.WithContext(ctx).Model(&models.CacheEntry{}).Order("key ASC").Pluck("key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}
