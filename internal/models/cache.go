package models

import (
	"time"

	"gorm.io/datatypes"
)

// CacheEntry is one key of the local session cache.
type CacheEntry struct {
	Key       string         `gorm:"primaryKey;size:191" json:"key"`
	Value     datatypes.JSON `gorm:"type:json;not null" json:"value"`
	UpdatedAt time.Time      `json:"updated_at"`
}
