package models

import "time"

// TokenPair carries the bearer credentials issued by the backend.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Secret is a sealed credential persisted by the secret repository. Value holds
// the nonce followed by the secretbox ciphertext.
type Secret struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}
