package repository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat-client/internal/models"
)

const nonceSize = 24

var (
	// ErrSecretNotFound is returned when no credential is stored under a name.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrSecretCorrupted is returned when a stored credential cannot be opened with the configured key.
	ErrSecretCorrupted = errors.New("secret cannot be decrypted")
)

// SecretValue is a named plaintext credential.
type SecretValue struct {
	Name  string
	Value string
}

// SecretRepository persists credentials sealed with a symmetric key.
type SecretRepository interface {
	Get(ctx context.Context, name string) (string, error)
	// SetMany writes all values in order inside one transaction: either every
	// value is stored or none is.
	SetMany(ctx context.Context, values ...SecretValue) error
	Delete(ctx context.Context, names ...string) error
}

type secretRepository struct {
	db   *gorm.DB
	key  [32]byte
	rand io.Reader
	now  func() time.Time
}

// NewSecretRepository constructs a secret repository. key must be 32 bytes.
func NewSecretRepository(db *gorm.DB, key []byte) (SecretRepository, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(key))
	}
	repo := &secretRepository{db: db, rand: rand.Reader, now: time.Now}
	copy(repo.key[:], key)
	return repo, nil
}

func (r *secretRepository) Get(ctx context.Context, name string) (string, error) {
	var secret models.Secret
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&secret).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", err
	}
	return r.open(secret.Value)
}

func (r *secretRepository) SetMany(ctx context.Context, values ...SecretValue) error {
	if len(values) == 0 {
		return nil
	}

	sealed := make([]models.Secret, 0, len(values))
	now := r.now().UTC()
	for _, value := range values {
		if value.Name == "" {
			return fmt.Errorf("secret name must not be empty")
		}
		box, err := r.seal(value.Value)
		if err != nil {
			return err
		}
		sealed = append(sealed, models.Secret{Name: value.Name, Value: box, UpdatedAt: now})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range sealed {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&sealed[i]).Error
			if err != nil {
				return fmt.Errorf("store secret %s: %w", sealed[i].Name, err)
			}
		}
		return nil
	})
}

func (r *secretRepository) Delete(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("name IN ?", names).Delete(&models.Secret{}).Error
}

func (r *secretRepository) seal(plaintext string) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(r.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &r.key), nil
}

func (r *secretRepository) open(box []byte) (string, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return "", ErrSecretCorrupted
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plaintext, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &r.key)
	if !ok {
		return "", ErrSecretCorrupted
	}
	return string(plaintext), nil
}
