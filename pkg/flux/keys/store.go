// Package keys persists license keys.
package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikepea/flux/pkg/flux/apperrors"
	"github.com/mikepea/flux/pkg/flux/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxGenerateAttempts bounds the retries after a key value collision
const maxGenerateAttempts = 5

// ErrKeySpaceExhausted is returned when every generation attempt collided.
var ErrKeySpaceExhausted = errors.New("could not generate a unique key value")

// Store reads and writes license keys
type Store struct {
	db        *gorm.DB
	forUpdate bool
	generate  func() (string, error)
}

// NewStore creates a key store on db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, generate: GenerateKeyValue}
}

// WithTx returns a copy of the store that runs on tx
func (s *Store) WithTx(tx *gorm.DB) *Store {
	c := *s
	c.db = tx
	return &c
}

// ForUpdate returns a copy of the store whose lookups lock the returned row
// until the surrounding transaction ends. Drivers without row locks (SQLite)
// ignore the clause.
func (s *Store) ForUpdate() *Store {
	c := *s
	c.forUpdate = true
	return &c
}

func (s *Store) query(ctx context.Context) *gorm.DB {
	q := s.db.WithContext(ctx)
	if s.forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

// Create issues a new key with a freshly generated value
func (s *Store) Create(ctx context.Context, owner string, maxActivations int, expiresAt *time.Time) (*models.LicenseKey, error) {
	if maxActivations < 1 {
		return nil, apperrors.Invalid("max_activations", "must be at least 1")
	}

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		value, err := s.generate()
		if err != nil {
			return nil, fmt.Errorf("generate key value: %w", err)
		}

		key := &models.LicenseKey{
			KeyValue:       value,
			Owner:          owner,
			Status:         models.KeyStatusActive,
			MaxActivations: maxActivations,
			ExpiresAt:      expiresAt,
		}

		err = s.db.WithContext(ctx).Create(key).Error
		if err == nil {
			return key, nil
		}

		collided, existsErr := s.ValueExists(ctx, value)
		if existsErr != nil {
			return nil, fmt.Errorf("create key: %w", err)
		}
		if !collided && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("create key: %w", err)
		}
	}

	return nil, ErrKeySpaceExhausted
}

// Insert stores a key whose value was issued elsewhere, as done by import.
func (s *Store) Insert(ctx context.Context, key *models.LicenseKey) error {
	if key.KeyValue == "" {
		return apperrors.Invalid("key", "must not be empty")
	}
	if key.MaxActivations < 1 {
		return apperrors.Invalid("max_activations", "must be at least 1")
	}
	if key.Status == "" {
		key.Status = models.KeyStatusActive
	}
	if key.Status != models.KeyStatusActive && key.Status != models.KeyStatusRevoked {
		return apperrors.Invalid("status", fmt.Sprintf("unknown status %q", key.Status))
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// FindByID returns the key with id, or nil when there is none
func (s *Store) FindByID(ctx context.Context, id uint) (*models.LicenseKey, error) {
	var key models.LicenseKey
	err := s.query(ctx).Where("id = ?", id).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find key %d: %w", id, err)
	}
	return &key, nil
}

// FindByValue returns the key presented as value, or nil when there is none
func (s *Store) FindByValue(ctx context.Context, value string) (*models.LicenseKey, error) {
	var key models.LicenseKey
	err := s.query(ctx).Where("key_value = ?", value).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find key by value: %w", err)
	}
	return &key, nil
}

// ValueExists reports whether value was ever issued, including deleted keys
func (s *Store) ValueExists(ctx context.Context, value string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Unscoped().Model(&models.LicenseKey{}).
		Where("key_value = ?", value).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check key value: %w", err)
	}
	return count > 0, nil
}

// List returns all keys, newest first
func (s *Store) List(ctx context.Context) ([]models.LicenseKey, error) {
	var keys []models.LicenseKey
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Revoke marks the key revoked. Revoking a revoked key is a no-op.
func (s *Store) Revoke(ctx context.Context, id uint) (*models.LicenseKey, error) {
	key, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, apperrors.NotFound("license key", id)
	}
	if key.IsRevoked() {
		return key, nil
	}

	if err := s.db.WithContext(ctx).Model(key).Update("status", models.KeyStatusRevoked).Error; err != nil {
		return nil, fmt.Errorf("revoke key %d: %w", id, err)
	}
	key.Status = models.KeyStatusRevoked
	return key, nil
}

// SetMaxActivations changes the activation ceiling of a key. Lowering it below
// the current activation count leaves existing activations in place.
func (s *Store) SetMaxActivations(ctx context.Context, id uint, maxActivations int) (*models.LicenseKey, error) {
	if maxActivations < 1 {
		return nil, apperrors.Invalid("max_activations", "must be at least 1")
	}

	key, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, apperrors.NotFound("license key", id)
	}

	if err := s.db.WithContext(ctx).Model(key).Update("max_activations", maxActivations).Error; err != nil {
		return nil, fmt.Errorf("update key %d: %w", id, err)
	}
	key.MaxActivations = maxActivations
	return key, nil
}

// Delete tombstones the key. Its activations must be removed in the same
// transaction; licensing.Service.DeleteKey does both.
func (s *Store) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.LicenseKey{}, id)
	if result.Error != nil {
		return fmt.Errorf("delete key %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound("license key", id)
	}
	return nil
}

// CountByStatus counts live keys per status
func (s *Store) CountByStatus(ctx context.Context) (map[models.KeyStatus]int64, error) {
	var rows []struct {
		Status models.KeyStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count keys: %w", err)
	}

	counts := make(map[models.KeyStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// CountExpired counts live, unrevoked keys whose expiry lies before now
func (s *Store) CountExpired(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.LicenseKey{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", models.KeyStatusActive, now).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count expired keys: %w", err)
	}
	return count, nil
}
