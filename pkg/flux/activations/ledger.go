// Package activations persists the bindings of license keys to device
// fingerprints.
//
// The ledger does not enforce the activation ceiling on its own. Callers that
// insert must re-count inside the same transaction that holds the owning key's
// lock, as licensing.Service.Activate does.
package activations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikepea/flux/pkg/flux/models"
	"gorm.io/gorm"
)

// Ledger reads and writes activations
type Ledger struct {
	db *gorm.DB
}

// NewLedger creates a ledger on db
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx returns a copy of the ledger that runs on tx
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

// CountActive returns the number of activations held by a key
func (l *Ledger) CountActive(ctx context.Context, keyID uint) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.Activation{}).Where("key_id = ?", keyID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count activations for key %d: %w", keyID, err)
	}
	return count, nil
}

// CountActiveByKey returns activation counts for every key that has any
func (l *Ledger) CountActiveByKey(ctx context.Context) (map[uint]int64, error) {
	var rows []struct {
		KeyID uint
		Count int64
	}
	err := l.db.WithContext(ctx).Model(&models.Activation{}).
		Select("key_id, COUNT(*) AS count").Group("key_id").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count activations: %w", err)
	}

	counts := make(map[uint]int64, len(rows))
	for _, r := range rows {
		counts[r.KeyID] = r.Count
	}
	return counts, nil
}

// Find returns the activation of fingerprint on a key, or nil
func (l *Ledger) Find(ctx context.Context, keyID uint, fingerprint string) (*models.Activation, error) {
	var activation models.Activation
	err := l.db.WithContext(ctx).
		Where("key_id = ? AND fingerprint = ?", keyID, fingerprint).
		First(&activation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find activation: %w", err)
	}
	return &activation, nil
}

// Record inserts a new activation
func (l *Ledger) Record(ctx context.Context, keyID uint, fingerprint string) (*models.Activation, error) {
	activation := &models.Activation{
		KeyID:       keyID,
		Fingerprint: fingerprint,
	}
	if err := l.db.WithContext(ctx).Omit("Key").Create(activation).Error; err != nil {
		return nil, fmt.Errorf("record activation: %w", err)
	}
	return activation, nil
}

// Touch refreshes the last-seen time of an activation
func (l *Ledger) Touch(ctx context.Context, activation *models.Activation) error {
	now := time.Now().UTC()
	err := l.db.WithContext(ctx).Model(&models.Activation{}).
		Where("id = ?", activation.ID).Update("last_seen_at", now).Error
	if err != nil {
		return fmt.Errorf("touch activation %s: %w", activation.ID, err)
	}
	activation.LastSeenAt = now
	return nil
}

// Remove deletes the activation of fingerprint on a key. It reports whether a
// row was deleted; a missing activation is not an error.
func (l *Ledger) Remove(ctx context.Context, keyID uint, fingerprint string) (bool, error) {
	result := l.db.WithContext(ctx).
		Where("key_id = ? AND fingerprint = ?", keyID, fingerprint).
		Delete(&models.Activation{})
	if result.Error != nil {
		return false, fmt.Errorf("remove activation: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RemoveAllForKey deletes every activation of a key
func (l *Ledger) RemoveAllForKey(ctx context.Context, keyID uint) (int64, error) {
	result := l.db.WithContext(ctx).Where("key_id = ?", keyID).Delete(&models.Activation{})
	if result.Error != nil {
		return 0, fmt.Errorf("remove activations for key %d: %w", keyID, result.Error)
	}
	return result.RowsAffected, nil
}

// ListForKey returns the activations of a key, oldest first
func (l *Ledger) ListForKey(ctx context.Context, keyID uint) ([]models.Activation, error) {
	var list []models.Activation
	err := l.db.WithContext(ctx).Where("key_id = ?", keyID).
		Order("activated_at ASC").Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list activations for key %d: %w", keyID, err)
	}
	return list, nil
}

// Import stores an activation carried over from another installation,
// keeping its timestamps.
func (l *Ledger) Import(ctx context.Context, activation *models.Activation) error {
	if err := l.db.WithContext(ctx).Omit("Key").Create(activation).Error; err != nil {
		return fmt.Errorf("import activation: %w", err)
	}
	return nil
}

// CountAll returns the number of activations across all keys
func (l *Ledger) CountAll(ctx context.Context) (int64, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&models.Activation{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return count, nil
}
