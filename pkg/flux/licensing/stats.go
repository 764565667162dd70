package licensing

import (
	"context"

	"github.com/mikepea/flux/pkg/flux/models"
	"gorm.io/gorm"
)

// Stats is a snapshot of the key inventory
type Stats struct {
	TotalKeys        int64 `json:"total_keys"`
	ActiveKeys       int64 `json:"active_keys"`
	RevokedKeys      int64 `json:"revoked_keys"`
	ExpiredKeys      int64 `json:"expired_keys"`
	TotalActivations int64 `json:"total_activations"`
}

// Stats counts keys by state and activations in one read transaction.
// Expired keys are also counted as active since expiry is derived.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.keys.WithTx(tx)
		byStatus, err := store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		stats.ActiveKeys = byStatus[models.KeyStatusActive]
		stats.RevokedKeys = byStatus[models.KeyStatusRevoked]
		stats.TotalKeys = stats.ActiveKeys + stats.RevokedKeys

		if stats.ExpiredKeys, err = store.CountExpired(ctx, s.now().UTC()); err != nil {
			return err
		}
		stats.TotalActivations, err = s.ledger.WithTx(tx).CountAll(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
