// Package licensing implements the license service: the validate, activate
// and deactivate protocol spoken by client applications and the key
// administration operations used by the admin API and the CLI.
//
// Every operation that changes the activations of a key runs inside one
// database transaction holding that key's lock, so the activation count of a
// key can never exceed its ceiling, however many requests race for the last
// slot.
package licensing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mikepea/flux/pkg/flux/activations"
	"github.com/mikepea/flux/pkg/flux/apperrors"
	"github.com/mikepea/flux/pkg/flux/keys"
	"github.com/mikepea/flux/pkg/flux/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// MaxFingerprintLength matches the width of the fingerprint column
const MaxFingerprintLength = 255

// Recorder receives the outcome of every client protocol call
type Recorder interface {
	RecordOutcome(operation, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutcome(string, string) {}

// Option configures a Service
type Option func(*Service)

// WithRecorder reports protocol outcomes to r
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock replaces time.Now, used for expiry checks and new expiry dates
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service coordinates the key store and the activation ledger
type Service struct {
	db       *gorm.DB
	keys     *keys.Store
	ledger   *activations.Ledger
	locks    *keyLocks
	logger   zerolog.Logger
	recorder Recorder
	now      func() time.Time
}

// NewService creates a license service on db
func NewService(db *gorm.DB, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		db:       db,
		keys:     keys.NewStore(db),
		ledger:   activations.NewLedger(db),
		locks:    newKeyLocks(),
		logger:   logger.With().Str("component", "licensing").Logger(),
		recorder: nopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateKeyInput describes a key to issue
type CreateKeyInput struct {
	Owner          string
	MaxActivations int
	// ValidDays sets an expiry that many days from now; zero never expires
	ValidDays int
}

// CreateKey issues a new active license key
func (s *Service) CreateKey(ctx context.Context, in CreateKeyInput) (*models.LicenseKey, error) {
	if in.ValidDays < 0 {
		return nil, apperrors.Invalid("days", "must not be negative")
	}

	var expiresAt *time.Time
	if in.ValidDays > 0 {
		t := s.now().UTC().AddDate(0, 0, in.ValidDays)
		expiresAt = &t
	}

	key, err := s.keys.Create(ctx, strings.TrimSpace(in.Owner), in.MaxActivations, expiresAt)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint("key_id", key.ID).
		Str("owner", key.Owner).
		Int("max_activations", key.MaxActivations).
		Msg("license key created")
	return key, nil
}

// GetKey returns a key with its activation count
func (s *Service) GetKey(ctx context.Context, id uint) (*KeySummary, error) {
	var summary *KeySummary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := s.keys.WithTx(tx).FindByID(ctx, id)
		if err != nil {
			return err
		}
		if key == nil {
			return apperrors.NotFound("license key", id)
		}
		count, err := s.ledger.WithTx(tx).CountActive(ctx, id)
		if err != nil {
			return err
		}
		summary = &KeySummary{LicenseKey: *key, ActiveCount: count}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// ListKeys returns every live key, newest first, with activation counts
func (s *Service) ListKeys(ctx context.Context) ([]KeySummary, error) {
	var summaries []KeySummary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		list, err := s.keys.WithTx(tx).List(ctx)
		if err != nil {
			return err
		}
		counts, err := s.ledger.WithTx(tx).CountActiveByKey(ctx)
		if err != nil {
			return err
		}

		summaries = make([]KeySummary, 0, len(list))
		for _, key := range list {
			summaries = append(summaries, KeySummary{LicenseKey: key, ActiveCount: counts[key.ID]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// RevokeKey permanently disables a key. Existing activations stay recorded
// but no longer validate.
func (s *Service) RevokeKey(ctx context.Context, id uint) (*models.LicenseKey, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	key, err := s.keys.Revoke(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Uint("key_id", id).Msg("license key revoked")
	return key, nil
}

// SetMaxActivations changes the activation ceiling of a key. Activations
// above a lowered ceiling are kept; new ones are refused until the count
// drops below it.
func (s *Service) SetMaxActivations(ctx context.Context, id uint, maxActivations int) (*KeySummary, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	var summary *KeySummary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := s.keys.WithTx(tx).ForUpdate().SetMaxActivations(ctx, id, maxActivations)
		if err != nil {
			return err
		}
		count, err := s.ledger.WithTx(tx).CountActive(ctx, id)
		if err != nil {
			return err
		}
		summary = &KeySummary{LicenseKey: *key, ActiveCount: count}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Uint("key_id", id).
		Int("max_activations", maxActivations).
		Int64("active_count", summary.ActiveCount).
		Msg("activation limit changed")
	return summary, nil
}

// DeleteKey removes a key and all of its activations. The key value stays
// reserved and is never issued again.
func (s *Service) DeleteKey(ctx context.Context, id uint) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.keys.WithTx(tx)
		key, err := store.ForUpdate().FindByID(ctx, id)
		if err != nil {
			return err
		}
		if key == nil {
			return apperrors.NotFound("license key", id)
		}

		removed, err = s.ledger.WithTx(tx).RemoveAllForKey(ctx, id)
		if err != nil {
			return err
		}
		return store.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Uint("key_id", id).Int64("activations_removed", removed).Msg("license key deleted")
	return nil
}

// ListActivations returns the activations of a key, oldest first
func (s *Service) ListActivations(ctx context.Context, id uint) ([]models.Activation, error) {
	var list []models.Activation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := s.keys.WithTx(tx).FindByID(ctx, id)
		if err != nil {
			return err
		}
		if key == nil {
			return apperrors.NotFound("license key", id)
		}
		list, err = s.ledger.WithTx(tx).ListForKey(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	return list, nil
}
