package licensing

import (
	"context"
	"strings"

	"github.com/mikepea/flux/pkg/flux/apperrors"
	"github.com/mikepea/flux/pkg/flux/keys"
	"github.com/mikepea/flux/pkg/flux/models"
	"gorm.io/gorm"
)

const (
	opValidate   = "validate"
	opActivate   = "activate"
	opDeactivate = "deactivate"
)

// normalizeRequest canonicalizes the key value and fingerprint sent by a
// client and rejects requests missing either.
func normalizeRequest(keyValue, fingerprint string) (string, string, error) {
	keyValue = keys.NormalizeKeyValue(keyValue)
	fingerprint = strings.TrimSpace(fingerprint)

	if keyValue == "" {
		return "", "", apperrors.Invalid("key", "missing key")
	}
	if fingerprint == "" {
		return "", "", apperrors.Invalid("fingerprint", "missing fingerprint")
	}
	if len(fingerprint) > MaxFingerprintLength {
		return "", "", apperrors.Invalid("fingerprint", "too long")
	}
	return keyValue, fingerprint, nil
}

// usable returns the reason a key cannot be used, or "" when it can
func (s *Service) usable(key *models.LicenseKey) Reason {
	switch {
	case key == nil:
		return ReasonUnknownKey
	case key.IsRevoked():
		return ReasonRevoked
	case key.IsExpired(s.now()):
		return ReasonExpired
	}
	return ""
}

func outcome(ok string, reason Reason) string {
	if reason == "" {
		return ok
	}
	return strings.ReplaceAll(string(reason), " ", "_")
}

// Validate reports whether fingerprint holds a valid activation of the key.
// It never changes state.
func (s *Service) Validate(ctx context.Context, keyValue, fingerprint string) (*ValidationResult, error) {
	keyValue, fingerprint, err := normalizeRequest(keyValue, fingerprint)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := s.keys.WithTx(tx).FindByValue(ctx, keyValue)
		if err != nil {
			return err
		}
		result.Key = key
		if result.Reason = s.usable(key); result.Reason != "" {
			return nil
		}

		ledger := s.ledger.WithTx(tx)
		activation, err := ledger.Find(ctx, key.ID, fingerprint)
		if err != nil {
			return err
		}
		count, err := ledger.CountActive(ctx, key.ID)
		if err != nil {
			return err
		}
		result.RemainingActivations = remaining(key.MaxActivations, count)
		if activation == nil {
			result.Reason = ReasonNotActivated
			return nil
		}
		result.Valid = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recorder.RecordOutcome(opValidate, outcome("valid", result.Reason))
	s.logger.Debug().
		Str("fingerprint", fingerprint).
		Bool("valid", result.Valid).
		Str("reason", string(result.Reason)).
		Msg("license validated")
	return result, nil
}

// Activate binds fingerprint to the key, consuming one activation slot.
// Activating an already bound fingerprint succeeds without consuming a slot
// and refreshes its last-seen time.
func (s *Service) Activate(ctx context.Context, keyValue, fingerprint string) (*ActivationResult, error) {
	keyValue, fingerprint, err := normalizeRequest(keyValue, fingerprint)
	if err != nil {
		return nil, err
	}

	// Resolve the id first so the per-key lock can be taken before the
	// transaction starts.
	key, err := s.keys.FindByValue(ctx, keyValue)
	if err != nil {
		return nil, err
	}
	if key == nil {
		result := &ActivationResult{Reason: ReasonUnknownKey}
		s.recorder.RecordOutcome(opActivate, outcome("activated", result.Reason))
		return result, nil
	}

	unlock := s.locks.Lock(key.ID)
	defer unlock()

	result := &ActivationResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-read under the lock: the key may have been revoked or deleted
		// since the first lookup.
		key, err := s.keys.WithTx(tx).ForUpdate().FindByValue(ctx, keyValue)
		if err != nil {
			return err
		}
		result.Key = key
		if result.Reason = s.usable(key); result.Reason != "" {
			return nil
		}

		ledger := s.ledger.WithTx(tx)
		existing, err := ledger.Find(ctx, key.ID, fingerprint)
		if err != nil {
			return err
		}
		count, err := ledger.CountActive(ctx, key.ID)
		if err != nil {
			return err
		}

		if existing != nil {
			if err := ledger.Touch(ctx, existing); err != nil {
				return err
			}
			result.Activated = true
			result.AlreadyActive = true
			result.Activation = existing
			result.RemainingActivations = remaining(key.MaxActivations, count)
			return nil
		}

		if count >= int64(key.MaxActivations) {
			result.Reason = ReasonLimitExceeded
			return nil
		}

		activation, err := ledger.Record(ctx, key.ID, fingerprint)
		if err != nil {
			return err
		}
		result.Activated = true
		result.Activation = activation
		result.RemainingActivations = remaining(key.MaxActivations, count+1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recorder.RecordOutcome(opActivate, outcome("activated", result.Reason))
	event := s.logger.Info()
	if result.Reason != "" {
		event = s.logger.Warn().Str("reason", string(result.Reason))
	}
	event.Uint("key_id", key.ID).
		Str("fingerprint", fingerprint).
		Bool("already_active", result.AlreadyActive).
		Int("remaining", result.RemainingActivations).
		Msg("activation requested")
	return result, nil
}

// Deactivate releases the slot held by fingerprint. Deactivating a
// fingerprint that is not bound succeeds with Removed false. Revoked and
// expired keys may still be deactivated.
func (s *Service) Deactivate(ctx context.Context, keyValue, fingerprint string) (*DeactivationResult, error) {
	keyValue, fingerprint, err := normalizeRequest(keyValue, fingerprint)
	if err != nil {
		return nil, err
	}

	key, err := s.keys.FindByValue(ctx, keyValue)
	if err != nil {
		return nil, err
	}
	if key == nil {
		result := &DeactivationResult{Reason: ReasonUnknownKey}
		s.recorder.RecordOutcome(opDeactivate, outcome("deactivated", result.Reason))
		return result, nil
	}

	unlock := s.locks.Lock(key.ID)
	defer unlock()

	result := &DeactivationResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := s.keys.WithTx(tx).ForUpdate().FindByValue(ctx, keyValue)
		if err != nil {
			return err
		}
		if key == nil {
			result.Reason = ReasonUnknownKey
			return nil
		}

		result.Removed, err = s.ledger.WithTx(tx).Remove(ctx, key.ID, fingerprint)
		if err != nil {
			return err
		}
		result.Deactivated = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recorder.RecordOutcome(opDeactivate, outcome("deactivated", result.Reason))
	s.logger.Info().
		Uint("key_id", key.ID).
		Str("fingerprint", fingerprint).
		Bool("removed", result.Removed).
		Msg("deactivation requested")
	return result, nil
}
