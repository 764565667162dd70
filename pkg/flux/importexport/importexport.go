// Package importexport moves license keys and their activations between
// installations as a JSON document.
package importexport

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mikepea/flux/pkg/flux/activations"
	"github.com/mikepea/flux/pkg/flux/keys"
	"github.com/mikepea/flux/pkg/flux/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// FormatVersion is written to every export and checked on import
const FormatVersion = 1

// Document is the export file format
type Document struct {
	Version    int           `json:"version"`
	ExportedAt string        `json:"exported_at"`
	Keys       []ExportedKey `json:"keys"`
}

// ExportedKey represents a license key for export
type ExportedKey struct {
	Key            string               `json:"key"`
	Owner          string               `json:"owner"`
	Status         string               `json:"status"`
	MaxActivations int                  `json:"max_activations"`
	ExpiresAt      string               `json:"expires_at,omitempty"`
	CreatedAt      string               `json:"created_at"`
	Activations    []ExportedActivation `json:"activations"`
}

// ExportedActivation represents an activation for export
type ExportedActivation struct {
	Fingerprint string `json:"fingerprint"`
	ActivatedAt string `json:"activated_at"`
	LastSeenAt  string `json:"last_seen_at"`
}

// ImportResult represents the result of an import operation
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Service reads and writes export documents
type Service struct {
	db     *gorm.DB
	keys   *keys.Store
	ledger *activations.Ledger
	logger zerolog.Logger
}

// NewService creates an import/export service on db
func NewService(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		keys:   keys.NewStore(db),
		ledger: activations.NewLedger(db),
		logger: logger.With().Str("component", "importexport").Logger(),
	}
}

// Export returns every live key with its activations, newest key first
func (s *Service) Export(ctx context.Context) (*Document, error) {
	doc := &Document{
		Version:    FormatVersion,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Keys:       []ExportedKey{},
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		list, err := s.keys.WithTx(tx).List(ctx)
		if err != nil {
			return err
		}

		ledger := s.ledger.WithTx(tx)
		for _, key := range list {
			acts, err := ledger.ListForKey(ctx, key.ID)
			if err != nil {
				return err
			}
			doc.Keys = append(doc.Keys, exportKey(key, acts))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export keys: %w", err)
	}
	return doc, nil
}

func exportKey(key models.LicenseKey, acts []models.Activation) ExportedKey {
	exported := ExportedKey{
		Key:            key.KeyValue,
		Owner:          key.Owner,
		Status:         string(key.Status),
		MaxActivations: key.MaxActivations,
		CreatedAt:      key.CreatedAt.UTC().Format(time.RFC3339),
		Activations:    make([]ExportedActivation, len(acts)),
	}
	if key.ExpiresAt != nil {
		exported.ExpiresAt = key.ExpiresAt.UTC().Format(time.RFC3339)
	}
	for i, a := range acts {
		exported.Activations[i] = ExportedActivation{
			Fingerprint: a.Fingerprint,
			ActivatedAt: a.ActivatedAt.UTC().Format(time.RFC3339),
			LastSeenAt:  a.LastSeenAt.UTC().Format(time.RFC3339),
		}
	}
	return exported
}

// Import stores the keys of doc. Keys whose value was ever issued here,
// including deleted ones, are skipped. Each key is imported with its
// activations in its own transaction.
func (s *Service) Import(ctx context.Context, doc *Document) (*ImportResult, error) {
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported export version %d", doc.Version)
	}

	result := &ImportResult{Errors: []string{}}

	for i, exported := range doc.Keys {
		label := "key " + strconv.Itoa(i)

		key, acts, err := parseKey(exported)
		if err != nil {
			result.Errors = append(result.Errors, label+": "+err.Error())
			result.Skipped++
			continue
		}

		exists, err := s.keys.ValueExists(ctx, key.KeyValue)
		if err != nil {
			return nil, err
		}
		if exists {
			result.Skipped++
			continue
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.keys.WithTx(tx).Insert(ctx, key); err != nil {
				return err
			}
			ledger := s.ledger.WithTx(tx)
			for _, a := range acts {
				a.KeyID = key.ID
				if err := ledger.Import(ctx, a); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			result.Errors = append(result.Errors, label+": "+err.Error())
			result.Skipped++
			continue
		}

		result.Imported++
	}

	s.logger.Info().
		Int("imported", result.Imported).
		Int("skipped", result.Skipped).
		Msg("keys imported")
	return result, nil
}

func parseKey(exported ExportedKey) (*models.LicenseKey, []*models.Activation, error) {
	key := &models.LicenseKey{
		KeyValue:       keys.NormalizeKeyValue(exported.Key),
		Owner:          exported.Owner,
		Status:         models.KeyStatus(exported.Status),
		MaxActivations: exported.MaxActivations,
	}

	if exported.CreatedAt != "" {
		t, err := parseTime(exported.CreatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid created_at: %w", err)
		}
		key.CreatedAt = t
	}
	if exported.ExpiresAt != "" {
		t, err := parseTime(exported.ExpiresAt)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid expires_at: %w", err)
		}
		key.ExpiresAt = &t
	}

	acts := make([]*models.Activation, 0, len(exported.Activations))
	for _, a := range exported.Activations {
		if a.Fingerprint == "" {
			return nil, nil, fmt.Errorf("activation without fingerprint")
		}
		act := &models.Activation{Fingerprint: a.Fingerprint}
		if a.ActivatedAt != "" {
			t, err := parseTime(a.ActivatedAt)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid activated_at: %w", err)
			}
			act.ActivatedAt = t
		}
		if a.LastSeenAt != "" {
			t, err := parseTime(a.LastSeenAt)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid last_seen_at: %w", err)
			}
			act.LastSeenAt = t
		}
		acts = append(acts, act)
	}
	return key, acts, nil
}

// parseTime accepts RFC 3339 and the ISO form without zone written by older
// installations, read as UTC.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
}
