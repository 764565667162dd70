package licensing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikepea/flux/pkg/flux/apperrors"
	"github.com/mikepea/flux/pkg/flux/config"
	"github.com/mikepea/flux/pkg/flux/database"
	"github.com/mikepea/flux/pkg/flux/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err, "Failed to connect to test database")
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func setupService(t *testing.T, opts ...Option) (*Service, *gorm.DB) {
	db := setupTestDB(t)
	return NewService(db, zerolog.Nop(), opts...), db
}

func createKey(t *testing.T, s *Service, maxActivations int) *models.LicenseKey {
	key, err := s.CreateKey(context.Background(), CreateKeyInput{Owner: "customer@example.com", MaxActivations: maxActivations})
	require.NoError(t, err)
	return key
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingRecorder) RecordOutcome(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, operation+":"+outcome)
}

func TestActivationLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	key := createKey(t, s, 2)

	a, err := s.Activate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	assert.True(t, a.Activated)
	assert.Equal(t, 1, a.RemainingActivations)

	b, err := s.Activate(ctx, key.KeyValue, "machine-b")
	require.NoError(t, err)
	assert.True(t, b.Activated)
	assert.Equal(t, 0, b.RemainingActivations)

	c, err := s.Activate(ctx, key.KeyValue, "machine-c")
	require.NoError(t, err)
	assert.False(t, c.Activated)
	assert.Equal(t, ReasonLimitExceeded, c.Reason)
	assert.ErrorIs(t, c.Err(), apperrors.ErrLimitExceeded)

	d, err := s.Deactivate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	assert.True(t, d.Deactivated)
	assert.True(t, d.Removed)

	c, err = s.Activate(ctx, key.KeyValue, "machine-c")
	require.NoError(t, err)
	assert.True(t, c.Activated)
	assert.NoError(t, c.Err())

	summary, err := s.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.ActiveCount)
}

func TestActivateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	key := createKey(t, s, 1)

	first, err := s.Activate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	require.True(t, first.Activated)

	time.Sleep(5 * time.Millisecond)
	again, err := s.Activate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	assert.True(t, again.Activated)
	assert.True(t, again.AlreadyActive)
	assert.Equal(t, first.Activation.ID, again.Activation.ID)
	assert.True(t, again.Activation.LastSeenAt.After(first.Activation.LastSeenAt))
	assert.Equal(t, 0, again.RemainingActivations)

	list, err := s.ListActivations(ctx, key.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestActivateNormalizesInput(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	key := createKey(t, s, 1)

	res, err := s.Activate(ctx, fmt.Sprintf(`  "%s" `, strings.ToLower(key.KeyValue)), "  machine-a ")
	require.NoError(t, err)
	assert.True(t, res.Activated)
	assert.Equal(t, "machine-a", res.Activation.Fingerprint)

	v, err := s.Validate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestMissingInputIsValidationError(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)

	_, err := s.Validate(ctx, "  ", "machine-a")
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "key", verr.Field)
	assert.Equal(t, "missing key", verr.Message)

	_, err = s.Activate(ctx, "FLUX-ABCDE", "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "fingerprint", verr.Field)

	_, err = s.Deactivate(ctx, "FLUX-ABCDE", strings.Repeat("x", MaxFingerprintLength+1))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestUnknownKey(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)

	v, err := s.Validate(ctx, "FLUX-NOPE", "machine-a")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonUnknownKey, v.Reason)
	assert.ErrorIs(t, v.Err(), ErrInvalidLicense)

	a, err := s.Activate(ctx, "FLUX-NOPE", "machine-a")
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownKey, a.Reason)

	d, err := s.Deactivate(ctx, "FLUX-NOPE", "machine-a")
	require.NoError(t, err)
	assert.False(t, d.Deactivated)
	assert.Equal(t, ReasonUnknownKey, d.Reason)
}

func TestValidateNeverActivated(t *testing.T) {
	ctx := context.Background()
	s, db := setupService(t)
	key := createKey(t, s, 2)

	v, err := s.Validate(ctx, key.KeyValue, "machine-x")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonNotActivated, v.Reason)
	assert.Equal(t, 2, v.RemainingActivations)

	var count int64
	db.Model(&models.Activation{}).Count(&count)
	assert.Zero(t, count, "validate must not create activations")
}

func TestRevokedKey(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	key := createKey(t, s, 2)

	_, err := s.Activate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)

	revoked, err := s.RevokeKey(ctx, key.ID)
	require.NoError(t, err)
	assert.True(t, revoked.IsRevoked())

	v, err := s.Validate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonRevoked, v.Reason)

	a, err := s.Activate(ctx, key.KeyValue, "machine-b")
	require.NoError(t, err)
	assert.False(t, a.Activated)
	assert.Equal(t, ReasonRevoked, a.Reason)

	d, err := s.Deactivate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	assert.True(t, d.Deactivated, "revoked keys may still be deactivated")
	assert.True(t, d.Removed)

	_, err = s.RevokeKey(ctx, 9999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestExpiredKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s, _ := setupService(t, WithClock(func() time.Time { return now }))

	key, err := s.CreateKey(ctx, CreateKeyInput{MaxActivations: 1, ValidDays: 30})
	require.NoError(t, err)
	require.NotNil(t, key.ExpiresAt)
	assert.True(t, key.ExpiresAt.Equal(now.AddDate(0, 0, 30)))

	a, err := s.Activate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	require.True(t, a.Activated)

	now = now.AddDate(0, 0, 31)

	v, err := s.Validate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonExpired, v.Reason)

	a, err = s.Activate(ctx, key.KeyValue, "machine-a")
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, a.Reason)
}

func TestCreateKeyValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)

	_, err := s.CreateKey(ctx, CreateKeyInput{MaxActivations: 0})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = s.CreateKey(ctx, CreateKeyInput{MaxActivations: 1, ValidDays: -1})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	key, err := s.CreateKey(ctx, CreateKeyInput{Owner: "  someone  ", MaxActivations: 1})
	require.NoError(t, err)
	assert.Equal(t, "someone", key.Owner)
	assert.Nil(t, key.ExpiresAt)
}

func TestDeleteKeyRemovesActivations(t *testing.T) {
	ctx := context.Background()
	s, db := setupService(t)
	key := createKey(t, s, 3)
	other := createKey(t, s, 1)

	for _, fp := range []string{"a", "b", "c"} {
		_, err := s.Activate(ctx, key.KeyValue, fp)
		require.NoError(t, err)
	}
	_, err := s.Activate(ctx, other.KeyValue, "a")
	require.NoError(t, err)

	require.NoError(t, s.DeleteKey(ctx, key.ID))

	var count int64
	db.Model(&models.Activation{}).Where("key_id = ?", key.ID).Count(&count)
	assert.Zero(t, count)

	v, err := s.Validate(ctx, key.KeyValue, "a")
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownKey, v.Reason)

	v, err = s.Validate(ctx, other.KeyValue, "a")
	require.NoError(t, err)
	assert.True(t, v.Valid)

	assert.ErrorIs(t, s.DeleteKey(ctx, key.ID), apperrors.ErrNotFound)

	_, err = s.GetKey(ctx, key.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = s.ListActivations(ctx, key.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestLoweredLimitIsGrandfathered(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	key := createKey(t, s, 3)

	for _, fp := range []string{"a", "b", "c"} {
		_, err := s.Activate(ctx, key.KeyValue, fp)
		require.NoError(t, err)
	}

	summary, err := s.SetMaxActivations(ctx, key.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MaxActivations)
	assert.Equal(t, int64(3), summary.ActiveCount)

	v, err := s.Validate(ctx, key.KeyValue, "b")
	require.NoError(t, err)
	assert.True(t, v.Valid, "existing activations keep validating")
	assert.Equal(t, 0, v.RemainingActivations)

	a, err := s.Activate(ctx, key.KeyValue, "d")
	require.NoError(t, err)
	assert.Equal(t, ReasonLimitExceeded, a.Reason)

	for _, fp := range []string{"a", "b", "c"} {
		_, err := s.Deactivate(ctx, key.KeyValue, fp)
		require.NoError(t, err)
	}
	a, err = s.Activate(ctx, key.KeyValue, "d")
	require.NoError(t, err)
	assert.True(t, a.Activated)

	_, err = s.SetMaxActivations(ctx, key.ID, 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestListKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	first := createKey(t, s, 2)
	second := createKey(t, s, 2)

	_, err := s.Activate(ctx, first.KeyValue, "a")
	require.NoError(t, err)
	_, err = s.Activate(ctx, first.KeyValue, "b")
	require.NoError(t, err)

	list, err := s.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, int64(0), list[0].ActiveCount)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, int64(2), list[1].ActiveCount)
}

func TestConcurrentActivationsRespectLimit(t *testing.T) {
	ctx := context.Background()
	s, _ := setupService(t)
	const limit = 3
	const clients = 20
	key := createKey(t, s, limit)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int
		refused  int
		failures []error
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Activate(ctx, key.KeyValue, fmt.Sprintf("machine-%d", i))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failures = append(failures, err)
			case res.Activated:
				granted++
			case errors.Is(res.Err(), apperrors.ErrLimitExceeded):
				refused++
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, failures)
	assert.Equal(t, limit, granted)
	assert.Equal(t, clients-limit, refused)

	summary, err := s.GetKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), summary.ActiveCount)
	assert.Zero(t, s.locks.size(), "per-key locks are released")
}

func TestRecorderSeesOutcomes(t *testing.T) {
	ctx := context.Background()
	rec := &recordingRecorder{}
	s, _ := setupService(t, WithRecorder(rec))
	key := createKey(t, s, 1)

	_, _ = s.Validate(ctx, key.KeyValue, "a")
	_, _ = s.Activate(ctx, key.KeyValue, "a")
	_, _ = s.Activate(ctx, key.KeyValue, "b")
	_, _ = s.Validate(ctx, key.KeyValue, "a")
	_, _ = s.Deactivate(ctx, key.KeyValue, "a")
	_, _ = s.Validate(ctx, "FLUX-NOPE", "a")

	assert.Equal(t, []string{
		"validate:not_activated",
		"activate:activated",
		"activate:limit_exceeded",
		"validate:valid",
		"deactivate:deactivated",
		"validate:unknown_key",
	}, rec.outcomes)
}

func TestKeyLocks(t *testing.T) {
	locks := newKeyLocks()

	unlock := locks.Lock(1)
	acquired := make(chan struct{})
	go func() {
		u := locks.Lock(1)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(20 * time.Millisecond):
	}

	other := locks.Lock(2)
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}

	assert.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	s, _ := setupService(t, WithClock(func() time.Time { return now }))

	active := createKey(t, s, 2)
	revoked := createKey(t, s, 1)
	_, err := s.CreateKey(ctx, CreateKeyInput{MaxActivations: 1, ValidDays: 1})
	require.NoError(t, err)

	_, err = s.Activate(ctx, active.KeyValue, "a")
	require.NoError(t, err)
	_, err = s.Activate(ctx, revoked.KeyValue, "a")
	require.NoError(t, err)
	_, err = s.RevokeKey(ctx, revoked.ID)
	require.NoError(t, err)

	now = now.AddDate(0, 0, 2)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalKeys)
	assert.Equal(t, int64(2), stats.ActiveKeys)
	assert.Equal(t, int64(1), stats.RevokedKeys)
	assert.Equal(t, int64(1), stats.ExpiredKeys)
	assert.Equal(t, int64(2), stats.TotalActivations)
}
