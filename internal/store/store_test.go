package store_test

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/countersign/internal/models"
	"github.com/mpataki/countersign/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var issuedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createEnvelope(t *testing.T, s *store.Store, ttl time.Duration) *models.Envelope {
	t.Helper()
	env, err := s.Create(store.CreateParams{
		WorkItemID:  "t1",
		PlanHash:    "aaaa",
		ToolCallIDs: []string{"c-1", "c-2"},
		KeyID:       "k-1",
		IssuedAt:    issuedAt,
		TTL:         ttl,
	})
	require.NoError(t, err)
	return env
}

func TestCreate(t *testing.T) {
	s := newStore(t)

	env := createEnvelope(t, s, time.Hour)

	assert.NotEmpty(t, env.EnvelopeID)
	assert.Len(t, env.Nonce, 64)
	assert.Equal(t, models.StatePending, env.State)
	assert.Equal(t, issuedAt.Add(time.Hour), env.ExpiresAt)

	got, err := s.GetByNonce(env.Nonce)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	// Nonces are unique per envelope.
	other := createEnvelope(t, s, time.Hour)
	assert.NotEqual(t, env.Nonce, other.Nonce)
}

func TestConsume(t *testing.T) {
	s := newStore(t)
	env := createEnvelope(t, s, time.Hour)

	got, err := s.Consume(env.Nonce, issuedAt.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.StateConsumed, got.State)
}

func TestConsumeReplay(t *testing.T) {
	s := newStore(t)
	env := createEnvelope(t, s, time.Hour)

	_, err := s.Consume(env.Nonce, issuedAt.Add(10*time.Second))
	require.NoError(t, err)

	got, err := s.Consume(env.Nonce, issuedAt.Add(11*time.Second))
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)
	assert.Equal(t, models.StateConsumed, got.State)
}

func TestConsumeUnknownNonce(t *testing.T) {
	s := newStore(t)

	_, err := s.Consume("no-such-nonce", issuedAt)
	assert.ErrorIs(t, err, store.ErrUnknownNonce)
}

func TestConsumeExpiryBoundary(t *testing.T) {
	s := newStore(t)

	// now strictly before expires_at succeeds, now == expires_at fails.
	env := createEnvelope(t, s, time.Hour)
	_, err := s.Consume(env.Nonce, env.ExpiresAt)
	assert.ErrorIs(t, err, store.ErrExpired)

	env2 := createEnvelope(t, s, time.Hour)
	_, err = s.Consume(env2.Nonce, env2.ExpiresAt.Add(-time.Nanosecond))
	assert.NoError(t, err)
}

func TestConsumeAfterReject(t *testing.T) {
	s := newStore(t)
	env := createEnvelope(t, s, time.Hour)

	_, err := s.Reject(env.Nonce, issuedAt.Add(time.Second))
	require.NoError(t, err)

	_, err = s.Consume(env.Nonce, issuedAt.Add(2*time.Second))
	assert.ErrorIs(t, err, store.ErrAlreadyConsumed)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	s := newStore(t)
	env := createEnvelope(t, s, time.Hour)
	now := issuedAt.Add(time.Second)

	const attempts = 16
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Consume(env.Nonce, now)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, store.ErrAlreadyConsumed)
		}
	}
	assert.Equal(t, 1, winners, "exactly one consumption may succeed")
}

func TestExpireStale(t *testing.T) {
	s := newStore(t)
	stale := createEnvelope(t, s, time.Minute)
	fresh := createEnvelope(t, s, 2*time.Hour)

	n, err := s.ExpireStale(issuedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(stale.EnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)

	got, err = s.Get(fresh.EnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
}

func TestExpireAllPending(t *testing.T) {
	s := newStore(t)
	a := createEnvelope(t, s, time.Hour)
	b := createEnvelope(t, s, time.Hour)
	consumed := createEnvelope(t, s, time.Hour)
	_, err := s.Consume(consumed.Nonce, issuedAt.Add(time.Second))
	require.NoError(t, err)

	n, err := s.ExpireAllPending()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, id := range []string{a.EnvelopeID, b.EnvelopeID} {
		got, err := s.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.StateExpired, got.State)
	}

	got, err := s.Get(consumed.EnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, models.StateConsumed, got.State)
}

func TestPurgeKeepsPendingAndRecent(t *testing.T) {
	s := newStore(t)
	retention := 24 * time.Hour

	old := createEnvelope(t, s, time.Hour)
	_, err := s.Consume(old.Nonce, issuedAt.Add(time.Second))
	require.NoError(t, err)

	pending := createEnvelope(t, s, time.Hour)

	// Well past retention for the consumed envelope.
	now := old.ExpiresAt.Add(retention + time.Hour)

	n, err := s.Purge(now, retention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(old.EnvelopeID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	// Pending envelopes survive purge even when ancient.
	_, err = s.Get(pending.EnvelopeID)
	assert.NoError(t, err)
}

func TestList(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Create(store.CreateParams{
			WorkItemID:  "t1",
			PlanHash:    "aaaa",
			ToolCallIDs: []string{"c-1"},
			KeyID:       "k-1",
			IssuedAt:    issuedAt.Add(time.Duration(i) * time.Minute),
			TTL:         time.Hour,
		})
		require.NoError(t, err)
	}

	envs, err := s.List(2)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.True(t, envs[0].IssuedAt.After(envs[1].IssuedAt), "newest first")
}
