package repository_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/relay/internal/domain"
	"github.com/notifyhub/relay/internal/repository"
)

func newEvent(created time.Time, key *string) *domain.OutboxEvent {
	return &domain.OutboxEvent{
		ID:             uuid.New().String(),
		AggregateID:    "ws-1",
		AggregateType:  "workspace",
		EventType:      domain.EventWorkspaceCreated,
		EventVersion:   1,
		Payload:        json.RawMessage(`{"workspaceId":"ws-1"}`),
		CreatedAt:      created,
		IdempotencyKey: key,
	}
}

func TestMockRepo_InsertDuplicateKey(t *testing.T) {
	repo := repository.NewMockEventRepository()
	ctx := context.Background()
	key := "k1"

	first, dup, err := repo.Insert(ctx, newEvent(time.Now(), &key))
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := repo.Insert(ctx, newEvent(time.Now(), &key))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.All(), 1)
}

func TestMockRepo_ClaimVisibilityAndBudget(t *testing.T) {
	repo := repository.NewMockEventRepository()
	now := time.Unix(1_700_000_000, 0)
	repo.Now = func() time.Time { return now }
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, newEvent(now, nil))
	require.NoError(t, err)

	claimed, err := repo.Claim(ctx, 10, 30*time.Second, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].ProcessingAttempts)

	claimed, err = repo.Claim(ctx, 10, 30*time.Second, 2)
	require.NoError(t, err)
	assert.Empty(t, claimed, "claimed event is invisible during the visibility window")

	now = now.Add(31 * time.Second)
	claimed, err = repo.Claim(ctx, 10, 30*time.Second, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].ProcessingAttempts)

	now = now.Add(31 * time.Second)
	claimed, err = repo.Claim(ctx, 10, 30*time.Second, 2)
	require.NoError(t, err)
	assert.Empty(t, claimed, "attempt budget is spent")

	stuck, err := repo.ClaimExhausted(ctx, 10, 30*time.Second, 2)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, 2, stuck[0].ProcessingAttempts)
}

func TestMockRepo_ConcurrentClaimsAreDisjoint(t *testing.T) {
	repo := repository.NewMockEventRepository()
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 50; i++ {
		_, _, err := repo.Insert(ctx, newEvent(base.Add(time.Duration(i)*time.Millisecond), nil))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := repo.Claim(ctx, 7, time.Minute, 5)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					seen[e.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s claimed more than once", id)
	}
}

func TestMockRepo_Stats(t *testing.T) {
	repo := repository.NewMockEventRepository()
	ctx := context.Background()

	ok, _, _ := repo.Insert(ctx, newEvent(time.Now().Add(-time.Second), nil))
	retrying, _, _ := repo.Insert(ctx, newEvent(time.Now(), nil))
	failed, _, _ := repo.Insert(ctx, newEvent(time.Now(), nil))
	_, _, _ = repo.Insert(ctx, newEvent(time.Now(), nil))

	require.NoError(t, repo.MarkProcessed(ctx, ok.ID, 0))
	require.NoError(t, repo.MarkFailed(ctx, retrying.ID, 0, "timeout", false))
	require.NoError(t, repo.MarkFailed(ctx, failed.ID, 0, "bad payload", true))

	s, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Pending)
	assert.Equal(t, int64(1), s.Retrying)
	assert.Equal(t, int64(1), s.Processed)
	assert.Equal(t, int64(1), s.Failed)
	assert.Greater(t, s.AvgLatencyMs, 0.0)
}

func TestMockRepo_StaleClaimCannotOverwrite(t *testing.T) {
	repo := repository.NewMockEventRepository()
	now := time.Now()
	repo.Now = func() time.Time { return now }
	ctx := context.Background()

	e, _, err := repo.Insert(ctx, newEvent(now, nil))
	require.NoError(t, err)

	first, err := repo.Claim(ctx, 1, time.Second, 5)
	require.NoError(t, err)
	require.Len(t, first, 1)

	now = now.Add(2 * time.Second)
	second, err := repo.Claim(ctx, 1, time.Second, 5)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.NoError(t, repo.MarkProcessed(ctx, e.ID, second[0].ProcessingAttempts))

	err = repo.MarkFailed(ctx, e.ID, first[0].ProcessingAttempts, "timeout", false)
	assert.ErrorIs(t, err, domain.ErrClaimLost)
	assert.ErrorIs(t, repo.MarkProcessed(ctx, e.ID, second[0].ProcessingAttempts), domain.ErrClaimLost)
	assert.ErrorIs(t, repo.MarkFailed(ctx, e.ID, second[0].ProcessingAttempts, "late", true), domain.ErrClaimLost)

	got, err := repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Nil(t, got.LastError)

	s, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Processed)
	assert.Zero(t, s.Failed)
}

func TestMockRepo_StaleRetryBeforeReclaimSucceeds(t *testing.T) {
	repo := repository.NewMockEventRepository()
	now := time.Now()
	repo.Now = func() time.Time { return now }
	ctx := context.Background()

	e, _, err := repo.Insert(ctx, newEvent(now, nil))
	require.NoError(t, err)
	first, err := repo.Claim(ctx, 1, time.Second, 5)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = repo.Claim(ctx, 1, time.Second, 5)
	require.NoError(t, err)

	// The reclaim bumped the counter, so the first claimant's report is dropped
	// even though the event is still open.
	err = repo.MarkFailed(ctx, e.ID, first[0].ProcessingAttempts, "timeout", false)
	assert.ErrorIs(t, err, domain.ErrClaimLost)

	got, err := repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.Processed)
	assert.Nil(t, got.LastError)
}
