package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, repo *MemoryRepo, id string, created time.Time) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), Message{
		ID: id, ConversationID: "c", Phone: "+1", Text: id, Status: StatusPending, CreatedAt: created, UpdatedAt: created,
	}))
}

func TestMemoryRepo_ClaimDueOrdersAndLeases(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, repo, "c", t0.Add(3*time.Second))
	seed(t, repo, "a", t0.Add(1*time.Second))
	seed(t, repo, "b", t0.Add(2*time.Second))

	got, err := repo.ClaimDue(ctx, t0.Add(time.Minute), 2, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	// Leased messages are invisible until the lease ends.
	again, err := repo.ClaimDue(ctx, t0.Add(time.Minute), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "c", again[0].ID)

	later, err := repo.ClaimDue(ctx, t0.Add(2*time.Minute), 10, 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, later, 3)
}

func TestMemoryRepo_SentNeverReverts(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	now := time.Now().UTC()
	seed(t, repo, "m", now)

	require.NoError(t, repo.MarkSent(ctx, "m", "wamid.1", now))
	require.NoError(t, repo.MarkSent(ctx, "m", "wamid.2", now))

	err := repo.RecordFailure(ctx, AttemptFailure{ID: "m", PrevTries: 0, Tries: 1, Status: StatusPending, At: now})
	require.ErrorIs(t, err, ErrConflict)

	m, err := repo.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, "wamid.1", m.ProviderMessageID)
}

func TestMemoryRepo_RecordFailureGuardsTries(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	now := time.Now().UTC()
	seed(t, repo, "m", now)

	require.NoError(t, repo.RecordFailure(ctx, AttemptFailure{ID: "m", PrevTries: 0, Tries: 1, Status: StatusPending, At: now}))
	// A stale writer that still thinks tries=0 must not overwrite.
	require.ErrorIs(t, repo.RecordFailure(ctx, AttemptFailure{ID: "m", PrevTries: 0, Tries: 1, Status: StatusPending, At: now}), ErrConflict)
}

func TestMemoryRepo_Stats(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, repo, "a", t0)
	seed(t, repo, "b", t0.Add(time.Second))
	require.NoError(t, repo.MarkSent(ctx, "a", "", t0))

	st, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ByStatus[StatusPending])
	assert.Equal(t, 1, st.ByStatus[StatusSent])
	assert.Equal(t, 0, st.ByStatus[StatusFailed])
	require.NotNil(t, st.OldestPendingAt)
	assert.Equal(t, t0.Add(time.Second), *st.OldestPendingAt)
}

func TestMemoryRepo_HasSentWithKeyIsPerConversation(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	m := enqueue(t, repo, "conv-a", "+1555", "k")
	require.NoError(t, repo.MarkSent(ctx, m.ID, "wamid.1", time.Now()))

	ok, err := repo.HasSentWithKey(ctx, "conv-a", "k", "other")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.HasSentWithKey(ctx, "conv-b", "k", "other")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.HasSentWithKey(ctx, "conv-a", "k", m.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
