package outbox

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_EnqueueDefaults(t *testing.T) {
	w := NewWriter(NewMemoryRepo())
	m, created, err := w.Enqueue(context.Background(), EnqueueRequest{ConversationID: "c1", Phone: "+1555", Text: "hola"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 0, m.Tries)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestWriter_EnqueueValidates(t *testing.T) {
	w := NewWriter(NewMemoryRepo())
	_, _, err := w.Enqueue(context.Background(), EnqueueRequest{Phone: "+1", Text: "x"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, _, err = w.Enqueue(context.Background(), EnqueueRequest{ConversationID: "c", Phone: "+1", Text: "  "})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWriter_EnqueueIsIdempotentPerConversation(t *testing.T) {
	repo := NewMemoryRepo()
	w := NewWriter(repo)
	ctx := context.Background()
	req := EnqueueRequest{ConversationID: "c1", Phone: "+1555", Text: "hola", IdempotencyKey: "wamid.1:0"}

	first, created, err := w.Enqueue(ctx, req)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := w.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Same key in another conversation is a different message.
	req.ConversationID = "c2"
	third, created, err := w.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)

	all, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWriter_ConcurrentEnqueueSameKey(t *testing.T) {
	repo := NewMemoryRepo()
	w := NewWriter(repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _, err := w.Enqueue(ctx, EnqueueRequest{ConversationID: "c1", Phone: "+1", Text: "x", IdempotencyKey: "k"})
			assert.NoError(t, err)
			ids[i] = m.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWriter_Resend(t *testing.T) {
	repo := NewMemoryRepo()
	w := NewWriter(repo)
	ctx := context.Background()

	m, _, err := w.Enqueue(ctx, EnqueueRequest{ConversationID: "c1", Phone: "+1", Text: "x"})
	require.NoError(t, err)

	_, _, err = w.Resend(ctx, m.ID)
	require.ErrorIs(t, err, ErrNotFailed)

	require.NoError(t, repo.RecordFailure(ctx, AttemptFailure{ID: m.ID, PrevTries: 0, Tries: 1, Status: StatusFailed, LastError: "boom", At: m.CreatedAt}))

	copy1, created, err := w.Resend(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusPending, copy1.Status)
	assert.Equal(t, "x", copy1.Text)

	copy2, created, err := w.Resend(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, copy1.ID, copy2.ID)

	orig, err := repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, orig.Status)
}
