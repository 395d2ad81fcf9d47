package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(ttl time.Duration) (*MemoryStore, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(ttl)
	s.clock = clk.Now
	return s, clk
}

func TestMemoryStore_UpsertCreatesStartSession(t *testing.T) {
	s, clk := newTestStore(time.Minute)
	ctx := context.Background()

	_, err := s.Get(ctx, "+5491100000000")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.Upsert(ctx, "+5491100000000", nil)
	require.NoError(t, err)
	assert.Equal(t, StateStart, got.State)
	assert.Equal(t, clk.Now(), got.UpdatedAt)

	stored, err := s.Get(ctx, "+5491100000000")
	require.NoError(t, err)
	assert.Equal(t, got, stored)
}

func TestMemoryStore_MutatorErrorLeavesSessionUntouched(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "+1", func(sess *Session) error {
		sess.State = StateWaitCUIT
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("lead store down")
	_, err = s.Upsert(ctx, "+1", func(sess *Session) error {
		sess.State = StateHumano
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, StateWaitCUIT, got.State)
}

func TestMemoryStore_RejectsInvalidState(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	_, err := s.Upsert(context.Background(), "+1", func(sess *Session) error {
		sess.State = "NOPE"
		return nil
	})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_ExpiredSessionRestarts(t *testing.T) {
	s, clk := newTestStore(30 * time.Minute)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "+1", func(sess *Session) error {
		sess.State = StateNoClienteEmail
		sess.Data.Name = "Juan"
		return nil
	})
	require.NoError(t, err)

	clk.Advance(31 * time.Minute)
	_, err = s.Get(ctx, "+1")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.Upsert(ctx, "+1", nil)
	require.NoError(t, err)
	assert.Equal(t, StateStart, got.State)
	assert.Empty(t, got.Data.Name)
}

func TestMemoryStore_SweepExpired(t *testing.T) {
	s, clk := newTestStore(30 * time.Minute)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "+old", nil)
	require.NoError(t, err)
	clk.Advance(20 * time.Minute)
	_, err = s.Upsert(ctx, "+fresh", nil)
	require.NoError(t, err)
	clk.Advance(15 * time.Minute)

	n, err := s.SweepExpired(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get(ctx, "+fresh")
	require.NoError(t, err)
}

func TestMemoryStore_SweepSkipsSessionRefreshedDuringSweep(t *testing.T) {
	s, clk := newTestStore(time.Minute)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "+1", nil)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	sweepAt := clk.Now()

	// Hold the phone lock, refresh the session, then let the sweep proceed.
	s.locks.Lock("+1")
	done := make(chan int)
	go func() {
		n, _ := s.SweepExpired(ctx, sweepAt)
		done <- n
	}()
	s.mu.Lock()
	sess := s.sessions["+1"]
	sess.UpdatedAt = clk.Now()
	s.sessions["+1"] = sess
	s.mu.Unlock()
	s.locks.Unlock("+1")

	assert.Equal(t, 0, <-done)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_SamePhoneMutationsSerialize(t *testing.T) {
	s, _ := newTestStore(time.Hour)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Upsert(ctx, "+1", func(sess *Session) error {
				// read-modify-write on a counter kept in Name
				sess.Data.Name += "x"
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "+1")
	require.NoError(t, err)
	assert.Len(t, got.Data.Name, n)
}

func TestMemoryStore_Closed(t *testing.T) {
	s, _ := newTestStore(time.Minute)
	require.NoError(t, s.Close())
	_, err := s.Upsert(context.Background(), "+1", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestStateValid(t *testing.T) {
	for _, st := range States {
		assert.True(t, st.Valid(), st)
	}
	assert.False(t, State("").Valid())
	assert.False(t, State("start").Valid())
}

func TestJanitor_SweepOnce(t *testing.T) {
	s, clk := newTestStore(time.Minute)
	ctx := context.Background()
	_, err := s.Upsert(ctx, "+1", nil)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	j := NewJanitor(s, time.Minute, nil)
	j.clock = clk.Now
	assert.Equal(t, 1, j.SweepOnce(ctx))
	assert.Equal(t, 0, s.Len())
}
