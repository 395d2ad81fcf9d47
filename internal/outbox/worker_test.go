package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"whatsapp-engagement/internal/whatsapp"
)

type mockDriver struct {
	mock.Mock
}

func (d *mockDriver) Name() string { return "test" }

func (d *mockDriver) Send(ctx context.Context, to, text string) (whatsapp.SendResult, error) {
	args := d.Called(ctx, to, text)
	return args.Get(0).(whatsapp.SendResult), args.Error(1)
}

// funcDriver lets a test control each send.
type funcDriver func(ctx context.Context, to, text string) (whatsapp.SendResult, error)

func (f funcDriver) Name() string { return "func" }
func (f funcDriver) Send(ctx context.Context, to, text string) (whatsapp.SendResult, error) {
	return f(ctx, to, text)
}

type recordingSink struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (s *recordingSink) OnDelivery(_ context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *recordingSink) all() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWorker(repo Repository, d whatsapp.Driver, sink DeliverySink, cfg WorkerConfig) (*Worker, *testClock) {
	clk := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	w := NewWorker(repo, d, sink, cfg, nil)
	w.clock = clk.Now
	return w, clk
}

func enqueue(t *testing.T, repo Repository, conv, phone, key string) Message {
	t.Helper()
	m, _, err := NewWriter(repo).Enqueue(context.Background(), EnqueueRequest{ConversationID: conv, Phone: phone, Text: "hola", IdempotencyKey: key})
	require.NoError(t, err)
	return m
}

func TestWorker_SendsAndMirrorsStatus(t *testing.T) {
	repo := NewMemoryRepo()
	m := enqueue(t, repo, "c1", "+1555", "k1")

	d := &mockDriver{}
	d.On("Send", mock.Anything, "+1555", "hola").Return(whatsapp.SendResult{MessageID: "wamid.1", Status: whatsapp.SendStatusSent}, nil).Once()
	sink := &recordingSink{}
	w, _ := newTestWorker(repo, d, sink, WorkerConfig{})

	res, ran := w.Tick(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Outcomes[OutcomeSent])

	got, err := repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "wamid.1", got.ProviderMessageID)

	deliveries := sink.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, StatusSent, deliveries[0].Status)
	assert.Equal(t, "wamid.1", deliveries[0].ProviderMessageID)
	assert.Equal(t, "c1", deliveries[0].ConversationID)
	d.AssertExpectations(t)
}

func TestWorker_RetryBoundReachesFailed(t *testing.T) {
	repo := NewMemoryRepo()
	m := enqueue(t, repo, "c1", "+1555", "")

	d := &mockDriver{}
	d.On("Send", mock.Anything, "+1555", "hola").Return(whatsapp.SendResult{Status: whatsapp.SendStatusFailed}, errors.New("network down"))
	sink := &recordingSink{}
	w, clk := newTestWorker(repo, d, sink, WorkerConfig{MaxRetries: 3, BackoffBase: time.Second, BackoffMax: 4 * time.Second})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, ran := w.Tick(ctx)
		require.True(t, ran)

		got, err := repo.Get(ctx, m.ID)
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, StatusPending, got.Status, "attempt %d", i)
			assert.Equal(t, i, got.Tries)
			require.NotNil(t, got.NextAttemptAt)
			assert.Equal(t, clk.Now().Add(BackoffDelay(i, time.Second, 4*time.Second)), *got.NextAttemptAt)
		}
		clk.Advance(time.Minute)
	}

	got, err := repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Tries)
	assert.Equal(t, "network down", got.LastError)
	d.AssertNumberOfCalls(t, "Send", 3)

	deliveries := sink.all()
	require.Len(t, deliveries, 1)
	assert.Equal(t, StatusFailed, deliveries[0].Status)
}

func TestWorker_BackoffHoldsMessageBack(t *testing.T) {
	repo := NewMemoryRepo()
	enqueue(t, repo, "c1", "+1555", "")

	d := &mockDriver{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(whatsapp.SendResult{}, errors.New("boom"))
	w, clk := newTestWorker(repo, d, nil, WorkerConfig{MaxRetries: 5, BackoffBase: 10 * time.Second})
	ctx := context.Background()

	w.Tick(ctx)
	clk.Advance(5 * time.Second)
	res, _ := w.Tick(ctx)
	assert.Equal(t, 0, res.Claimed)

	clk.Advance(5 * time.Second)
	res, _ = w.Tick(ctx)
	assert.Equal(t, 1, res.Claimed)
	d.AssertNumberOfCalls(t, "Send", 2)
}

func TestWorker_SameKeyInOtherConversationStillSends(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	first := enqueue(t, repo, "conv-a", "+1555", "staff:reply-1")

	d := &mockDriver{}
	d.On("Send", mock.Anything, "+1555", "hola").Return(whatsapp.SendResult{MessageID: "wamid.a", Status: whatsapp.SendStatusSent}, nil).Once()
	d.On("Send", mock.Anything, "+1666", "hola").Return(whatsapp.SendResult{MessageID: "wamid.b", Status: whatsapp.SendStatusSent}, nil).Once()
	sink := &recordingSink{}
	w, _ := newTestWorker(repo, d, sink, WorkerConfig{})

	res, _ := w.Tick(ctx)
	assert.Equal(t, 1, res.Outcomes[OutcomeSent])

	second := enqueue(t, repo, "conv-b", "+1666", "staff:reply-1")
	res, _ = w.Tick(ctx)
	assert.Equal(t, 1, res.Outcomes[OutcomeSent])
	assert.Zero(t, res.Outcomes[OutcomeDeduplicated])
	d.AssertExpectations(t)

	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "wamid.a", got.ProviderMessageID)
	got, err = repo.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "wamid.b", got.ProviderMessageID)
	assert.Len(t, sink.all(), 2)
}

// racingRepo marks every claimed message as sent right after the claim, as a
// concurrent run would.
type racingRepo struct {
	*MemoryRepo
}

func (r racingRepo) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Message, error) {
	msgs, err := r.MemoryRepo.ClaimDue(ctx, now, limit, lease)
	for _, m := range msgs {
		_ = r.MemoryRepo.MarkSent(ctx, m.ID, "wamid.other", now)
	}
	return msgs, err
}

func TestWorker_NoDuplicateSendAfterConcurrentMarkSent(t *testing.T) {
	repo := racingRepo{NewMemoryRepo()}
	m := enqueue(t, repo, "c1", "+1555", "k")

	d := &mockDriver{}
	w, _ := newTestWorker(repo, d, nil, WorkerConfig{})
	res, _ := w.Tick(context.Background())

	assert.Equal(t, 1, res.Outcomes[OutcomeDeduplicated])
	d.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	got, err := repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "wamid.other", got.ProviderMessageID)
}

func TestWorker_FailureIsIsolatedWithinBatch(t *testing.T) {
	repo := NewMemoryRepo()
	ok := enqueue(t, repo, "c1", "+1111", "")
	bad := enqueue(t, repo, "c2", "+2222", "")

	d := funcDriver(func(_ context.Context, to, _ string) (whatsapp.SendResult, error) {
		if to == "+2222" {
			return whatsapp.SendResult{Status: whatsapp.SendStatusFailed}, errors.New("invalid number")
		}
		return whatsapp.SendResult{MessageID: "wamid.ok", Status: whatsapp.SendStatusSent}, nil
	})
	w, _ := newTestWorker(repo, d, nil, WorkerConfig{})
	res, _ := w.Tick(context.Background())
	assert.Equal(t, 1, res.Outcomes[OutcomeSent])
	assert.Equal(t, 1, res.Outcomes[OutcomeRetry])

	gotOK, _ := repo.Get(context.Background(), ok.ID)
	gotBad, _ := repo.Get(context.Background(), bad.ID)
	assert.Equal(t, StatusSent, gotOK.Status)
	assert.Equal(t, StatusPending, gotBad.Status)
	assert.Equal(t, 1, gotBad.Tries)
}

func TestWorker_SendTimeoutCountsAsFailure(t *testing.T) {
	repo := NewMemoryRepo()
	m := enqueue(t, repo, "c1", "+1555", "")

	d := funcDriver(func(ctx context.Context, _, _ string) (whatsapp.SendResult, error) {
		<-ctx.Done()
		return whatsapp.SendResult{Status: whatsapp.SendStatusFailed}, ctx.Err()
	})
	w, _ := newTestWorker(repo, d, nil, WorkerConfig{SendTimeout: 20 * time.Millisecond})
	res, _ := w.Tick(context.Background())
	assert.Equal(t, 1, res.Outcomes[OutcomeRetry])

	got, _ := repo.Get(context.Background(), m.ID)
	assert.Equal(t, 1, got.Tries)
	assert.Contains(t, got.LastError, "deadline exceeded")
}

func TestWorker_OverlappingTickIsSkipped(t *testing.T) {
	repo := NewMemoryRepo()
	enqueue(t, repo, "c1", "+1555", "")

	started := make(chan struct{})
	release := make(chan struct{})
	d := funcDriver(func(_ context.Context, _, _ string) (whatsapp.SendResult, error) {
		close(started)
		<-release
		return whatsapp.SendResult{MessageID: "x", Status: whatsapp.SendStatusSent}, nil
	})
	w, _ := newTestWorker(repo, d, nil, WorkerConfig{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Tick(context.Background())
	}()
	<-started

	_, ran := w.Tick(context.Background())
	assert.False(t, ran)

	close(release)
	<-done
	_, ran = w.Tick(context.Background())
	assert.True(t, ran)
}

func TestWorker_StopWaitsForInFlightBatch(t *testing.T) {
	repo := NewMemoryRepo()
	m := enqueue(t, repo, "c1", "+1555", "")

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	d := funcDriver(func(_ context.Context, _, _ string) (whatsapp.SendResult, error) {
		once.Do(func() { close(started) })
		<-release
		return whatsapp.SendResult{MessageID: "wamid.1", Status: whatsapp.SendStatusSent}, nil
	})
	w := NewWorker(repo, d, nil, WorkerConfig{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.ErrorIs(t, w.Start(ctx), ErrAlreadyRunning)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never dispatched")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a batch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	got, err := repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
}

func TestWorkerConfig_Defaults(t *testing.T) {
	c := WorkerConfig{}.withDefaults()
	assert.Equal(t, 3*time.Second, c.PollInterval)
	assert.Equal(t, 10, c.BatchSize)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Greater(t, c.ClaimLease, c.SendTimeout)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	got := truncate(strings.Repeat("a", 499)+"é mensaje", 500)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 499), got)

	assert.Equal(t, "corto", truncate("corto", 500))
	assert.Equal(t, "ab", truncate("a\xffb", 500))
}

func TestWorker_LongAccentedErrorStoredAsValidText(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	m := enqueue(t, repo, "c1", "+1555", "k1")

	body := strings.Repeat("x", 499) + "ñandú no disponible"
	d := funcDriver(func(_ context.Context, _, _ string) (whatsapp.SendResult, error) {
		return whatsapp.SendResult{Status: whatsapp.SendStatusFailed}, errors.New(body)
	})
	w, _ := newTestWorker(repo, d, nil, WorkerConfig{MaxRetries: 3})

	res, _ := w.Tick(ctx)
	assert.Equal(t, 1, res.Outcomes[OutcomeRetry])

	got, err := repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Tries)
	assert.True(t, utf8.ValidString(got.LastError))
	assert.LessOrEqual(t, len(got.LastError), 500)
}
