package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"whatsapp-engagement/internal/whatsapp"
	"whatsapp-engagement/pkg/logger"
)

// WorkerConfig tunes the delivery loop. Zero values take defaults.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SendTimeout  time.Duration
	// ClaimLease is how long a claimed message stays invisible to other ticks.
	// It must outlive SendTimeout.
	ClaimLease time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = 3 * time.Second
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = DefaultBackoffBase
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = DefaultBackoffMax
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = 10 * time.Second
	}
	if out.ClaimLease <= out.SendTimeout {
		out.ClaimLease = 2*out.SendTimeout + 5*time.Second
	}
	return out
}

// Delivery is a status change the worker reports for a message.
type Delivery struct {
	OutboxID          string
	ConversationID    string
	Status            Status
	ProviderMessageID string
	Error             string
	Tries             int
	At                time.Time
}

// DeliverySink mirrors delivery state onto the conversation records shown to
// operators.
type DeliverySink interface {
	OnDelivery(ctx context.Context, d Delivery) error
}

// Outcome is what happened to one message in a tick.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeRetry        Outcome = "retry"
	OutcomeFailed       Outcome = "failed"
	OutcomeError        Outcome = "error"
)

// TickResult summarizes one poll.
type TickResult struct {
	Claimed  int
	Outcomes map[Outcome]int
}

// Worker drains the outbox through a driver.
type Worker struct {
	repo   Repository
	driver whatsapp.Driver
	sink   DeliverySink
	cfg    WorkerConfig
	clock  func() time.Time
	log    *slog.Logger

	busy atomic.Bool

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	ticks    sync.WaitGroup
}

func NewWorker(repo Repository, driver whatsapp.Driver, sink DeliverySink, cfg WorkerConfig, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		repo:   repo,
		driver: driver,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		clock:  time.Now,
		log:    log.With("component", "outbox_worker", "driver", driver.Name()),
	}
}

// Config returns the effective configuration.
func (w *Worker) Config() WorkerConfig { return w.cfg }

// Start launches the poll loop. Batches run detached from ctx cancellation so
// Stop can let them finish.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.loopDone = make(chan struct{})

	go w.loop(loopCtx, context.WithoutCancel(ctx), w.loopDone)

	w.log.Info("outbox worker started",
		"poll_interval", w.cfg.PollInterval.String(),
		"batch_size", w.cfg.BatchSize,
		"max_retries", w.cfg.MaxRetries,
	)
	return nil
}

func (w *Worker) loop(ctx, batchCtx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ticks.Add(1)
			go func() {
				defer w.ticks.Done()
				w.Tick(batchCtx)
			}()
		}
	}
}

// Stop halts polling and waits for the in-flight batch, or for ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.cancel()
	loopDone := w.loopDone
	w.running = false
	w.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		<-loopDone
		w.ticks.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		w.log.Info("outbox worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox worker stop: %w", ctx.Err())
	}
}

// Tick claims one batch and dispatches it. It returns false without doing
// anything when a previous tick is still running.
func (w *Worker) Tick(ctx context.Context) (TickResult, bool) {
	if !w.busy.CompareAndSwap(false, true) {
		ticksSkipped.Inc()
		w.log.Debug("outbox tick skipped, previous batch still running")
		return TickResult{}, false
	}
	defer w.busy.Store(false)

	res := TickResult{Outcomes: make(map[Outcome]int)}

	msgs, err := w.repo.ClaimDue(ctx, w.clock().UTC(), w.cfg.BatchSize, w.cfg.ClaimLease)
	if err != nil {
		w.log.Error("outbox claim failed", "err", err)
		return res, true
	}
	res.Claimed = len(msgs)
	lastBatchSize.Set(float64(len(msgs)))
	if len(msgs) == 0 {
		return res, true
	}

	outcomes := make([]Outcome, len(msgs))
	var g errgroup.Group
	g.SetLimit(w.cfg.BatchSize)
	for i, m := range msgs {
		i, m := i, m
		g.Go(func() error {
			outcomes[i] = w.dispatch(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		res.Outcomes[o]++
		dispatchTotal.WithLabelValues(string(o)).Inc()
	}
	return res, true
}

// dispatch handles one claimed message. Its outcome never affects the others.
func (w *Worker) dispatch(ctx context.Context, m Message) Outcome {
	log := w.log.With("outbox_id", m.ID, "conversation_id", m.ConversationID, "tries", m.Tries)
	ctx = logger.With(ctx, log)

	sent, err := w.alreadySent(ctx, m)
	if err != nil {
		log.Error("outbox pre-send check failed", "err", err)
		return OutcomeError
	}
	if sent {
		now := w.clock().UTC()
		if err := w.repo.MarkSent(ctx, m.ID, "", now); err != nil {
			log.Error("outbox mark deduplicated failed", "err", err)
			return OutcomeError
		}
		w.notify(ctx, Delivery{OutboxID: m.ID, ConversationID: m.ConversationID, Status: StatusSent, Tries: m.Tries, At: now})
		log.Info("outbox message already sent, skipping driver", "idempotency_key", m.IdempotencyKey)
		return OutcomeDeduplicated
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	result, err := w.driver.Send(sendCtx, m.Phone, m.Text)
	cancel()
	if err == nil && result.Status == whatsapp.SendStatusFailed {
		err = errors.New("driver reported failed status")
	}
	resultLabel := "ok"
	if err != nil {
		resultLabel = "error"
	}
	sendDuration.WithLabelValues(w.driver.Name(), resultLabel).Observe(time.Since(start).Seconds())

	now := w.clock().UTC()
	if err != nil {
		return w.fail(ctx, log, m, err, now)
	}

	if err := w.repo.MarkSent(ctx, m.ID, result.MessageID, now); err != nil {
		// The provider accepted the message; the lease keeps it from being
		// retried until it expires.
		log.Error("outbox mark sent failed", "provider_message_id", result.MessageID, "err", err)
		return OutcomeError
	}
	w.notify(ctx, Delivery{
		OutboxID:          m.ID,
		ConversationID:    m.ConversationID,
		Status:            StatusSent,
		ProviderMessageID: result.MessageID,
		Tries:             m.Tries + 1,
		At:                now,
	})
	log.Info("outbox message sent", "provider_message_id", result.MessageID)
	return OutcomeSent
}

// alreadySent re-reads the message and looks for a sibling in the same
// conversation with the same idempotency key that an earlier run delivered.
func (w *Worker) alreadySent(ctx context.Context, m Message) (bool, error) {
	cur, err := w.repo.Get(ctx, m.ID)
	if err != nil {
		return false, err
	}
	if cur.Status == StatusSent {
		return true, nil
	}
	if m.IdempotencyKey == "" {
		return false, nil
	}
	return w.repo.HasSentWithKey(ctx, m.ConversationID, m.IdempotencyKey, m.ID)
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, m Message, sendErr error, now time.Time) Outcome {
	tries := m.Tries + 1
	f := AttemptFailure{
		ID:        m.ID,
		PrevTries: m.Tries,
		Tries:     tries,
		Status:    StatusPending,
		LastError: truncate(sendErr.Error(), 500),
		At:        now,
	}
	outcome := OutcomeRetry
	if tries >= w.cfg.MaxRetries {
		f.Status = StatusFailed
		outcome = OutcomeFailed
	} else {
		next := now.Add(BackoffDelay(tries, w.cfg.BackoffBase, w.cfg.BackoffMax))
		f.NextAttemptAt = &next
	}

	if err := w.repo.RecordFailure(ctx, f); err != nil {
		log.Error("outbox record failure failed", "send_err", sendErr, "err", err)
		return OutcomeError
	}

	if outcome == OutcomeFailed {
		log.Warn("outbox message failed permanently", "tries", tries, "err", sendErr)
		w.notify(ctx, Delivery{
			OutboxID:       m.ID,
			ConversationID: m.ConversationID,
			Status:         StatusFailed,
			Error:          f.LastError,
			Tries:          tries,
			At:             now,
		})
		return outcome
	}
	log.Warn("outbox send failed, will retry", "tries", tries, "next_attempt_at", f.NextAttemptAt, "err", sendErr)
	return outcome
}

func (w *Worker) notify(ctx context.Context, d Delivery) {
	if w.sink == nil {
		return
	}
	if err := w.sink.OnDelivery(ctx, d); err != nil {
		logger.From(ctx).Error("conversation delivery status update failed", "status", d.Status, "err", err)
	}
}

// truncate cuts s to at most n bytes without splitting a rune, and drops any
// invalid UTF-8 so the result is always storable as TEXT.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
