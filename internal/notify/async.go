package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrQueueFull = errors.New("notify: queue full")

// Async hands events to a background goroutine so slow transports (SMTP,
// broker reconnects) never hold up a webhook response.
type Async struct {
	next    Notifier
	log     *slog.Logger
	timeout time.Duration

	queue chan Event
	wg    sync.WaitGroup
	once  sync.Once
}

func NewAsync(next Notifier, buffer int, log *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{next: next, log: log, timeout: 30 * time.Second, queue: make(chan Event, buffer)}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, ev); err != nil {
			a.log.Error("notification failed", "event_id", ev.ID, "type", string(ev.Type), "err", err)
		}
		cancel()
	}
}

// Notify enqueues ev, or returns ErrQueueFull without blocking.
func (a *Async) Notify(_ context.Context, ev Event) error {
	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
// Notify must not be called after Close.
func (a *Async) Close(ctx context.Context) error {
	a.once.Do(func() { close(a.queue) })
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
