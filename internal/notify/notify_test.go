package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *captureNotifier) Notify(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMulti_JoinsErrors(t *testing.T) {
	ok := &captureNotifier{}
	bad := &captureNotifier{err: errors.New("smtp down")}
	err := Multi{ok, nil, bad}.Notify(context.Background(), Event{Type: EventEscalated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Equal(t, 1, ok.count())
}

func TestAsync_DeliversAndDrains(t *testing.T) {
	next := &captureNotifier{}
	a := NewAsync(next, 4, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Notify(context.Background(), Event{Type: EventLeadCaptured}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, 3, next.count())
}

type blockingNotifier struct{ release chan struct{} }

func (b blockingNotifier) Notify(context.Context, Event) error {
	<-b.release
	return nil
}

func TestAsync_FullQueueDoesNotBlock(t *testing.T) {
	b := blockingNotifier{release: make(chan struct{})}
	a := NewAsync(b, 1, nil)

	var full bool
	for i := 0; i < 5; i++ {
		if errors.Is(a.Notify(context.Background(), Event{}), ErrQueueFull) {
			full = true
			break
		}
	}
	assert.True(t, full)
	close(b.release)
	require.NoError(t, a.Close(context.Background()))
}

type fakeMailer struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeMailer) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestEmailNotifier_LeadCaptured(t *testing.T) {
	mailer := &fakeMailer{}
	n := NewEmailNotifierWithSender(mailer, "bot@estudio.com", []string{"staff@estudio.com"})

	err := n.Notify(context.Background(), Event{
		Type:  EventLeadCaptured,
		Phone: "+5491122334455",
		Lead:  Lead{Name: "Juan Pérez", Email: "juan@x.com", Interest: "alta_cliente"},
	})
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"Nuevo lead: Juan Pérez"}, mailer.sent[0].GetHeader("Subject"))
	assert.Equal(t, []string{"staff@estudio.com"}, mailer.sent[0].GetHeader("To"))
}

func TestEmailNotifier_NoRecipientsIsNoop(t *testing.T) {
	mailer := &fakeMailer{}
	require.NoError(t, NewEmailNotifierWithSender(mailer, "a@b.c", nil).Notify(context.Background(), Event{}))
	assert.Empty(t, mailer.sent)
}

func TestEmailNotifier_WrapsSendError(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("auth failed")}
	n := NewEmailNotifierWithSender(mailer, "a@b.c", []string{"s@b.c"})
	err := n.Notify(context.Background(), Event{Type: EventEscalated})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth failed")
}

func TestPublishing_IsPersistentJSON(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pub, err := publishing(Event{Type: EventEscalated, ConversationID: "c1", OccurredAt: now})
	require.NoError(t, err)
	assert.Equal(t, uint8(amqp.Persistent), pub.DeliveryMode)
	assert.Equal(t, "application/json", pub.ContentType)
	assert.Equal(t, string(EventEscalated), pub.Type)
	assert.NotEmpty(t, pub.MessageId)
	assert.Contains(t, string(pub.Body), `"conversation_id":"c1"`)
}
