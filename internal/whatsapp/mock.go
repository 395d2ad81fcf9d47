package whatsapp

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const mockHistory = 100

// SentMessage is a text accepted by the mock driver.
type SentMessage struct {
	ID   string
	To   string
	Text string
}

// MockDriver accepts every message without any network call.
type MockDriver struct {
	mu   sync.Mutex
	sent []SentMessage
}

func NewMockDriver() *MockDriver { return &MockDriver{} }

func (d *MockDriver) Name() string { return DriverMock }

func (d *MockDriver) Send(ctx context.Context, to, text string) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{Status: SendStatusFailed}, err
	}
	id := "mock-" + uuid.NewString()

	d.mu.Lock()
	d.sent = append(d.sent, SentMessage{ID: id, To: to, Text: text})
	if len(d.sent) > mockHistory {
		d.sent = d.sent[len(d.sent)-mockHistory:]
	}
	d.mu.Unlock()

	return SendResult{MessageID: id, Status: SendStatusMock}, nil
}

// Sent returns the most recent messages accepted by the driver.
func (d *MockDriver) Sent() []SentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SentMessage, len(d.sent))
	copy(out, d.sent)
	return out
}
