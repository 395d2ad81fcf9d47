package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// SendStatus is the driver-level outcome of one send.
type SendStatus string

const (
	SendStatusSent   SendStatus = "sent"
	SendStatusFailed SendStatus = "failed"
	SendStatusMock   SendStatus = "mock"
)

// SendResult is what a driver reports for one outbound text.
type SendResult struct {
	MessageID string     `json:"message_id,omitempty"`
	Status    SendStatus `json:"status"`
}

// Driver sends WhatsApp text messages.
//
// Rules:
// - No provider calls outside driver implementations.
// - Send must honor ctx cancellation; callers bound it with a timeout.
// - A non-nil error always means the message was not accepted by the provider.
type Driver interface {
	Name() string
	Send(ctx context.Context, to, text string) (SendResult, error)
}

const (
	DriverMock  = "mock"
	DriverCloud = "cloud"
)

var ErrNotConfigured = errors.New("whatsapp: driver not configured")

// Config selects and configures the outbound driver.
type Config struct {
	Driver            string
	Cloud             CloudConfig
	AllowMockFallback bool
}

// NewDriver builds the configured driver. A cloud driver that cannot be built
// is an error unless AllowMockFallback is set, in which case the mock driver is
// returned and a warning logged.
func NewDriver(cfg Config, log *slog.Logger) (Driver, error) {
	if log == nil {
		log = slog.Default()
	}

	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var err error
	switch name {
	case "", DriverMock:
		return NewMockDriver(), nil
	case DriverCloud:
		var d *CloudDriver
		d, err = NewCloudDriver(cfg.Cloud)
		if err == nil {
			return d, nil
		}
	default:
		err = fmt.Errorf("%w: unknown driver %q", ErrNotConfigured, cfg.Driver)
	}

	if cfg.AllowMockFallback {
		log.Warn("whatsapp driver misconfigured, falling back to mock", "driver", name, "err", err)
		return NewMockDriver(), nil
	}
	return nil, err
}
