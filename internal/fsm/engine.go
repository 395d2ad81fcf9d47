package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"whatsapp-engagement/internal/session"
	"whatsapp-engagement/pkg/logger"
)

var transitionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fsm_transitions_total",
		Help: "Processed inbound messages by source and destination state",
	},
	[]string{"from", "to"},
)

// LeadRecorder persists a completed lead. It is called inside the session
// upsert, so an error rolls the transition back.
type LeadRecorder interface {
	Record(ctx context.Context, phone string, data session.LeadData) error
}

// Result is what one inbound message produced.
type Result struct {
	Session      session.Session
	Previous     session.State
	Replies      []string
	Escalate     bool
	LeadCaptured bool
}

type Engine struct {
	store session.Store
	leads LeadRecorder
}

func NewEngine(store session.Store, leads LeadRecorder) *Engine {
	return &Engine{store: store, leads: leads}
}

// ProcessMessage applies text to the phone's session. Messages for the same
// phone are serialized by the store, so they are applied in arrival order.
func (e *Engine) ProcessMessage(ctx context.Context, phone, text string) (Result, error) {
	return e.ProcessTurn(ctx, phone, "", text)
}

// ProcessTurn is ProcessMessage for an identified inbound message. The turn's
// outcome is stored with the session so LastTurn can return it later.
func (e *Engine) ProcessTurn(ctx context.Context, phone, messageID, text string) (Result, error) {
	var (
		step Step
		prev session.State
	)
	sess, err := e.store.Upsert(ctx, phone, func(s *session.Session) error {
		prev = s.State
		step = Transition(s.State, s.Data, text)
		if step.CaptureLead && e.leads != nil {
			if err := e.leads.Record(ctx, s.Phone, step.Data); err != nil {
				return fmt.Errorf("persist lead: %w", err)
			}
		}
		s.State = step.Next
		s.Data = step.Data
		s.LastTurn = session.Turn{
			MessageID:    messageID,
			Replies:      step.Replies,
			Escalate:     step.Escalate,
			LeadCaptured: step.CaptureLead,
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("process message: %w", err)
	}

	transitionsTotal.WithLabelValues(string(prev), string(sess.State)).Inc()
	logger.From(ctx).Debug("fsm transition",
		slog.String("phone", logger.MaskPhone(phone)),
		slog.String("from", string(prev)),
		slog.String("to", string(sess.State)),
		slog.Int("replies", len(step.Replies)),
		slog.Bool("escalate", step.Escalate),
	)

	return Result{
		Session:      sess,
		Previous:     prev,
		Replies:      step.Replies,
		Escalate:     step.Escalate,
		LeadCaptured: step.CaptureLead,
	}, nil
}

// LastTurn returns the stored outcome of messageID when it is still the last
// message applied to the phone's session.
func (e *Engine) LastTurn(ctx context.Context, phone, messageID string) (Result, bool, error) {
	if messageID == "" {
		return Result{}, false, nil
	}
	sess, err := e.store.Get(ctx, phone)
	if errors.Is(err, session.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("load session: %w", err)
	}
	if sess.LastTurn.MessageID != messageID {
		return Result{}, false, nil
	}
	return Result{
		Session:      sess,
		Replies:      sess.LastTurn.Replies,
		Escalate:     sess.LastTurn.Escalate,
		LeadCaptured: sess.LastTurn.LeadCaptured,
	}, true, nil
}
