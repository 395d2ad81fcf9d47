package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"whatsapp-engagement/internal/fsm"
	"whatsapp-engagement/internal/notify"
	"whatsapp-engagement/internal/outbox"
	"whatsapp-engagement/internal/session"
	"whatsapp-engagement/internal/whatsapp"
	"whatsapp-engagement/pkg/logger"
)

// Processor runs the bot for one inbound text.
type Processor interface {
	ProcessTurn(ctx context.Context, phone, messageID, text string) (fsm.Result, error)
	LastTurn(ctx context.Context, phone, messageID string) (fsm.Result, bool, error)
}

// Outbox is the part of the outbox writer the service needs.
type Outbox interface {
	Enqueue(ctx context.Context, req outbox.EnqueueRequest) (outbox.Message, bool, error)
	Resend(ctx context.Context, id string) (outbox.Message, bool, error)
	Get(ctx context.Context, id string) (outbox.Message, error)
}

// Service keeps the operator-facing conversation records in step with the
// bot, the outbox and provider callbacks. Replies are never sent inline;
// they are queued and delivered by the outbox worker.
type Service struct {
	repo     Repository
	engine   Processor
	outbox   Outbox
	sessions session.Store
	notifier notify.Notifier
	clock    func() time.Time
}

// NewService wires the service. sessions and notifier may be nil.
func NewService(repo Repository, engine Processor, ob Outbox, sessions session.Store, notifier notify.Notifier) *Service {
	return &Service{
		repo:     repo,
		engine:   engine,
		outbox:   ob,
		sessions: sessions,
		notifier: notifier,
		clock:    time.Now,
	}
}

var (
	_ whatsapp.InboundHandler = (*Service)(nil)
	_ outbox.DeliverySink     = (*Service)(nil)
)

// HandleInbound records the contact's message, runs it through the bot and
// queues the replies. A provider message id seen before never runs the bot
// again; replies of that turn that were not queued yet are queued now.
func (s *Service) HandleInbound(ctx context.Context, msg whatsapp.InboundMessage) (whatsapp.InboundResult, error) {
	phone, ok := whatsapp.NormalizePhone(msg.From)
	if !ok {
		return whatsapp.InboundResult{}, fmt.Errorf("%w: invalid phone", ErrInvalidArgument)
	}
	log := logger.From(ctx).With("phone", logger.MaskPhone(phone), "provider_message_id", msg.ProviderMessageID)
	ctx = logger.With(ctx, log)

	now := s.clock().UTC()
	at := msg.ReceivedAt.UTC()
	if msg.ReceivedAt.IsZero() {
		at = now
	}

	conv, err := s.repo.EnsureConversation(ctx, Conversation{
		ID:            uuid.NewString(),
		Phone:         phone,
		ContactName:   strings.TrimSpace(msg.ContactName),
		State:         string(session.StateStart),
		LastMessageAt: at,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return whatsapp.InboundResult{}, err
	}

	inbound := Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		Direction:         DirectionIn,
		Author:            AuthorContact,
		Text:              msg.Text,
		Status:            StatusReceived,
		ProviderMessageID: msg.ProviderMessageID,
		CreatedAt:         at,
		UpdatedAt:         now,
	}
	if err := s.repo.AppendMessage(ctx, inbound); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return s.redeliver(ctx, conv, phone, msg, at)
		}
		return whatsapp.InboundResult{}, err
	}

	turnID := msg.ProviderMessageID
	if turnID == "" {
		turnID = inbound.ID
	}
	res, err := s.engine.ProcessTurn(ctx, phone, turnID, msg.Text)
	if err != nil {
		// Let the provider retry: the session did not change.
		if delErr := s.repo.DeleteMessage(ctx, inbound.ID); delErr != nil {
			log.Error("remove inbound message after bot failure", "err", delErr)
		}
		return whatsapp.InboundResult{}, fmt.Errorf("process message: %w", err)
	}
	if _, err := s.queueReplies(ctx, conv, turnID, res.Replies); err != nil {
		return whatsapp.InboundResult{}, err
	}
	return s.finishTurn(ctx, conv, msg.Text, at, res), nil
}

// redeliver handles a provider message id seen before. When it is still the
// session's last turn its replies are queued again; keys already queued are
// no-ops. Announcements are repeated only if some reply had not been queued.
func (s *Service) redeliver(ctx context.Context, conv Conversation, phone string, msg whatsapp.InboundMessage, at time.Time) (whatsapp.InboundResult, error) {
	log := logger.From(ctx)
	dup := whatsapp.InboundResult{ConversationID: conv.ID, State: conv.State, Duplicate: true}

	res, ok, err := s.engine.LastTurn(ctx, phone, msg.ProviderMessageID)
	if err != nil {
		return whatsapp.InboundResult{}, err
	}
	if !ok {
		log.Info("duplicate inbound message ignored")
		return dup, nil
	}
	added, err := s.queueReplies(ctx, conv, msg.ProviderMessageID, res.Replies)
	if err != nil {
		return whatsapp.InboundResult{}, err
	}
	if added == 0 {
		log.Info("duplicate inbound message ignored")
		return dup, nil
	}
	log.Info("queued replies for redelivered message", "replies", added)
	out := s.finishTurn(ctx, conv, msg.Text, at, res)
	out.Duplicate = true
	return out, nil
}

// queueReplies queues the bot replies of one turn and returns how many were
// new to the conversation.
func (s *Service) queueReplies(ctx context.Context, conv Conversation, turnID string, replies []string) (int, error) {
	added := 0
	for i, reply := range replies {
		key := fmt.Sprintf("in:%s:%d", turnID, i)
		_, created, err := s.queue(ctx, conv, AuthorBot, "", reply, key)
		if err != nil {
			return added, fmt.Errorf("queue reply %s: %w", key, err)
		}
		if created {
			added++
		}
	}
	return added, nil
}

func (s *Service) finishTurn(ctx context.Context, conv Conversation, text string, at time.Time, res fsm.Result) whatsapp.InboundResult {
	conv.State = string(res.Session.State)
	touch(&conv, at)
	if res.Escalate {
		conv.NeedsHuman = true
	}
	if err := s.repo.Update(ctx, conv); err != nil {
		logger.From(ctx).Error("update conversation failed", "conversation_id", conv.ID, "err", err)
	}

	if res.Escalate {
		s.announce(ctx, notify.EventEscalated, conv, res.Session.Data, text)
	}
	if res.LeadCaptured {
		s.announce(ctx, notify.EventLeadCaptured, conv, res.Session.Data, text)
	}

	return whatsapp.InboundResult{
		ConversationID: conv.ID,
		State:          conv.State,
		Replies:        res.Replies,
		Escalated:      res.Escalate,
	}
}

// ApplyStatus applies a provider delivery callback. Unknown message ids and
// statuses that would move a message backwards are ignored.
func (s *Service) ApplyStatus(ctx context.Context, st whatsapp.StatusUpdate) error {
	status, ok := providerStatus(st.Status)
	if !ok || st.ProviderMessageID == "" {
		return nil
	}
	m, err := s.repo.FindByProviderID(ctx, st.ProviderMessageID)
	if errors.Is(err, ErrNotFound) {
		logger.From(ctx).Debug("status for unknown message", "provider_message_id", st.ProviderMessageID)
		return nil
	}
	if err != nil {
		return err
	}
	if m.Direction != DirectionOut || !status.Advances(m.Status) {
		return nil
	}
	m.Status = status
	if status == StatusFailed {
		m.Error = st.Error
	}
	m.UpdatedAt = s.clock().UTC()
	return s.repo.UpdateMessage(ctx, m)
}

// OnDelivery mirrors outbox results onto the conversation message.
func (s *Service) OnDelivery(ctx context.Context, d outbox.Delivery) error {
	m, err := s.repo.FindByOutboxID(ctx, d.OutboxID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.applyDelivery(ctx, m, d.Status, d.ProviderMessageID, d.Error)
}

func (s *Service) applyDelivery(ctx context.Context, m Message, st outbox.Status, providerID, errText string) error {
	var status DeliveryStatus
	switch st {
	case outbox.StatusSent:
		status = StatusSent
	case outbox.StatusFailed:
		status = StatusFailed
	default:
		return nil
	}
	if !status.Advances(m.Status) {
		return nil
	}
	m.Status = status
	if providerID != "" {
		m.ProviderMessageID = providerID
	}
	if status == StatusFailed {
		m.Error = errText
	} else {
		m.Error = ""
	}
	m.UpdatedAt = s.clock().UTC()
	return s.repo.UpdateMessage(ctx, m)
}

// StaffReply queues a message written by an operator. key is optional; a
// repeated key returns the first message.
func (s *Service) StaffReply(ctx context.Context, conversationID, staffID, text, key string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, fmt.Errorf("%w: text is required", ErrInvalidArgument)
	}
	conv, err := s.repo.Get(ctx, conversationID)
	if err != nil {
		return Message{}, err
	}
	if key != "" {
		key = "staff:" + key
	}
	m, _, err := s.queue(ctx, conv, AuthorStaff, staffID, text, key)
	if err != nil {
		return Message{}, err
	}
	touch(&conv, m.CreatedAt)
	if err := s.repo.Update(ctx, conv); err != nil {
		logger.From(ctx).Error("update conversation failed", "conversation_id", conv.ID, "err", err)
	}
	return m, nil
}

// ResolveHandoff hands the conversation back to the bot.
func (s *Service) ResolveHandoff(ctx context.Context, conversationID string) (Conversation, error) {
	conv, err := s.repo.Get(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if s.sessions != nil {
		_, err := s.sessions.Upsert(ctx, conv.Phone, func(sess *session.Session) error {
			sess.State = session.StateStart
			sess.Data = session.LeadData{}
			return nil
		})
		if err != nil {
			return Conversation{}, fmt.Errorf("reset session: %w", err)
		}
	}
	conv.NeedsHuman = false
	conv.State = string(session.StateStart)
	conv.UpdatedAt = s.clock().UTC()
	if err := s.repo.Update(ctx, conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ResendFailed queues a new attempt for an outbound message that failed
// permanently and points the conversation message at it.
func (s *Service) ResendFailed(ctx context.Context, messageID string) (Message, error) {
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if m.Direction != DirectionOut || m.OutboxID == "" {
		return Message{}, fmt.Errorf("%w: message was not queued", ErrInvalidArgument)
	}
	ob, _, err := s.outbox.Resend(ctx, m.OutboxID)
	if err != nil {
		return Message{}, err
	}
	m.OutboxID = ob.ID
	m.Status = StatusPending
	m.Error = ""
	m.ProviderMessageID = ""
	m.UpdatedAt = s.clock().UTC()
	if err := s.repo.UpdateMessage(ctx, m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *Service) Get(ctx context.Context, id string) (Conversation, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Conversation, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 200
	}
	return s.repo.List(ctx, f)
}

func (s *Service) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if _, err := s.repo.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	return s.repo.ListMessages(ctx, conversationID, limit)
}

func (s *Service) CountNeedsHuman(ctx context.Context) (int, error) {
	return s.repo.CountNeedsHuman(ctx)
}

// queue enqueues text and records the outbound conversation message. When the
// key was already used the existing record is returned.
func (s *Service) queue(ctx context.Context, conv Conversation, author Author, authorID, text, key string) (Message, bool, error) {
	ob, created, err := s.outbox.Enqueue(ctx, outbox.EnqueueRequest{
		ConversationID: conv.ID,
		Phone:          conv.Phone,
		Text:           text,
		IdempotencyKey: key,
	})
	if err != nil {
		return Message{}, false, err
	}
	if !created {
		existing, err := s.repo.FindByOutboxID(ctx, ob.ID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Message{}, false, err
		}
	}

	now := s.clock().UTC()
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      DirectionOut,
		Author:         author,
		AuthorID:       authorID,
		Text:           text,
		Status:         StatusPending,
		OutboxID:       ob.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.AppendMessage(ctx, m); err != nil {
		return Message{}, false, err
	}

	// The worker may have finished before the record existed.
	cur, err := s.outbox.Get(ctx, ob.ID)
	if err == nil && cur.Status.Terminal() {
		if err := s.applyDelivery(ctx, m, cur.Status, cur.ProviderMessageID, cur.LastError); err != nil {
			logger.From(ctx).Error("apply early delivery status", "outbox_id", ob.ID, "err", err)
		} else if refreshed, err := s.repo.FindByOutboxID(ctx, ob.ID); err == nil {
			m = refreshed
		}
	}
	return m, true, nil
}

func (s *Service) announce(ctx context.Context, typ notify.EventType, conv Conversation, data session.LeadData, last string) {
	if s.notifier == nil {
		return
	}
	ev := notify.Event{
		ID:             uuid.NewString(),
		Type:           typ,
		ConversationID: conv.ID,
		Phone:          conv.Phone,
		ContactName:    conv.ContactName,
		State:          conv.State,
		Lead: notify.Lead{
			CUIT:     data.CUIT,
			Name:     data.Name,
			Email:    data.Email,
			Interest: data.Interest,
		},
		LastMessage: last,
		OccurredAt:  s.clock().UTC(),
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		logger.From(ctx).Warn("staff notification failed", "type", string(typ), "err", err)
	}
}

func providerStatus(s string) (DeliveryStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "read":
		return StatusRead, true
	case "failed":
		return StatusFailed, true
	default:
		return "", false
	}
}
