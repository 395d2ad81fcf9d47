package conversation

import (
	"context"
	"sort"
	"sync"
)

type MemoryRepo struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	byPhone       map[string]string
	messages      map[string]Message
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		conversations: make(map[string]Conversation),
		byPhone:       make(map[string]string),
		messages:      make(map[string]Message),
	}
}

func (r *MemoryRepo) EnsureConversation(_ context.Context, c Conversation) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byPhone[c.Phone]; ok {
		existing := r.conversations[id]
		if existing.ContactName == "" && c.ContactName != "" {
			existing.ContactName = c.ContactName
			r.conversations[id] = existing
		}
		return existing, nil
	}
	r.conversations[c.ID] = c
	r.byPhone[c.Phone] = c.ID
	return c, nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) Update(_ context.Context, c Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[c.ID]; !ok {
		return ErrNotFound
	}
	r.conversations[c.ID] = c
	return nil
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter) ([]Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		if f.NeedsHuman != nil && c.NeedsHuman != *f.NeedsHuman {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) AppendMessage(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[m.ID]; ok {
		return ErrDuplicate
	}
	if m.Direction == DirectionIn && m.ProviderMessageID != "" {
		for _, existing := range r.messages {
			if existing.Direction == DirectionIn && existing.ProviderMessageID == m.ProviderMessageID {
				return ErrDuplicate
			}
		}
	}
	r.messages[m.ID] = m
	return nil
}

func (r *MemoryRepo) GetMessage(_ context.Context, id string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

func (r *MemoryRepo) DeleteMessage(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, id)
	return nil
}

func (r *MemoryRepo) ListMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, 0)
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *MemoryRepo) FindByOutboxID(_ context.Context, outboxID string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.OutboxID == outboxID {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (r *MemoryRepo) FindByProviderID(_ context.Context, providerMessageID string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if m.ProviderMessageID == providerMessageID {
			return m, nil
		}
	}
	return Message{}, ErrNotFound
}

func (r *MemoryRepo) UpdateMessage(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[m.ID]; !ok {
		return ErrNotFound
	}
	r.messages[m.ID] = m
	return nil
}

func (r *MemoryRepo) CountNeedsHuman(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.conversations {
		if c.NeedsHuman {
			n++
		}
	}
	return n, nil
}
