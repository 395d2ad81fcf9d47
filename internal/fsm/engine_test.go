package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-engagement/internal/session"
)

type recordedLead struct {
	phone string
	data  session.LeadData
}

type stubLeads struct {
	mu    sync.Mutex
	leads []recordedLead
	err   error
}

func (s *stubLeads) Record(_ context.Context, phone string, data session.LeadData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.leads = append(s.leads, recordedLead{phone: phone, data: data})
	return nil
}

func TestEngine_NewPhoneGetsGreeting(t *testing.T) {
	store := session.NewMemoryStore(time.Hour)
	eng := NewEngine(store, &stubLeads{})

	res, err := eng.ProcessMessage(context.Background(), "+5491100000001", "hola")
	require.NoError(t, err)
	assert.Equal(t, session.StateStart, res.Session.State)
	assert.Equal(t, []string{textGreeting}, res.Replies)
	assert.False(t, res.Escalate)
}

func TestEngine_ValidCUITFromWait(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore(time.Hour)
	_, err := store.Upsert(ctx, "+1", func(s *session.Session) error {
		s.State = session.StateWaitCUIT
		return nil
	})
	require.NoError(t, err)

	res, err := NewEngine(store, nil).ProcessMessage(ctx, "+1", "20338385316")
	require.NoError(t, err)
	assert.Equal(t, session.StateClienteMenu, res.Session.State)
	assert.Equal(t, "20338385316", res.Session.Data.CUIT)
	assert.Equal(t, []string{textClientMenu}, res.Replies)
	assert.Equal(t, session.StateWaitCUIT, res.Previous)
}

func TestEngine_LeadFlow(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore(time.Hour)
	leads := &stubLeads{}
	eng := NewEngine(store, leads)

	steps := []struct {
		in   string
		want session.State
	}{
		{"quiero info", session.StateNoClienteName},
		{"Juan Pérez", session.StateNoClienteEmail},
		{"juan@x.com", session.StateNoClienteInterest},
		{"alta cliente", session.StateHumano},
	}
	var last Result
	for _, st := range steps {
		res, err := eng.ProcessMessage(ctx, "+1", st.in)
		require.NoError(t, err)
		require.Equal(t, st.want, res.Session.State, st.in)
		last = res
	}

	assert.True(t, last.Escalate)
	assert.True(t, last.LeadCaptured)
	require.Len(t, leads.leads, 1)
	assert.Equal(t, "+1", leads.leads[0].phone)
	assert.Equal(t, session.LeadData{Name: "Juan Pérez", Email: "juan@x.com", Interest: "alta_cliente"}, leads.leads[0].data)
}

func TestEngine_LeadPersistFailureAbortsTransition(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore(time.Hour)
	_, err := store.Upsert(ctx, "+1", func(s *session.Session) error {
		s.State = session.StateNoClienteInterest
		s.Data = session.LeadData{Name: "Ana", Email: "ana@x.com"}
		return nil
	})
	require.NoError(t, err)

	down := errors.New("db down")
	eng := NewEngine(store, &stubLeads{err: down})
	_, err = eng.ProcessMessage(ctx, "+1", "honorarios")
	require.ErrorIs(t, err, down)

	got, err := store.Get(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, session.StateNoClienteInterest, got.State)
	assert.Empty(t, got.Data.Interest)
}

func TestEngine_HumanoEscalatesFromAnyState(t *testing.T) {
	ctx := context.Background()
	for _, st := range session.States {
		store := session.NewMemoryStore(time.Hour)
		_, err := store.Upsert(ctx, "+1", func(s *session.Session) error {
			s.State = st
			return nil
		})
		require.NoError(t, err)

		res, err := NewEngine(store, nil).ProcessMessage(ctx, "+1", "HUMANO")
		require.NoError(t, err)
		assert.Equal(t, session.StateHumano, res.Session.State, st)
		assert.True(t, res.Escalate, st)
	}
}

func TestEngine_ConcurrentMenuSamePhone(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore(time.Hour)
	_, err := store.Upsert(ctx, "+1", func(s *session.Session) error {
		s.State = session.StateNoClienteEmail
		s.Data.Name = "Juan"
		return nil
	})
	require.NoError(t, err)
	eng := NewEngine(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.ProcessMessage(ctx, "+1", "menu")
			assert.NoError(t, err)
			assert.Equal(t, session.StateStart, res.Session.State)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, session.StateStart, got.State)
	assert.Empty(t, got.Data)
}

func TestEngine_LastTurnReturnsStoredReplies(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore(time.Hour)
	eng := NewEngine(store, nil)

	first, err := eng.ProcessTurn(ctx, "+1", "wamid.1", "humano")
	require.NoError(t, err)

	got, ok, err := eng.LastTurn(ctx, "+1", "wamid.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Replies, got.Replies)
	assert.True(t, got.Escalate)
	assert.Equal(t, session.StateHumano, got.Session.State)

	_, err = eng.ProcessTurn(ctx, "+1", "wamid.2", "menu")
	require.NoError(t, err)
	_, ok, err = eng.LastTurn(ctx, "+1", "wamid.1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = eng.LastTurn(ctx, "+2", "wamid.1")
	require.NoError(t, err)
	assert.False(t, ok)
}
