package session

import (
	"errors"
	"time"
)

// State is the position of a contact within the qualification flow.
type State string

const (
	StateStart             State = "START"
	StateWaitCUIT          State = "WAIT_CUIT"
	StateClienteMenu       State = "CLIENTE_MENU"
	StateNoClienteName     State = "NO_CLIENTE_NAME"
	StateNoClienteEmail    State = "NO_CLIENTE_EMAIL"
	StateNoClienteInterest State = "NO_CLIENTE_INTEREST"
	StateHumano            State = "HUMANO"
)

// States lists every valid state in flow order.
var States = []State{
	StateStart,
	StateWaitCUIT,
	StateClienteMenu,
	StateNoClienteName,
	StateNoClienteEmail,
	StateNoClienteInterest,
	StateHumano,
}

func (s State) Valid() bool {
	switch s {
	case StateStart, StateWaitCUIT, StateClienteMenu,
		StateNoClienteName, StateNoClienteEmail, StateNoClienteInterest,
		StateHumano:
		return true
	default:
		return false
	}
}

// LeadData accumulates what the contact told us across turns.
type LeadData struct {
	CUIT     string `json:"cuit,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Interest string `json:"interest,omitempty"`
}

// Turn is what the last applied inbound message produced. It lets a
// redelivered message have its replies queued again without re-running the bot.
type Turn struct {
	MessageID    string   `json:"message_id,omitempty"`
	Replies      []string `json:"replies,omitempty"`
	Escalate     bool     `json:"escalate,omitempty"`
	LeadCaptured bool     `json:"lead_captured,omitempty"`
}

// Session is the per-phone conversation state.
//
// Invariants:
// - Phone is the E.164 key and never changes.
// - State is always one of States.
// - UpdatedAt is refreshed by the store on every successful Upsert.
type Session struct {
	Phone     string    `json:"phone"`
	State     State     `json:"state"`
	Data      LeadData  `json:"data"`
	LastTurn  Turn      `json:"last_turn"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a fresh session in START.
func New(phone string, now time.Time) Session {
	return Session{Phone: phone, State: StateStart, UpdatedAt: now}
}

// Expired reports whether the session was last touched before now-ttl.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	return s.UpdatedAt.Before(now.Add(-ttl))
}

// Mutator applies one turn to a session. Returning an error aborts the upsert
// and leaves the stored session untouched.
type Mutator func(s *Session) error

var (
	ErrNotFound        = errors.New("session: not found")
	ErrInvalidArgument = errors.New("session: invalid argument")
	ErrInvalidState    = errors.New("session: invalid state")
	ErrClosed          = errors.New("session: store closed")
)

const (
	DefaultTTL             = 30 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)
