package leads

import (
	"errors"
	"time"
)

// Lead is a non-client contact qualified by the bot.
//
// Invariants:
// - One lead per phone; a later capture for the same phone updates it.
// - Name, Email and Interest are required.
type Lead struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Interest  string    `json:"interest"`
	CUIT      string    `json:"cuit,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ListFilter struct {
	Interest string
	Limit    int
}

var (
	ErrInvalidLead = errors.New("leads: invalid lead")
	ErrNotFound    = errors.New("leads: not found")
)
