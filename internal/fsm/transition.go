// Package fsm drives the WhatsApp qualification flow: it decides the next
// session state, the replies to send and whether a human must step in.
package fsm

import (
	"strings"

	"whatsapp-engagement/internal/cuit"
	"whatsapp-engagement/internal/session"
)

// Global commands, matched against folded input in any state.
const (
	CommandMenu   = "menu"
	CommandBack   = "volver"
	CommandHumano = "humano"
)

// Step is the outcome of one transition.
type Step struct {
	Next    session.State
	Data    session.LeadData
	Replies []string
	// Escalate asks the surrounding system to hand the conversation to staff.
	Escalate bool
	// CaptureLead means Data holds a completed lead that must be persisted
	// before the transition is committed.
	CaptureLead bool
}

func stay(state session.State, data session.LeadData, reply string) Step {
	return Step{Next: state, Data: data, Replies: []string{reply}}
}

// Transition is the single state transition function of the flow. It is pure:
// the same inputs always give the same Step.
func Transition(state session.State, data session.LeadData, text string) Step {
	folded := foldText(text)

	switch folded {
	case CommandMenu:
		return Step{Next: session.StateStart, Replies: []string{textGreeting}}
	case CommandBack:
		return Step{Next: session.StateStart}
	case CommandHumano:
		return Step{Next: session.StateHumano, Data: data, Replies: []string{textHuman}, Escalate: true}
	}

	switch state {
	case session.StateStart:
		return fromStart(data, text, folded)
	case session.StateWaitCUIT:
		return fromWaitCUIT(data, text)
	case session.StateClienteMenu:
		return fromClientMenu(data, folded)
	case session.StateNoClienteName:
		return fromName(data, text)
	case session.StateNoClienteEmail:
		return fromEmail(data, text)
	case session.StateNoClienteInterest:
		return fromInterest(data, folded)
	case session.StateHumano:
		return stay(session.StateHumano, data, Prompt(session.StateHumano, data))
	default:
		return Step{Next: session.StateStart, Replies: []string{textGreeting}}
	}
}

func fromStart(data session.LeadData, raw, folded string) Step {
	if isNumeric(raw) {
		// A contact may send the CUIT straight away.
		if cuit.Validate(raw) {
			data.CUIT = cuit.Normalize(raw)
			return Step{Next: session.StateClienteMenu, Data: data, Replies: []string{textClientMenu}}
		}
		return Step{Next: session.StateWaitCUIT, Data: data, Replies: []string{textInvalidCUIT}}
	}
	if strings.Contains(folded, "info") {
		return Step{Next: session.StateNoClienteName, Data: data, Replies: []string{textAskName}}
	}
	return stay(session.StateStart, data, textGreeting)
}

func fromWaitCUIT(data session.LeadData, raw string) Step {
	if cuit.Validate(raw) {
		data.CUIT = cuit.Normalize(raw)
		return Step{Next: session.StateClienteMenu, Data: data, Replies: []string{textClientMenu}}
	}
	return stay(session.StateWaitCUIT, data, textInvalidCUIT)
}

func fromClientMenu(data session.LeadData, folded string) Step {
	switch folded {
	case "1", "saldo":
		return stay(session.StateClienteMenu, data, textBalance)
	case "2", "comprobantes":
		return stay(session.StateClienteMenu, data, textReceipts)
	default:
		return stay(session.StateClienteMenu, data, textClientMenu)
	}
}

func fromName(data session.LeadData, raw string) Step {
	name := cleanText(raw)
	if name == "" {
		return stay(session.StateNoClienteName, data, textAskName)
	}
	data.Name = name
	return Step{
		Next:    session.StateNoClienteEmail,
		Data:    data,
		Replies: []string{Prompt(session.StateNoClienteEmail, data)},
	}
}

func fromEmail(data session.LeadData, raw string) Step {
	if !isEmail(raw) {
		return stay(session.StateNoClienteEmail, data, textBadEmail)
	}
	data.Email = strings.ToLower(strings.TrimSpace(raw))
	return Step{Next: session.StateNoClienteInterest, Data: data, Replies: []string{textAskInterest}}
}

func fromInterest(data session.LeadData, folded string) Step {
	interest, ok := matchInterest(folded)
	if !ok {
		return stay(session.StateNoClienteInterest, data, textAskInterest)
	}
	data.Interest = interest
	return Step{
		Next:        session.StateHumano,
		Data:        data,
		Replies:     []string{textHuman},
		Escalate:    true,
		CaptureLead: true,
	}
}
