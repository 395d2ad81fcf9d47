package fsm

import (
	"fmt"

	"whatsapp-engagement/internal/session"
)

const (
	textGreeting = "¡Hola! Soy el asistente virtual del estudio. " +
		"Si ya sos cliente, enviá tu CUIT (11 dígitos). " +
		"Si querés información sobre nuestros servicios, escribí \"info\". " +
		"En cualquier momento podés escribir \"menu\" para volver al inicio o \"humano\" para hablar con una persona."

	textAskCUIT     = "Por favor, enviá tu CUIT de 11 dígitos (podés usar guiones o puntos)."
	textInvalidCUIT = "El CUIT ingresado no es válido. Revisalo e intentá nuevamente (11 dígitos)."

	textClientMenu = "¡Gracias! Ya te identificamos. ¿Qué necesitás?\n" +
		"1. Consultar saldo\n" +
		"2. Comprobantes\n" +
		"Escribí \"humano\" para hablar con una persona."
	textBalance  = "Estamos preparando el detalle de tu saldo. Un asesor te lo enviará por este medio a la brevedad."
	textReceipts = "Tus comprobantes se enviarán por este medio en breve."

	textAskName     = "¡Genial! Para ayudarte mejor, ¿cuál es tu nombre y apellido?"
	textAskEmail    = "Gracias, %s. ¿Cuál es tu correo electrónico?"
	textAskEmailAny = "¿Cuál es tu correo electrónico?"
	textBadEmail    = "El correo electrónico no parece válido. Probá de nuevo (por ejemplo: nombre@dominio.com)."
	textAskInterest = "¿Sobre qué tema querés consultar?\n" +
		"1. Alta cliente\n" +
		"2. Honorarios\n" +
		"3. Turno consulta\n" +
		"4. Otras consultas"

	textHuman        = "Perfecto, un asesor se va a comunicar con vos a la brevedad. Escribí \"menu\" si querés volver al inicio."
	textHumanWaiting = "Un asesor ya fue notificado y te va a responder pronto. Escribí \"menu\" si querés volver al inicio."
)

// Prompt returns the canonical text for a state, used when input is not understood.
func Prompt(state session.State, data session.LeadData) string {
	switch state {
	case session.StateStart:
		return textGreeting
	case session.StateWaitCUIT:
		return textAskCUIT
	case session.StateClienteMenu:
		return textClientMenu
	case session.StateNoClienteName:
		return textAskName
	case session.StateNoClienteEmail:
		if data.Name != "" {
			return fmt.Sprintf(textAskEmail, data.Name)
		}
		return textAskEmailAny
	case session.StateNoClienteInterest:
		return textAskInterest
	case session.StateHumano:
		return textHumanWaiting
	default:
		return textGreeting
	}
}
