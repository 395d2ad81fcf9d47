package notify

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

// MailSender is the part of *gomail.Dialer the notifier uses.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier emails staff about captured leads and handoff requests.
type EmailNotifier struct {
	sender MailSender
	from   string
	to     []string
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       []string
}

func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	return NewEmailNotifierWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password), cfg.From, cfg.To)
}

func NewEmailNotifierWithSender(sender MailSender, from string, to []string) *EmailNotifier {
	return &EmailNotifier{sender: sender, from: from, to: to}
}

func (n *EmailNotifier) Notify(ctx context.Context, ev Event) error {
	if len(n.to) == 0 {
		return nil
	}
	m := n.message(ev)

	// gomail has no context support; give up waiting when ctx ends.
	done := make(chan error, 1)
	go func() { done <- n.sender.DialAndSend(m) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) message(ev Event) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", n.to...)
	m.SetHeader("Subject", subject(ev))
	m.SetBody("text/plain", body(ev))
	return m
}

func subject(ev Event) string {
	who := ev.ContactName
	if who == "" {
		who = ev.Lead.Name
	}
	if who == "" {
		who = ev.Phone
	}
	switch ev.Type {
	case EventLeadCaptured:
		return "Nuevo lead: " + who
	case EventEscalated:
		return "Conversación derivada a un asesor: " + who
	default:
		return "Notificación: " + who
	}
}

func body(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Teléfono: %s\n", ev.Phone)
	if ev.Lead.Name != "" {
		fmt.Fprintf(&b, "Nombre: %s\n", ev.Lead.Name)
	}
	if ev.Lead.Email != "" {
		fmt.Fprintf(&b, "Email: %s\n", ev.Lead.Email)
	}
	if ev.Lead.Interest != "" {
		fmt.Fprintf(&b, "Interés: %s\n", ev.Lead.Interest)
	}
	if ev.Lead.CUIT != "" {
		fmt.Fprintf(&b, "CUIT: %s\n", ev.Lead.CUIT)
	}
	if ev.LastMessage != "" {
		fmt.Fprintf(&b, "Último mensaje: %s\n", ev.LastMessage)
	}
	fmt.Fprintf(&b, "Conversación: %s\n", ev.ConversationID)
	return b.String()
}
