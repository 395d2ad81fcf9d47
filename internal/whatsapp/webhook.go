package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Webhook payloads follow the WhatsApp Business Cloud API format.
// Only the fields the bot acts on are decoded; parsing makes no business
// decisions.

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      struct {
			Body string `json:"body"`
		} `json:"text"`
		Button struct {
			Text string `json:"text"`
		} `json:"button"`
		Interactive struct {
			ButtonReply struct {
				Title string `json:"title"`
			} `json:"button_reply"`
			ListReply struct {
				Title string `json:"title"`
			} `json:"list_reply"`
		} `json:"interactive"`
	} `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Timestamp   string `json:"timestamp"`
		RecipientID string `json:"recipient_id"`
		Errors      []struct {
			Code  int    `json:"code"`
			Title string `json:"title"`
		} `json:"errors"`
	} `json:"statuses"`
}

// InboundMessage is a contact's message, provider details stripped.
type InboundMessage struct {
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	From              string    `json:"from"`
	ContactName       string    `json:"contact_name,omitempty"`
	Type              string    `json:"type"`
	Text              string    `json:"text"`
	ReceivedAt        time.Time `json:"received_at"`
}

// StatusUpdate is a delivery callback for a message we sent.
type StatusUpdate struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	Recipient         string    `json:"recipient"`
	Error             string    `json:"error,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// WebhookEvent is everything one webhook delivery carried.
type WebhookEvent struct {
	Messages []InboundMessage
	Statuses []StatusUpdate
}

var (
	ErrInvalidPayload   = errors.New("whatsapp: invalid webhook payload")
	ErrInvalidSignature = errors.New("whatsapp: invalid webhook signature")
)

// ParseWebhook decodes a Cloud API webhook body. Messages from numbers that do
// not normalize to E.164 are dropped.
func ParseWebhook(body []byte, now time.Time) (WebhookEvent, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return WebhookEvent{}, ErrInvalidPayload
	}
	if p.Object != "" && p.Object != "whatsapp_business_account" {
		return WebhookEvent{}, ErrInvalidPayload
	}

	var ev WebhookEvent
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			if ch.Field != "" && ch.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(ch.Value.Contacts))
			for _, c := range ch.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range ch.Value.Messages {
				from, ok := NormalizePhone(m.From)
				if !ok {
					continue
				}
				ev.Messages = append(ev.Messages, InboundMessage{
					ProviderMessageID: m.ID,
					From:              from,
					ContactName:       names[m.From],
					Type:              m.Type,
					Text:              messageText(m.Type, m.Text.Body, m.Button.Text, m.Interactive.ButtonReply.Title, m.Interactive.ListReply.Title),
					ReceivedAt:        parseUnix(m.Timestamp, now),
				})
			}
			for _, s := range ch.Value.Statuses {
				st := StatusUpdate{
					ProviderMessageID: s.ID,
					Status:            strings.ToLower(s.Status),
					Recipient:         s.RecipientID,
					OccurredAt:        parseUnix(s.Timestamp, now),
				}
				if to, ok := NormalizePhone(s.RecipientID); ok {
					st.Recipient = to
				}
				if len(s.Errors) > 0 {
					st.Error = strconv.Itoa(s.Errors[0].Code) + ": " + s.Errors[0].Title
				}
				ev.Statuses = append(ev.Statuses, st)
			}
		}
	}
	return ev, nil
}

func messageText(typ, text, button, buttonReply, listReply string) string {
	switch typ {
	case "text":
		return text
	case "button":
		return button
	case "interactive":
		if buttonReply != "" {
			return buttonReply
		}
		return listReply
	default:
		return ""
	}
}

func parseUnix(s string, fallback time.Time) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return fallback.UTC()
	}
	return time.Unix(n, 0).UTC()
}

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against an HMAC of body keyed with the app secret.
func VerifySignature(appSecret string, body []byte, header string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(appSecret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(appSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return mac.Sum(nil)
}
