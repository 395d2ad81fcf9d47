package whatsapp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"whatsapp-engagement/pkg/logger"
)

const maxWebhookBody = 1 << 20

// InboundResult is what handling one inbound message produced.
type InboundResult struct {
	ConversationID string   `json:"conversation_id"`
	State          string   `json:"state"`
	Replies        []string `json:"replies"`
	Escalated      bool     `json:"escalated"`
	Duplicate      bool     `json:"duplicate,omitempty"`
}

// InboundHandler receives parsed webhook events. The conversation service
// implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg InboundMessage) (InboundResult, error)
	ApplyStatus(ctx context.Context, st StatusUpdate) error
}

// WebhookHandler converts provider webhooks into internal calls.
//
// No business logic here.
type WebhookHandler struct {
	Inbound InboundHandler

	// VerifyToken answers the GET subscription handshake.
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 verification when set.
	AppSecret string

	Now func() time.Time
}

func (h WebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// Verify handles GET /webhooks/whatsapp.
func (h WebhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	if mode != "subscribe" || h.VerifyToken == "" || token != h.VerifyToken {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

// Receive handles POST /webhooks/whatsapp.
//
// Any failure to process an inbound message answers 500 so the provider
// redelivers; redeliveries are deduplicated by provider message id downstream.
func (h WebhookHandler) Receive(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Inbound == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "inbound handler not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if h.AppSecret != "" {
		if err := VerifySignature(h.AppSecret, body, c.GetHeader("X-Hub-Signature-256")); err != nil {
			log.Warn("whatsapp webhook signature rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	ev, err := ParseWebhook(body, h.now())
	if err != nil {
		log.Warn("whatsapp webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx := c.Request.Context()
	for _, st := range ev.Statuses {
		if err := h.Inbound.ApplyStatus(ctx, st); err != nil {
			log.Warn("status update not applied", "provider_message_id", st.ProviderMessageID, "status", st.Status, "err", err)
		}
	}

	failed := 0
	for _, m := range ev.Messages {
		if _, err := h.Inbound.HandleInbound(ctx, m); err != nil {
			failed++
			log.Error("inbound message failed",
				"provider_message_id", m.ProviderMessageID,
				"from", logger.MaskPhone(m.From),
				"err", err,
			)
		}
	}
	if failed > 0 {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type simpleInboundRequest struct {
	Phone     string `json:"phone"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
}

// ReceiveSimple handles POST /webhooks/whatsapp/simple, a plain {phone, text} JSON
// entry point for local testing and non-Meta gateways.
func (h WebhookHandler) ReceiveSimple(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Inbound == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "inbound handler not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if h.AppSecret != "" {
		if err := VerifySignature(h.AppSecret, body, c.GetHeader("X-Hub-Signature-256")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var req simpleInboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	phone, ok := NormalizePhone(req.Phone)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone must be E.164"})
		return
	}

	res, err := h.Inbound.HandleInbound(c.Request.Context(), InboundMessage{
		ProviderMessageID: strings.TrimSpace(req.MessageID),
		From:              phone,
		Type:              "text",
		Text:              req.Text,
		ReceivedAt:        h.now().UTC(),
	})
	if err != nil {
		log.Error("inbound message failed", "from", logger.MaskPhone(phone), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// SignatureHeader renders the header value a provider would send for body.
func SignatureHeader(appSecret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(appSecret, body))
}
