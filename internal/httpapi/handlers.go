package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"whatsapp-engagement/internal/assist"
	"whatsapp-engagement/internal/audit"
	"whatsapp-engagement/internal/auth"
	"whatsapp-engagement/internal/conversation"
	"whatsapp-engagement/internal/leads"
	"whatsapp-engagement/internal/outbox"
	"whatsapp-engagement/internal/reporting"
	"whatsapp-engagement/pkg/logger"
)

// OutboxReader lists queued messages for operators.
type OutboxReader interface {
	List(ctx context.Context, f outbox.ListFilter) ([]outbox.Message, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth          *auth.Manager
	Accounts      *auth.Accounts
	Conversations *conversation.Service
	Outbox        OutboxReader
	Leads         *leads.Service
	Reports       *reporting.Service
	Assist        assist.Suggester
	Audit         *audit.Service

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// --- Auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login checks operator credentials and issues a JWT token pair.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.Accounts == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	role, err := h.Accounts.Authenticate(req.Username, req.Password)
	if err != nil {
		h.appendAudit(c, audit.Event{Type: audit.EventTypeLogin, IPAddress: c.ClientIP(), Message: "login rejected for " + req.Username})
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	user := strings.TrimSpace(req.Username)
	pair, err := h.Auth.IssuePair(h.now(), user, role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	h.appendAudit(c, audit.Event{Type: audit.EventTypeLogin, ActorUserID: user, ActorRole: role, IPAddress: c.ClientIP(), Message: "login"})
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken, "role": role})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair. The role is looked up
// again so a removed account cannot keep refreshing.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil || h.Accounts == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	role, ok := h.Accounts.RoleOf(claims.UserID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), claims.UserID, role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken, "role": role})
}

func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Conversations ---

func (h Handlers) ListConversations(c *gin.Context) {
	f := conversation.ListFilter{Limit: queryInt(c, "limit", 50)}
	if v := c.Query("needs_human"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "needs_human must be a boolean"})
			return
		}
		f.NeedsHuman = &b
	}
	out, err := h.Conversations.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (h Handlers) GetConversation(c *gin.Context) {
	conv, err := h.Conversations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h Handlers) ListMessages(c *gin.Context) {
	out, err := h.Conversations.Messages(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 200))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

type replyRequest struct {
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Reply queues a staff message. Delivery happens in the outbox worker, so the
// response is 202 with the pending message.
func (h Handlers) Reply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	actor := actorOf(c)
	m, err := h.Conversations.StaffReply(c.Request.Context(), c.Param("id"), actor.UserID, req.Text, req.IdempotencyKey)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAction(c, audit.EventTypeStaffReply, actor, m.ConversationID, m.ID, m.OutboxID, "staff reply queued")
	c.JSON(http.StatusAccepted, m)
}

func (h Handlers) ResolveHandoff(c *gin.Context) {
	conv, err := h.Conversations.ResolveHandoff(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAction(c, audit.EventTypeHandoffResolved, actorOf(c), conv.ID, "", "", "conversation returned to bot")
	c.JSON(http.StatusOK, conv)
}

func (h Handlers) ResendMessage(c *gin.Context) {
	m, err := h.Conversations.ResendFailed(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAction(c, audit.EventTypeOutboxResend, actorOf(c), m.ConversationID, m.ID, m.OutboxID, "failed message resent")
	c.JSON(http.StatusAccepted, m)
}

// Suggest asks the assist service for a reply based on the recent transcript.
func (h Handlers) Suggest(c *gin.Context) {
	if h.Assist == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "assist not configured"})
		return
	}
	ctx := c.Request.Context()
	conv, err := h.Conversations.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	msgs, err := h.Conversations.Messages(ctx, conv.ID, 20)
	if err != nil {
		writeError(c, err)
		return
	}
	req := assist.Request{ConversationID: conv.ID, State: conv.State}
	for _, m := range msgs {
		req.Transcript = append(req.Transcript, assist.Turn{Role: string(m.Author), Text: m.Text})
	}
	s, err := h.Assist.Suggest(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// --- Outbox, leads, reports ---

func (h Handlers) ListOutbox(c *gin.Context) {
	f := outbox.ListFilter{
		Status:         outbox.Status(c.Query("status")),
		ConversationID: c.Query("conversation_id"),
		Limit:          queryInt(c, "limit", 100),
	}
	if f.Status != "" && !f.Status.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "status must be one of pending, sent, failed"})
		return
	}
	out, err := h.Outbox.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (h Handlers) ListLeads(c *gin.Context) {
	out, err := h.Leads.List(c.Request.Context(), leads.ListFilter{
		Interest: c.Query("interest"),
		Limit:    queryInt(c, "limit", 100),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leads": out})
}

func (h Handlers) DeliveryReport(c *gin.Context) {
	out, err := h.Reports.DeliverySummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) EngagementReport(c *gin.Context) {
	out, err := h.Reports.EngagementSummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) ListAudit(c *gin.Context) {
	out, err := h.Audit.Recent(c.Request.Context(), queryInt(c, "limit", 100))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// --- helpers ---

func actorOf(c *gin.Context) audit.Actor {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return audit.Actor{UserID: uid, Role: role, IP: c.ClientIP()}
}

// Audit failures never fail the request.
func (h Handlers) appendAudit(c *gin.Context, e audit.Event) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.Append(c.Request.Context(), e); err != nil {
		logger.FromGin(c).Warn("audit append failed", "type", string(e.Type), "err", err)
	}
}

func (h Handlers) logAction(c *gin.Context, typ audit.EventType, actor audit.Actor, conversationID, messageID, outboxID, message string) {
	h.appendAudit(c, audit.Event{
		Type:           typ,
		ActorUserID:    actor.UserID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		ConversationID: conversationID,
		MessageID:      messageID,
		OutboxID:       outboxID,
		Message:        message,
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, outbox.ErrNotFound), errors.Is(err, leads.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, conversation.ErrInvalidArgument), errors.Is(err, outbox.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, outbox.ErrNotFailed):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, assist.ErrDisabled):
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "assist not configured"})
	case errors.Is(err, assist.ErrNoSuggestion):
		c.AbortWithStatus(http.StatusNoContent)
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
