package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"whatsapp-engagement/internal/assist"
	"whatsapp-engagement/internal/audit"
	"whatsapp-engagement/internal/auth"
	"whatsapp-engagement/internal/config"
	"whatsapp-engagement/internal/conversation"
	"whatsapp-engagement/internal/fsm"
	"whatsapp-engagement/internal/leads"
	"whatsapp-engagement/internal/outbox"
	"whatsapp-engagement/internal/rbac"
	"whatsapp-engagement/internal/reporting"
	"whatsapp-engagement/internal/session"
	"whatsapp-engagement/internal/whatsapp"
)

type testAPI struct {
	router   *gin.Engine
	convs    *conversation.Service
	obRepo   *outbox.MemoryRepo
	auditLog *audit.MemoryRepo
}

type staticSuggester struct{ text string }

func (s staticSuggester) Suggest(_ context.Context, req assist.Request) (assist.Suggestion, error) {
	if len(req.Transcript) == 0 {
		return assist.Suggestion{}, assist.ErrNoSuggestion
	}
	return assist.Suggestion{Text: s.text}, nil
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	accounts := auth.NewAccounts(
		auth.Account{User: "admin", Password: "adminpw", Role: rbac.RoleAdmin},
		auth.Account{User: "agent", Password: "agentpw", Role: rbac.RoleAgent},
	)

	sessions := session.NewMemoryStore(time.Hour)
	leadSvc := leads.NewService(leads.NewMemoryRepo())
	obRepo := outbox.NewMemoryRepo()
	convRepo := conversation.NewMemoryRepo()
	convs := conversation.NewService(convRepo, fsm.NewEngine(sessions, leadSvc), outbox.NewWriter(obRepo), sessions, nil)
	auditRepo := audit.NewMemoryRepo()

	h := Handlers{
		Auth:          manager,
		Accounts:      accounts,
		Conversations: convs,
		Outbox:        obRepo,
		Leads:         leadSvc,
		Reports:       reporting.NewService(reporting.Sources{Outbox: obRepo, Conversations: convs, Leads: leadSvc}, 0),
		Assist:        staticSuggester{text: "Hola, ¿en qué te ayudo?"},
		Audit:         audit.NewService(auditRepo),
	}
	r := gin.New()
	Register(r, h, auth.RequireAccessToken(manager))
	return testAPI{router: r, convs: convs, obRepo: obRepo, auditLog: auditRepo}
}

func (a testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a testAPI) login(t *testing.T, user, password string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/auth/login", "", gin.H{"username": user, "password": password})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", user, w.Code, w.Body.String())
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out.AccessToken
}

func (a testAPI) escalated(t *testing.T) string {
	t.Helper()
	res, err := a.convs.HandleInbound(context.Background(), whatsapp.InboundMessage{
		ProviderMessageID: "wamid.1",
		From:              "5491122334455",
		Text:              "humano",
	})
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	return res.ConversationID
}

func TestLogin_RejectsBadCredentials(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodPost, "/auth/login", "", gin.H{"username": "admin", "password": "nope"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if evs := a.auditLog.Events(); len(evs) != 1 || evs[0].Type != audit.EventTypeLogin {
		t.Fatalf("expected rejected login to be audited, got %+v", evs)
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	a := newTestAPI(t)
	if w := a.do(t, http.MethodGet, "/v1/conversations", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	token := a.login(t, "agent", "agentpw")
	if w := a.do(t, http.MethodGet, "/v1/me", token, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAgentCannotReadAdminRoutes(t *testing.T) {
	a := newTestAPI(t)
	agent := a.login(t, "agent", "agentpw")
	admin := a.login(t, "admin", "adminpw")

	for _, path := range []string{"/v1/outbox", "/v1/audit", "/v1/reports/delivery"} {
		if w := a.do(t, http.MethodGet, path, agent, nil); w.Code != http.StatusForbidden {
			t.Fatalf("%s: expected 403 for agent, got %d", path, w.Code)
		}
		if w := a.do(t, http.MethodGet, path, admin, nil); w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 for admin, got %d", path, w.Code)
		}
	}
}

func TestListConversationsNeedingHuman(t *testing.T) {
	a := newTestAPI(t)
	id := a.escalated(t)
	token := a.login(t, "agent", "agentpw")

	w := a.do(t, http.MethodGet, "/v1/conversations?needs_human=true", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Conversations []conversation.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Conversations) != 1 || out.Conversations[0].ID != id {
		t.Fatalf("unexpected conversations: %+v", out.Conversations)
	}

	if w := a.do(t, http.MethodGet, "/v1/conversations?needs_human=maybe", token, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReplyQueuesAndAudits(t *testing.T) {
	a := newTestAPI(t)
	id := a.escalated(t)
	token := a.login(t, "agent", "agentpw")

	w := a.do(t, http.MethodPost, "/v1/conversations/"+id+"/reply", token, gin.H{"text": "Hola, soy Laura.", "idempotency_key": "r1"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var m conversation.Message
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Status != conversation.StatusPending || m.AuthorID != "agent" || m.OutboxID == "" {
		t.Fatalf("unexpected message: %+v", m)
	}

	ob, err := a.obRepo.Get(context.Background(), m.OutboxID)
	if err != nil {
		t.Fatalf("outbox get: %v", err)
	}
	if ob.Status != outbox.StatusPending || ob.IdempotencyKey != "staff:r1" {
		t.Fatalf("unexpected outbox message: %+v", ob)
	}

	var found bool
	for _, ev := range a.auditLog.Events() {
		if ev.Type == audit.EventTypeStaffReply && ev.OutboxID == m.OutboxID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected staff reply audit event")
	}

	if w := a.do(t, http.MethodPost, "/v1/conversations/missing/reply", token, gin.H{"text": "x"}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/v1/conversations/"+id+"/reply", token, gin.H{"text": "  "}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestResendPendingMessageConflicts(t *testing.T) {
	a := newTestAPI(t)
	id := a.escalated(t)
	token := a.login(t, "agent", "agentpw")

	msgs, err := a.convs.Messages(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	out := msgs[len(msgs)-1]
	if w := a.do(t, http.MethodPost, "/v1/messages/"+out.ID+"/resend", token, nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestResolveAndSuggest(t *testing.T) {
	a := newTestAPI(t)
	id := a.escalated(t)
	token := a.login(t, "agent", "agentpw")

	w := a.do(t, http.MethodPost, "/v1/conversations/"+id+"/suggest", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/v1/conversations/"+id+"/resolve", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var conv conversation.Conversation
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.NeedsHuman {
		t.Fatalf("expected handoff resolved")
	}
}

func TestDeliveryReport(t *testing.T) {
	a := newTestAPI(t)
	a.escalated(t)
	admin := a.login(t, "admin", "adminpw")

	w := a.do(t, http.MethodGet, "/v1/reports/delivery", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out reporting.DeliverySummary
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Pending != 1 || out.Total != 1 {
		t.Fatalf("unexpected summary: %+v", out)
	}
}
