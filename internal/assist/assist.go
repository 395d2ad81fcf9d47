// Package assist asks an external service for a suggested operator reply.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrDisabled     = errors.New("assist: not configured")
	ErrNoSuggestion = errors.New("assist: empty suggestion")
)

// Turn is one line of the transcript sent for a suggestion.
type Turn struct {
	Role string `json:"role"` // contact, bot or staff
	Text string `json:"text"`
}

type Request struct {
	ConversationID string `json:"conversation_id"`
	State          string `json:"state,omitempty"`
	Transcript     []Turn `json:"transcript"`
}

type Suggestion struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

type Suggester interface {
	Suggest(ctx context.Context, req Request) (Suggestion, error)
}

// Disabled is used when no endpoint is configured.
type Disabled struct{}

func (Disabled) Suggest(context.Context, Request) (Suggestion, error) {
	return Suggestion{}, ErrDisabled
}

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// MaxTurns caps the transcript length; older turns are dropped.
	MaxTurns int
}

// HTTPSuggester posts the transcript as JSON and expects a Suggestion back.
type HTTPSuggester struct {
	url      string
	apiKey   string
	maxTurns int
	http     *http.Client
}

// New returns Disabled when cfg.URL is empty.
func New(cfg Config) Suggester {
	if strings.TrimSpace(cfg.URL) == "" {
		return Disabled{}
	}
	return NewHTTPSuggester(cfg)
}

func NewHTTPSuggester(cfg Config) *HTTPSuggester {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &HTTPSuggester{
		url:      strings.TrimSpace(cfg.URL),
		apiKey:   cfg.APIKey,
		maxTurns: maxTurns,
		http:     &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSuggester) Suggest(ctx context.Context, req Request) (Suggestion, error) {
	if len(req.Transcript) > s.maxTurns {
		req.Transcript = req.Transcript[len(req.Transcript)-s.maxTurns:]
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Suggestion{}, fmt.Errorf("marshal suggestion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Suggestion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return Suggestion{}, fmt.Errorf("suggestion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Suggestion{}, fmt.Errorf("suggestion request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Suggestion
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Suggestion{}, fmt.Errorf("decode suggestion: %w", err)
	}
	out.Text = strings.TrimSpace(out.Text)
	if out.Text == "" {
		return Suggestion{}, ErrNoSuggestion
	}
	return out, nil
}
