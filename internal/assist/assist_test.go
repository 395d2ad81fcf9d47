package assist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledWithoutURL(t *testing.T) {
	s := New(Config{})
	_, err := s.Suggest(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestHTTPSuggester_PostsTrimmedTranscript(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"text":"  Hola, ¿en qué te ayudo?  ","confidence":0.8}`))
	}))
	defer srv.Close()

	s := New(Config{URL: srv.URL, APIKey: "k", MaxTurns: 2})
	turns := []Turn{{Role: "contact", Text: "a"}, {Role: "bot", Text: "b"}, {Role: "contact", Text: "c"}}
	out, err := s.Suggest(context.Background(), Request{ConversationID: "c1", Transcript: turns})
	require.NoError(t, err)
	assert.Equal(t, "Hola, ¿en qué te ayudo?", out.Text)
	assert.InDelta(t, 0.8, out.Confidence, 0.0001)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, turns[1:], got.Transcript)
}

func TestHTTPSuggester_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/empty":
			_, _ = w.Write([]byte(`{"text":"   "}`))
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	_, err := NewHTTPSuggester(Config{URL: srv.URL + "/empty"}).Suggest(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoSuggestion)

	_, err = NewHTTPSuggester(Config{URL: srv.URL + "/bad"}).Suggest(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPSuggester_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	s := NewHTTPSuggester(Config{URL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := s.Suggest(context.Background(), Request{})
	assert.Error(t, err)
}
