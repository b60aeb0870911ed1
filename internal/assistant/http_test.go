package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chatsession/internal/reliability"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHTTPClient(Config{ChatURL: ts.URL + "/chat", FeedbackURL: ts.URL + "/feedback", APIKey: "k-1"})
}

func TestHTTPClientSendTurnSuccess(t *testing.T) {
	var got TurnRequest
	var headers http.Header
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"answer":"hi","conversationId":"c1","usage":{"total_tokens":12},"responseTime":0.8,"messageId":"m-9","metadata":{"source":"kb"}}`))
	})

	res, err := c.SendTurn(context.Background(), TurnRequest{Message: "hello", ConversationID: "", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "Bearer k-1", headers.Get("Authorization"))
	assert.NotEmpty(t, headers.Get("X-Request-ID"))

	assert.Equal(t, "hi", res.Answer)
	assert.Equal(t, "c1", res.ConversationID)
	assert.Equal(t, "m-9", res.MessageID)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 12, res.Usage.TotalTokens)
	require.NotNil(t, res.ResponseTime)
	assert.InDelta(t, 0.8, *res.ResponseTime, 1e-9)
	assert.Equal(t, "kb", res.Metadata["source"])
}

func TestHTTPClientSendTurnFailures(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		contentType string
		body        string
		want        reliability.Kind
	}{
		{"404 expires conversation", 404, "application/json", `{"message":"not here"}`, reliability.KindConversationExpired},
		{"success false expired", 200, "application/json", `{"success":false,"message":"Conversation Not Exists."}`, reliability.KindConversationExpired},
		{"400 with expiry code", 400, "application/json", `{"code":"conversation_not_found","message":"bad"}`, reliability.KindConversationExpired},
		{"success false other", 200, "application/json", `{"success":false,"message":"quota exhausted"}`, reliability.KindUpstream},
		{"unauthorized", 401, "application/json", `{"message":"login required"}`, reliability.KindUnauthorized},
		{"forbidden", 403, "text/plain", `nope`, reliability.KindUnauthorized},
		{"server error", 502, "text/html", `<html>bad gateway</html>`, reliability.KindUpstream},
		{"html body", 200, "text/html; charset=utf-8", `<!doctype html><html></html>`, reliability.KindMalformedResponse},
		{"non json body", 200, "text/plain", `definitely not json`, reliability.KindMalformedResponse},
		{"missing success and answer", 200, "application/json", `{}`, reliability.KindUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.SendTurn(context.Background(), TurnRequest{Message: "x", ConversationID: "c1"})
			require.Error(t, err)
			assert.Equal(t, tc.want, reliability.KindOf(err), "err = %v", err)
		})
	}
}

func TestHTTPClientSendTurnCanceled(t *testing.T) {
	release := make(chan struct{})
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := c.SendTurn(ctx, TurnRequest{Message: "slow"})
	require.Error(t, err)
	assert.Equal(t, reliability.KindCanceled, reliability.KindOf(err))
}

func TestHTTPClientTransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := ts.URL
	ts.Close()

	c := NewHTTPClient(Config{ChatURL: url, Timeout: time.Second})
	_, err := c.SendTurn(context.Background(), TurnRequest{Message: "x"})
	require.Error(t, err)
	assert.Equal(t, reliability.KindTransport, reliability.KindOf(err))
}

func TestHTTPClientSubmitFeedback(t *testing.T) {
	var got Feedback
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/feedback", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.SubmitFeedback(context.Background(), Feedback{MessageID: "m-1", IsHelpful: true}))
	assert.Equal(t, "m-1", got.MessageID)
	assert.True(t, got.IsHelpful)
}

func TestHTTPClientFeedbackNotConfigured(t *testing.T) {
	c := NewHTTPClient(Config{ChatURL: "http://example.test"})
	err := c.SubmitFeedback(context.Background(), Feedback{MessageID: "m-1"})
	assert.Error(t, err)
}

func TestHTTPClientFeedbackNotFoundIsNotExpiry(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"message":"Conversation Not Exists"}`))
	})

	err := c.SubmitFeedback(context.Background(), Feedback{MessageID: "m-1", IsHelpful: false})
	require.Error(t, err)
	assert.Equal(t, reliability.KindUpstream, reliability.KindOf(err))
	assert.NotContains(t, reliability.UserMessage(err), "conversation has expired")

	// The same answer from the turn endpoint still means the dialogue expired.
	_, err = c.SendTurn(context.Background(), TurnRequest{Message: "x", ConversationID: "c-1"})
	assert.Equal(t, reliability.KindConversationExpired, reliability.KindOf(err))
}
