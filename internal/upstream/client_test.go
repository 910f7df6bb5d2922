package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/geepity/internal/domain"
)

func testPolicy(endpoint string) domain.TierPolicy {
	temp := 0.7
	return domain.TierPolicy{
		Tier:         domain.TierFree,
		Endpoint:     endpoint,
		APIKey:       "sk-test",
		DefaultModel: "default-model",
		SystemPrompt: "be brief",
		MaxTokens:    2048,
		Temperature:  &temp,
		ExtraHeaders: map[string]string{"X-Title": "Geepity"},
	}
}

func TestNewChatRequest(t *testing.T) {
	policy := testPolicy("http://unused")
	in := domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: "user", Content: json.RawMessage(`"hi"`)}},
	}

	req := NewChatRequest(policy, in)

	assert.Equal(t, "default-model", req.Model)
	assert.True(t, req.Stream)
	assert.Equal(t, 2048, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.JSONEq(t, `"be brief"`, string(req.Messages[0].Content))
}

func TestClient_Stream_Success(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Geepity", r.Header.Get("X-Title"))
		_ = json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"x\":1}\n\ndata: [DONE]\n\n")
	}))
	defer server.Close()

	policy := testPolicy(server.URL)
	req := NewChatRequest(policy, domain.ChatRequest{
		Model:    "caller-model",
		Messages: []domain.ChatMessage{{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"hi"}]`)}},
	})

	resp, err := New().Stream(context.Background(), policy, req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "data: {\"x\":1}\n\ndata: [DONE]\n\n", string(body))

	assert.Equal(t, "caller-model", got["model"])
	assert.Equal(t, true, got["stream"])
	assert.EqualValues(t, 2048, got["max_tokens"])
	assert.EqualValues(t, 0.7, got["temperature"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	user := msgs[1].(map[string]any)
	assert.IsType(t, []any{}, user["content"], "multi-part content must pass through as-is")
}

func TestClient_Stream_NonSuccessIsMirrored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "slow down")
	}))
	defer server.Close()

	_, err := New().Stream(context.Background(), testPolicy(server.URL), ChatRequest{Model: "m"})
	require.Error(t, err)

	ue, ok := domain.AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
	assert.Equal(t, "slow down", ue.Body)
}

func TestClient_Stream_ErrorBodyIsCapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, strings.Repeat("x", MaxErrorBody+100))
	}))
	defer server.Close()

	_, err := New().Stream(context.Background(), testPolicy(server.URL), ChatRequest{Model: "m"})
	ue, ok := domain.AsUpstreamError(err)
	require.True(t, ok)
	assert.Len(t, ue.Body, MaxErrorBody)
}

func TestClient_Stream_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New().Stream(context.Background(), testPolicy(url), ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, domain.EUPSTREAM, domain.ErrorCode(err))
	assert.Equal(t, "Upstream request failed", domain.ErrorMessage(err))
}
