// Package upstream sends chat-completion requests to OpenAI-compatible
// providers and hands back the raw streaming response.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/DukeRupert/geepity/internal/domain"
)

// MaxErrorBody caps how much of a non-success response body is read.
const MaxErrorBody = 64 << 10

// ChatRequest is the body sent to the provider.
type ChatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Stream      bool                 `json:"stream"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
}

// NewChatRequest builds the provider request for a tier from the caller's
// request: model selection, system directive and tier limits are applied.
func NewChatRequest(policy domain.TierPolicy, in domain.ChatRequest) ChatRequest {
	return ChatRequest{
		Model:       policy.SelectModel(in.Model),
		Messages:    policy.Messages(in.Messages),
		Stream:      true,
		MaxTokens:   policy.MaxTokens,
		Temperature: policy.Temperature,
	}
}

// Streamer opens a streaming completion against a tier's provider.
type Streamer interface {
	Stream(ctx context.Context, policy domain.TierPolicy, req ChatRequest) (*http.Response, error)
}

// Client is the HTTP implementation of Streamer.
type Client struct {
	httpClient *http.Client
}

var _ Streamer = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New creates a Client. The default HTTP client has no overall timeout;
// the request context bounds each stream.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream posts req to the tier's endpoint. On a 2xx response the caller owns
// the returned body and must close it. A non-2xx response is consumed and
// returned as *domain.UpstreamError; a transport failure is an EUPSTREAM error.
func (c *Client) Stream(ctx context.Context, policy domain.TierPolicy, req ChatRequest) (*http.Response, error) {
	const op = "upstream.stream"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to encode upstream request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, policy.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to create upstream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+policy.APIKey)
	for k, v := range policy.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.Wrap(err, domain.EUPSTREAM, op, "Upstream request failed")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBody))
		return nil, &domain.UpstreamError{Status: resp.StatusCode, Body: string(text)}
	}

	return resp, nil
}
