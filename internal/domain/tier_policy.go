package domain

import (
	"encoding/json"
	"time"
)

// Default upstream parameters per tier.
const (
	FreeDefaultModel = "openai/openai/gpt-oss-120b-TEE"
	FreeMaxTokens    = 2048
	FreeTemperature  = 0.7

	ProDefaultModel = "google/gemini-2.5-pro-preview"
	ProMaxTokens    = 4096
)

// ProAllowedModels is the set of upstream models a pro caller may select.
var ProAllowedModels = []string{
	"google/gemini-2.5-pro-preview",
	"anthropic/claude-sonnet-4",
	"anthropic/claude-opus-4",
	"openai/gpt-4.1",
}

// TierPolicy parameterizes the streaming proxy for one tier. The free and
// pro endpoints share a single handler that differs only by policy.
type TierPolicy struct {
	Tier     Tier
	Endpoint string
	APIKey   string

	DefaultModel string

	// AllowedModels restricts caller-selected models. Empty means any model
	// the caller names is forwarded.
	AllowedModels []string

	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string

	MaxTokens   int
	Temperature *float64

	// ExtraHeaders are added to every upstream request.
	ExtraHeaders map[string]string
}

// CounterField returns the usage counter this tier settles against.
func (p TierPolicy) CounterField() CounterField {
	if p.Tier == TierPro {
		return FieldProMessagesUsedThisMonth
	}
	return FieldFreeMessagesRemaining
}

// Authorize applies the tier's quota rule to an account record.
func (p TierPolicy) Authorize(acct *Account, now time.Time) error {
	if p.Tier == TierPro {
		return AuthorizePro(acct, now)
	}
	return AuthorizeFree(acct)
}

// Settle returns the counter transition for a completed request.
func (p TierPolicy) Settle(acct *Account) CounterOp {
	if p.Tier == TierPro {
		return SettlePro(acct)
	}
	return SettleFree(acct)
}

// Threshold returns the notification body for a post-settlement counter value.
func (p TierPolicy) Threshold(value int) (string, bool) {
	if p.Tier == TierPro {
		return ProThreshold(value)
	}
	return FreeThreshold(value)
}

// SelectModel picks the upstream model for a request. Without an allow-list
// the requested model wins when present; with one, unrecognized models fall
// back to the default.
func (p TierPolicy) SelectModel(requested string) string {
	if len(p.AllowedModels) == 0 {
		if requested != "" {
			return requested
		}
		return p.DefaultModel
	}
	for _, m := range p.AllowedModels {
		if m == requested {
			return requested
		}
	}
	return p.DefaultModel
}

// ChatMessage is one role/content pair. Content is kept raw so multi-part
// payloads pass through untouched.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatRequest is the inbound body accepted by both proxy endpoints.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Model    string        `json:"model,omitempty"`
}

// Validate checks the request has something to forward.
func (r *ChatRequest) Validate() error {
	const op = "chat.validate"

	if len(r.Messages) == 0 {
		return Invalid(op, "messages is required")
	}
	for _, m := range r.Messages {
		if m.Role == "" {
			return Invalid(op, "each message requires a role")
		}
	}
	return nil
}

// Messages returns the message list sent upstream, with the tier's system
// directive prepended when configured.
func (p TierPolicy) Messages(in []ChatMessage) []ChatMessage {
	if p.SystemPrompt == "" {
		return in
	}
	content, _ := json.Marshal(p.SystemPrompt)
	out := make([]ChatMessage, 0, len(in)+1)
	out = append(out, ChatMessage{Role: "system", Content: content})
	return append(out, in...)
}
