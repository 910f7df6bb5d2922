package internal

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/geepity/internal/domain"
)

// setBaseEnv sets the minimum environment for a development config.
func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV", "development")
	t.Setenv("FIREBASE_PROJECT_ID", "geepity-test")
	t.Setenv("ACCOUNT_STORE", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CHUTES_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
}

func TestNewConfig_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 120*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "https://llm.chutes.ai/v1/chat/completions", cfg.ChutesURL)
	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", cfg.OpenRouterURL)
	assert.Equal(t, domain.FreeMaxTokens, cfg.FreeMaxTokens)
	assert.Equal(t, domain.ProMaxTokens, cfg.ProMaxTokens)
	assert.Equal(t, "log", cfg.PushProvider)
	assert.Equal(t, "none", cfg.ArchiveProvider)
	assert.Equal(t, "0 0 1 * *", cfg.ResetSchedule)
	assert.True(t, cfg.ResetEnabled)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Contains(t, cfg.FreeSystemPrompt, "you are Geepity")
}

func TestNewConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing firebase project",
			env:     map[string]string{"FIREBASE_PROJECT_ID": ""},
			wantErr: "FIREBASE_PROJECT_ID",
		},
		{
			name:    "production needs upstream keys",
			env:     map[string]string{"ENV": "production", "ACCOUNT_STORE": "redis"},
			wantErr: "CHUTES_API_KEY",
		},
		{
			name:    "memory store outside development",
			env:     map[string]string{"ENV": "production", "CHUTES_API_KEY": "a", "OPENROUTER_API_KEY": "b"},
			wantErr: "only allowed in development",
		},
		{
			name:    "postgres needs database url",
			env:     map[string]string{"ACCOUNT_STORE": "postgres"},
			wantErr: "DATABASE_URL",
		},
		{
			name:    "unknown store",
			env:     map[string]string{"ACCOUNT_STORE": "mongo"},
			wantErr: "ACCOUNT_STORE must be",
		},
		{
			name:    "unknown push provider",
			env:     map[string]string{"PUSH_PROVIDER": "apns"},
			wantErr: "PUSH_PROVIDER",
		},
		{
			name:    "r2 archive needs credentials",
			env:     map[string]string{"ARCHIVE_PROVIDER": "r2"},
			wantErr: "R2_ACCOUNT_ID",
		},
		{
			name:    "unknown archive provider",
			env:     map[string]string{"ARCHIVE_PROVIDER": "s3"},
			wantErr: "ARCHIVE_PROVIDER",
		},
		{
			name:    "sample rate out of range",
			env:     map[string]string{"TRACING_SAMPLE_RATE": "1.5"},
			wantErr: "TRACING_SAMPLE_RATE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := NewConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Policies(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHUTES_API_KEY", "chutes")
	t.Setenv("OPENROUTER_API_KEY", "openrouter")
	t.Setenv("FREE_TEMPERATURE", "0.2")

	cfg, err := NewConfig()
	require.NoError(t, err)

	free := cfg.FreePolicy()
	assert.Equal(t, domain.TierFree, free.Tier)
	assert.Equal(t, "chutes", free.APIKey)
	require.NotNil(t, free.Temperature)
	assert.Equal(t, 0.2, *free.Temperature)
	assert.NotEmpty(t, free.SystemPrompt)
	assert.Empty(t, free.AllowedModels)

	pro := cfg.ProPolicy()
	assert.Equal(t, domain.TierPro, pro.Tier)
	assert.Equal(t, "openrouter", pro.APIKey)
	assert.Nil(t, pro.Temperature)
	assert.Empty(t, pro.SystemPrompt)
	assert.Equal(t, domain.ProAllowedModels, pro.AllowedModels)
	assert.Equal(t, "https://geepity.com", pro.ExtraHeaders["HTTP-Referer"])
	assert.Equal(t, "Geepity", pro.ExtraHeaders["X-Title"])
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	NewLogger(&buf, "development", "warn").Info("hidden")
	assert.Empty(t, buf.String())

	NewLogger(&buf, "development", "debug").Debug("shown", "tier", "free")
	assert.Contains(t, buf.String(), "tier=free")

	buf.Reset()
	NewLogger(&buf, "production", "info").Info("json", "tier", "pro")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "production logs should be JSON: %s", buf.String())
	assert.NotContains(t, buf.String(), "trace_id")
}
