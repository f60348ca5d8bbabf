package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxictalk/pkg/models"
)

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toxictalk.toml")
	require.NoError(t, InitConfig(path, false))
	return path
}

func TestInitConfig_RefusesToOverwrite(t *testing.T) {
	path := writeSample(t)
	require.NoError(t, os.WriteFile(path, []byte("# edited"), 0644))
	err := InitConfig(path, false)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, InitConfig(path, true))
	_, err = LoadConfig(path)
	assert.NoError(t, err)
}

func TestLoadConfig_Sample(t *testing.T) {
	cfg, err := LoadConfig(writeSample(t))
	require.NoError(t, err)

	assert.Equal(t, "data/conversations.csv", cfg.Files.Conversations)
	assert.Equal(t, "Chat with our chatbot about how people behave online", cfg.Content.Subject)
	assert.Equal(t, []string{"conversational", "not-proud"}, cfg.FirstConsentedVariants())
	assert.Equal(t, []string{"short"}, cfg.InitialVariants())
	assert.Equal(t, map[string]int{"gpt-4o-mini": 3000}, cfg.MaxTokens())
	assert.Equal(t, []string{"casual-general", "control"}, cfg.Generation.Conditions)
	assert.Equal(t, 60*time.Second, cfg.Delivery.RateLimitPause)
	assert.Equal(t, 6*time.Hour, cfg.Lock.StaleAfter)
	assert.Equal(t, 1, cfg.Run.MaxActivePerRun)

	strategy, err := cfg.Strategy()
	require.NoError(t, err)
	assert.Equal(t, models.StrategyDefault, strategy)

	assert.NoError(t, Validate(cfg))
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.toml")
	require.NoError(t, os.WriteFile(path, []byte("[run]\nmax_contacts = 5\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Run.MaxContacts)
	assert.Equal(t, "default", cfg.Run.MessagingStrategy)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "file", cfg.Lock.Backend)
	assert.Equal(t, 96*time.Hour, cfg.Reddit.ModmailMaxAge)
	assert.Equal(t, "toxictalk", cfg.Content.InviteKeyword)
	assert.Equal(t, 20, cfg.Generation.MaxInteractions)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("TOXICTALK_REDDIT_PASSWORD", "from-env")
	t.Setenv("TOXICTALK_COMPLETION_API_KEY", "sk-env")
	t.Setenv("TOXICTALK_RUN_MAX_ACTIVE_PER_RUN", "0")

	cfg, err := LoadConfig(writeSample(t))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Reddit.Password)
	assert.Equal(t, "sk-env", cfg.Completion.APIKey)
	assert.Equal(t, 0, cfg.Run.MaxActivePerRun)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "reddit.client_id", envKey("TOXICTALK_REDDIT_CLIENT_ID"))
	assert.Equal(t, "lock.redis_addr", envKey("TOXICTALK_LOCK_REDIS_ADDR"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "model without budget",
			mutate:  func(c *Config) { c.Generation.OpenAIModels = append(c.Generation.OpenAIModels, "gpt-4.1") },
			wantErr: "no positive limit for model gpt-4.1",
		},
		{
			name:    "condition without prompt",
			mutate:  func(c *Config) { c.Generation.Conditions = append(c.Generation.Conditions, "norms") },
			wantErr: "no prompt for condition norms",
		},
		{
			name:    "unknown placeholder",
			mutate:  func(c *Config) { c.Content.InitialMessage["short"] = "Hi {nickname}" },
			wantErr: "content.initial_message.short",
		},
		{
			name:    "bad strategy",
			mutate:  func(c *Config) { c.Run.MessagingStrategy = "sms" },
			wantErr: "run.messaging_strategy",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: "storage.postgres_url is required",
		},
		{
			name:    "redis lock without addr",
			mutate:  func(c *Config) { c.Lock.Backend = "redis" },
			wantErr: "lock.redis_addr is required",
		},
		{
			name:    "missing credentials",
			mutate:  func(c *Config) { c.Reddit.Password = "" },
			wantErr: "reddit.username and reddit.password are required",
		},
		{
			name:    "negative cap",
			mutate:  func(c *Config) { c.Run.MaxActivePerRun = -1 },
			wantErr: "max_active_per_run must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeSample(t))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPolicies(t *testing.T) {
	cfg, err := LoadConfig(writeSample(t))
	require.NoError(t, err)

	p := cfg.DeliveryRetry()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 60*time.Second, p.BaseDelay)
	assert.Equal(t, 60*time.Second, p.Delay(2))

	assert.Equal(t, 3, cfg.CompletionRetry().MaxAttempts)
}
