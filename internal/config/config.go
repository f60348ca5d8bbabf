package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/toxictalk/internal/prompts"
	"github.com/toxictalk/internal/retry"
	"github.com/toxictalk/internal/storage"
	"github.com/toxictalk/pkg/models"
)

// EnvPrefix prefixes environment overrides, e.g. TOXICTALK_REDDIT_PASSWORD
const EnvPrefix = "TOXICTALK_"

// Config represents the application configuration. It is built once at
// startup and treated as read-only afterwards.
type Config struct {
	Files      FilesConfig      `koanf:"files"`
	Content    ContentConfig    `koanf:"content"`
	Generation GenerationConfig `koanf:"generation"`
	Completion CompletionConfig `koanf:"completion"`
	Reddit     RedditConfig     `koanf:"reddit"`
	Delivery   DeliveryConfig   `koanf:"delivery"`
	Run        RunConfig        `koanf:"run"`
	Storage    StorageConfig    `koanf:"storage"`
	Lock       LockConfig       `koanf:"lock"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// FilesConfig locates the flat files
type FilesConfig struct {
	Conversations string `koanf:"conversations_file"`
	ToContact     string `koanf:"to_contact_file"`
	Participants  string `koanf:"participants_file"`
	Subreddits    string `koanf:"subreddits_file"`
	BadAccounts   string `koanf:"bad_accounts_file"`
}

// ContentConfig holds every text the bot sends on its own
type ContentConfig struct {
	Subject           string `koanf:"subject"`
	ClarifyingMessage string `koanf:"clarifying_message"`
	HandoffMessage    string `koanf:"handoff_message"`
	GoodbyeMessage    string `koanf:"goodbye_message"`
	ShortenMessage    string `koanf:"shorten_message"`
	ApologyMessage    string `koanf:"apology_message"`
	ContinuityNote    string `koanf:"continuity_note"`
	InviteKeyword     string `koanf:"invite_keyword"`

	InitialMessage        map[string]string `koanf:"initial_message"`         // variant -> template
	FirstConsentedMessage map[string]string `koanf:"first_consented_message"` // variant -> template
	PromptDict            map[string]string `koanf:"prompt_dict"`             // condition -> system prompt
}

// ModelLimit is one [[generation.max_tokens]] table. Model ids contain dots,
// so they cannot be map keys with the "." key delimiter.
type ModelLimit struct {
	Model string `koanf:"model"`
	Limit int    `koanf:"limit"`
}

// GenerationConfig bounds reply generation
type GenerationConfig struct {
	MaxTokens       []ModelLimit `koanf:"max_tokens"`
	MaxInteractions int          `koanf:"max_interactions"`
	OpenAIModels    []string     `koanf:"openai_models"`
	Conditions      []string     `koanf:"conditions"`
}

// CompletionConfig selects the completion provider
type CompletionConfig struct {
	Provider    string  `koanf:"provider"`
	APIKey      string  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	Temperature float64 `koanf:"temperature"`
	MaxAttempts int     `koanf:"max_attempts"`
}

// RedditConfig holds the script-app credentials
type RedditConfig struct {
	ClientID          string        `koanf:"client_id"`
	ClientSecret      string        `koanf:"client_secret"`
	Username          string        `koanf:"username"`
	Password          string        `koanf:"password"`
	UserAgent         string        `koanf:"user_agent"`
	AuthURL           string        `koanf:"auth_url"`
	APIURL            string        `koanf:"api_url"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	ModmailMaxAge     time.Duration `koanf:"modmail_max_age"`
}

// DeliveryConfig tunes retries of rate-limited sends
type DeliveryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	RateLimitPause time.Duration `koanf:"rate_limit_pause"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	Multiplier     float64       `koanf:"multiplier"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// RunConfig bounds the work of one invocation
type RunConfig struct {
	MessagingStrategy string `koanf:"messaging_strategy"`
	MaxContacts       int    `koanf:"max_contacts"`
	MaxActivePerRun   int    `koanf:"max_active_per_run"` // 0 = unlimited
}

// StorageConfig selects the storage backend
type StorageConfig struct {
	Driver      string `koanf:"driver"` // file | postgres
	PostgresURL string `koanf:"postgres_url"`
}

// LockConfig selects how concurrent invocations are excluded
type LockConfig struct {
	Backend       string        `koanf:"backend"` // file | redis | postgres | none
	Path          string        `koanf:"path"`
	StaleAfter    time.Duration `koanf:"stale_after"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	Key           string        `koanf:"key"`
	TTL           time.Duration `koanf:"ttl"`
}

// LoggingConfig controls the per-run log file
type LoggingConfig struct {
	RunLogDir string `koanf:"run_log_dir"` // empty disables run logs
}

var defaults = map[string]interface{}{
	"files.conversations_file": "data/conversations.csv",
	"files.to_contact_file":    "data/to_contact.csv",
	"files.participants_file":  "data/participants.csv",
	"files.subreddits_file":    "data/subreddits.csv",
	"files.bad_accounts_file":  "data/bad_accounts.json",

	"content.subject":         "Chat with our chatbot about how people behave online",
	"content.shorten_message": "I'm sorry, but your response is too long. Can you try something shorter?",
	"content.apology_message": "I can't figure out how to respond to your message. Could you try again?",
	"content.continuity_note": "You are in the middle of a conversation with the user.",
	"content.invite_keyword":  "toxictalk",

	"generation.max_interactions": 20,
	"generation.conditions":       []string{"casual-general", models.ConditionControl},

	"completion.provider":     "openai",
	"completion.temperature":  0.7,
	"completion.max_attempts": 3,

	"reddit.auth_url":            "https://www.reddit.com",
	"reddit.api_url":             "https://oauth.reddit.com",
	"reddit.user_agent":          "toxictalk/1.0",
	"reddit.requests_per_second": 1.0,
	"reddit.burst":               5,
	"reddit.modmail_max_age":     "96h",

	"delivery.max_attempts":     3,
	"delivery.rate_limit_pause": "60s",
	"delivery.max_delay":        "60s",
	"delivery.multiplier":       1.0,
	"delivery.request_timeout":  "0s",

	"run.messaging_strategy": string(models.StrategyDefault),
	"run.max_contacts":       2,
	"run.max_active_per_run": 1,

	"storage.driver": "file",

	"lock.backend":     "file",
	"lock.path":        "data/toxictalk.lock",
	"lock.stale_after": "6h",
	"lock.key":         "toxictalk:run",
	"lock.ttl":         "1h",
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./toxictalk.toml", "$HOME/.toxictalk.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// TOXICTALK_REDDIT_CLIENT_ID -> reddit.client_id: only the section
	// separator becomes a dot, key names keep their underscores.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// InitConfig writes the sample configuration to configPath. An existing
// file is only replaced when overwrite is set.
func InitConfig(configPath string, overwrite bool) error {
	if _, err := os.Stat(configPath); err == nil && !overwrite {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}
	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

const sampleConfig = `# toxictalk configuration
# Secrets can be supplied as TOXICTALK_REDDIT_PASSWORD, TOXICTALK_COMPLETION_API_KEY, ...

[files]
conversations_file = "data/conversations.csv"
to_contact_file = "data/to_contact.csv"
participants_file = "data/participants.csv"
subreddits_file = "data/subreddits.csv"
bad_accounts_file = "data/bad_accounts.json"

[content]
subject = "Chat with our chatbot about how people behave online"
clarifying_message = "Sorry, I didn't quite get that. Would you like to take part? Please answer yes or no."
handoff_message = "Thanks! I'll send you a direct message shortly."
goodbye_message = "Thanks so much for chatting with me. Take care!"
invite_keyword = "toxictalk"

[content.initial_message]
short = "Hi {username}, we are researchers working with the moderators of r/{subreddit}. Would you be willing to chat with our bot about a recent comment? Reply yes or no."

[content.first_consented_message]
conversational = "Great! Earlier you wrote this in r/{subreddit}: \"{comment}\". What was going on when you wrote it?"
not-proud = "Thanks for agreeing. Here is a comment you posted in r/{subreddit}: \"{comment}\". How do you feel about it now?"

[content.prompt_dict]
casual-general = "You are a friendly assistant chatting with {user.user_name} about a comment they posted in r/{user.subreddit}: {user.toxic_comments}. The subreddit rules are: {subreddit_rules}"

[generation]
max_interactions = 20
openai_models = ["gpt-4o-mini"]
conditions = ["casual-general", "control"]

[[generation.max_tokens]]
model = "gpt-4o-mini"
limit = 3000

[completion]
provider = "openai"
api_key = "your-openai-api-key"
temperature = 0.7

[reddit]
client_id = "your-client-id"
client_secret = "your-client-secret"
username = "your-bot-account"
password = "your-bot-password"
user_agent = "toxictalk/1.0 by your-bot-account"

[delivery]
max_attempts = 3
rate_limit_pause = "60s"

[run]
messaging_strategy = "default"
max_contacts = 2
max_active_per_run = 1

[storage]
driver = "file"

[lock]
backend = "file"
path = "data/toxictalk.lock"
stale_after = "6h"
`

// Validate validates the configuration
func Validate(config *Config) error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	f := config.Files
	for _, file := range []struct{ name, path string }{
		{"conversations_file", f.Conversations},
		{"to_contact_file", f.ToContact},
		{"participants_file", f.Participants},
		{"subreddits_file", f.Subreddits},
		{"bad_accounts_file", f.BadAccounts},
	} {
		if strings.TrimSpace(file.path) == "" {
			add("files.%s is required", file.name)
		}
	}

	c := config.Content
	if c.ClarifyingMessage == "" {
		add("content.clarifying_message is required")
	}
	if c.HandoffMessage == "" {
		add("content.handoff_message is required")
	}
	if c.GoodbyeMessage == "" {
		add("content.goodbye_message is required")
	}
	if len(c.InitialMessage) == 0 {
		add("content.initial_message needs at least one variant")
	}
	if len(c.FirstConsentedMessage) == 0 {
		add("content.first_consented_message needs at least one variant")
	}
	errs = append(errs, validateTemplates(config)...)

	g := config.Generation
	if g.MaxInteractions <= 0 {
		add("generation.max_interactions must be positive")
	}
	if len(g.OpenAIModels) == 0 {
		add("generation.openai_models needs at least one model")
	}
	limits := config.MaxTokens()
	for _, m := range g.OpenAIModels {
		if limits[m] <= 0 {
			add("generation.max_tokens has no positive limit for model %s", m)
		}
	}
	if len(g.Conditions) == 0 {
		add("generation.conditions needs at least one condition")
	}
	for _, cond := range g.Conditions {
		if cond == models.ConditionControl {
			continue
		}
		if _, ok := c.PromptDict[cond]; !ok {
			add("content.prompt_dict has no prompt for condition %s", cond)
		}
	}

	switch config.Completion.Provider {
	case "openai", "anthropic", "googleai", "cohere", "ollama":
	default:
		add("unsupported completion.provider %q", config.Completion.Provider)
	}

	r := config.Reddit
	if r.ClientID == "" || r.ClientSecret == "" {
		add("reddit.client_id and reddit.client_secret are required")
	}
	if r.Username == "" || r.Password == "" {
		add("reddit.username and reddit.password are required")
	}

	if config.Delivery.MaxAttempts <= 0 {
		add("delivery.max_attempts must be positive")
	}

	if _, err := config.Strategy(); err != nil {
		add("run.messaging_strategy: %v", err)
	}
	if config.Run.MaxContacts < 0 {
		add("run.max_contacts must not be negative")
	}
	if config.Run.MaxActivePerRun < 0 {
		add("run.max_active_per_run must not be negative")
	}

	switch config.Storage.Driver {
	case "file":
	case "postgres":
		if config.Storage.PostgresURL == "" {
			add("storage.postgres_url is required for the postgres driver")
		}
	default:
		add("unsupported storage.driver %q", config.Storage.Driver)
	}

	switch config.Lock.Backend {
	case "none":
	case "file":
		if config.Lock.Path == "" {
			add("lock.path is required for the file lock")
		}
	case "redis":
		if config.Lock.RedisAddr == "" {
			add("lock.redis_addr is required for the redis lock")
		}
	case "postgres":
		if config.Storage.PostgresURL == "" {
			add("storage.postgres_url is required for the postgres lock")
		}
	default:
		add("unsupported lock.backend %q", config.Lock.Backend)
	}

	return errors.Join(errs...)
}

// validateTemplates renders every template against a sample participant so
// unknown placeholders surface before anything is sent
func validateTemplates(config *Config) []error {
	vars := prompts.With(prompts.ParticipantVars(models.Participant{}), map[string]string{"subreddit_rules": ""})
	var errs []error
	check := func(section string, tpls map[string]string) {
		for _, key := range sortedKeys(tpls) {
			if _, err := prompts.Render(tpls[key], vars); err != nil {
				errs = append(errs, fmt.Errorf("content.%s.%s: %w", section, key, err))
			}
		}
	}
	check("initial_message", config.Content.InitialMessage)
	check("first_consented_message", config.Content.FirstConsentedMessage)
	check("prompt_dict", config.Content.PromptDict)
	return errs
}

// MaxTokens returns the token budget per model id
func (c *Config) MaxTokens() map[string]int {
	out := make(map[string]int, len(c.Generation.MaxTokens))
	for _, ml := range c.Generation.MaxTokens {
		out[ml.Model] = ml.Limit
	}
	return out
}

// Strategy returns the configured messaging strategy for new participants
func (c *Config) Strategy() (models.Strategy, error) {
	return models.ParseStrategy(c.Run.MessagingStrategy)
}

// InitialVariants lists the initial message variants in a stable order
func (c *Config) InitialVariants() []string {
	return sortedKeys(c.Content.InitialMessage)
}

// FirstConsentedVariants lists the first-consented message variants in a
// stable order
func (c *Config) FirstConsentedVariants() []string {
	return sortedKeys(c.Content.FirstConsentedMessage)
}

// FilePaths returns the flat file locations for the storage layer
func (c *Config) FilePaths() storage.FilePaths {
	return storage.FilePaths{
		Conversations: c.Files.Conversations,
		ToContact:     c.Files.ToContact,
		Participants:  c.Files.Participants,
		Subreddits:    c.Files.Subreddits,
		BadAccounts:   c.Files.BadAccounts,
	}
}

// DeliveryRetry returns the retry policy for rate-limited channel calls
func (c *Config) DeliveryRetry() retry.Policy {
	p := retry.DefaultPolicy()
	if c.Delivery.MaxAttempts > 0 {
		p.MaxAttempts = c.Delivery.MaxAttempts
	}
	if c.Delivery.RateLimitPause > 0 {
		p.BaseDelay = c.Delivery.RateLimitPause
	}
	if c.Delivery.MaxDelay > 0 {
		p.MaxDelay = c.Delivery.MaxDelay
	}
	if c.Delivery.Multiplier > 0 {
		p.Multiplier = c.Delivery.Multiplier
	}
	return p
}

// CompletionRetry returns the retry policy for completion requests
func (c *Config) CompletionRetry() retry.Policy {
	p := retry.LLMPolicy()
	if c.Completion.MaxAttempts > 0 {
		p.MaxAttempts = c.Completion.MaxAttempts
	}
	return p
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
