package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/toxictalk/internal/retry"
)

// Provider represents a completion provider type
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogleAI  Provider = "googleai"
	ProviderCohere    Provider = "cohere"
	ProviderOllama    Provider = "ollama"
)

// Options configures a LangchainCompleter
type Options struct {
	Provider     Provider
	APIKey       string
	BaseURL      string
	DefaultModel string
	Temperature  float64
	Retry        retry.Policy
	Sleep        retry.SleepFunc
}

// LangchainCompleter implements Completer on top of a langchaingo model.
// The model id is chosen per call.
type LangchainCompleter struct {
	llm  llms.Model
	opts Options
}

// NewLangchainCompleter creates the provider client for opts
func NewLangchainCompleter(ctx context.Context, opts Options) (*LangchainCompleter, error) {
	log.Debug().
		Str("provider", string(opts.Provider)).
		Str("default_model", opts.DefaultModel).
		Float64("temperature", opts.Temperature).
		Msg("Creating completion client")

	var model llms.Model
	var err error
	switch opts.Provider {
	case ProviderOpenAI, "":
		model, err = createOpenAIModel(opts)
	case ProviderAnthropic:
		model, err = createAnthropicModel(opts)
	case ProviderGoogleAI:
		model, err = createGoogleAIModel(ctx, opts)
	case ProviderCohere:
		model, err = createCohereModel(opts)
	case ProviderOllama:
		model, err = createOllamaModel(opts)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", opts.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", opts.Provider, err)
	}
	return NewLangchainCompleterFromModel(model, opts), nil
}

// NewLangchainCompleterFromModel wraps an existing langchaingo model
func NewLangchainCompleterFromModel(model llms.Model, opts Options) *LangchainCompleter {
	return &LangchainCompleter{llm: model, opts: opts}
}

func createOpenAIModel(opts Options) (llms.Model, error) {
	o := []openai.Option{
		openai.WithToken(opts.APIKey),
	}
	if opts.DefaultModel != "" {
		o = append(o, openai.WithModel(opts.DefaultModel))
	}
	if opts.BaseURL != "" {
		o = append(o, openai.WithBaseURL(opts.BaseURL))
	}
	return openai.New(o...)
}

func createAnthropicModel(opts Options) (llms.Model, error) {
	o := []anthropic.Option{
		anthropic.WithToken(opts.APIKey),
	}
	if opts.DefaultModel != "" {
		o = append(o, anthropic.WithModel(opts.DefaultModel))
	}
	return anthropic.New(o...)
}

func createGoogleAIModel(ctx context.Context, opts Options) (llms.Model, error) {
	o := []googleai.Option{
		googleai.WithAPIKey(opts.APIKey),
	}
	if opts.DefaultModel != "" {
		o = append(o, googleai.WithDefaultModel(opts.DefaultModel))
	}
	return googleai.New(ctx, o...)
}

func createCohereModel(opts Options) (llms.Model, error) {
	o := []cohere.Option{
		cohere.WithToken(opts.APIKey),
	}
	if opts.DefaultModel != "" {
		o = append(o, cohere.WithModel(opts.DefaultModel))
	}
	if opts.BaseURL != "" {
		o = append(o, cohere.WithBaseURL(opts.BaseURL))
	}
	return cohere.New(o...)
}

func createOllamaModel(opts Options) (llms.Model, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:11434"
	}
	o := []ollama.Option{
		ollama.WithServerURL(opts.BaseURL),
	}
	if opts.DefaultModel != "" {
		o = append(o, ollama.WithModel(opts.DefaultModel))
	}
	return ollama.New(o...)
}

// Complete implements Completer. Transient provider errors are retried with
// the configured policy; a rejected request is reported as
// ErrRequestRejected.
func (c *LangchainCompleter) Complete(ctx context.Context, system string, turns []Turn, model string) (string, error) {
	content := make([]llms.MessageContent, 0, len(turns)+1)
	if system != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, t := range turns {
		role := llms.ChatMessageTypeAI
		if t.Role == RoleUser {
			role = llms.ChatMessageTypeHuman
		}
		content = append(content, llms.TextParts(role, t.Text))
	}

	callOptions := []llms.CallOption{
		llms.WithModel(model),
	}
	if c.opts.Temperature > 0 {
		callOptions = append(callOptions, llms.WithTemperature(c.opts.Temperature))
	}

	var text string
	result := retry.Do(ctx, c.opts.Retry, c.opts.Sleep, retryableCompletionError, func(attempt int) error {
		resp, err := c.llm.GenerateContent(ctx, content, callOptions...)
		if err != nil {
			if IsRequestRejected(err) {
				return retry.Permanent(fmt.Errorf("%w: %v", ErrRequestRejected, err))
			}
			return err
		}
		if resp == nil || len(resp.Choices) == 0 {
			return retry.Permanent(ErrEmptyCompletion)
		}
		text = resp.Choices[0].Content
		return nil
	})
	if !result.Success {
		return "", result.LastError
	}

	log.Debug().
		Str("model", model).
		Int("turns", len(turns)).
		Int("attempts", result.Attempts).
		Msg("Completion received")
	return text, nil
}

func retryableCompletionError(err error) bool {
	if errors.Is(err, ErrRequestRejected) {
		return false
	}
	return retry.IsRetryableError(err)
}

// IsRequestRejected reports whether a provider error means the request
// content itself was refused
func IsRequestRejected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRequestRejected) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{
		"invalid_request_error",
		"status code: 400",
		"400 bad request",
		"badrequest",
		"bad request",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
