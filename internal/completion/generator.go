package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/pkg/models"
)

// Source tells where a reply came from
type Source string

const (
	SourceModel   Source = "model"
	SourceGoodbye Source = "goodbye"
	SourceShorten Source = "shorten"
	SourceApology Source = "apology"
)

// Reply is a generated or canned answer
type Reply struct {
	Text   string
	Source Source
	Trims  int // earliest turns dropped to fit the budget
}

// Generator applies interaction limits and token budgets around a Completer
type Generator struct {
	Completer Completer

	// MaxTokens is the whitespace-token budget per model id
	MaxTokens       map[string]int
	MaxInteractions int

	GoodbyeMessage string
	ShortenMessage string
	ApologyMessage string
	ContinuityNote string
}

// CountTokens approximates the token count of a request by counting
// whitespace-separated words
func CountTokens(system string, turns []Turn) int {
	n := len(strings.Fields(system))
	for _, t := range turns {
		n += len(strings.Fields(t.Text))
	}
	return n
}

// Reply produces the next assistant message for conv.
//
// Conversations longer than MaxInteractions get the goodbye message without
// a call. While the request is over the model's budget the earliest turn is
// dropped and the continuity note is appended to the system prompt; a single
// turn that is still too long gets the shorten message. A rejected request
// gets the apology message. Other service errors are returned.
func (g *Generator) Reply(ctx context.Context, conv []models.Message, system, model string) (Reply, error) {
	limit, ok := g.MaxTokens[model]
	if !ok {
		return Reply{}, fmt.Errorf("%w: %q has no max_tokens entry", ErrUnknownModel, model)
	}

	if g.MaxInteractions > 0 && len(conv) > g.MaxInteractions {
		log.Info().Int("messages", len(conv)).Int("max_interactions", g.MaxInteractions).Msg("Conversation reached its interaction limit")
		return Reply{Text: g.GoodbyeMessage, Source: SourceGoodbye}, nil
	}

	turns := TurnsFrom(conv)
	trims := 0
	for CountTokens(system, turns) > limit {
		if len(turns) <= 1 {
			log.Info().Int("limit", limit).Msg("Single message exceeds the token budget")
			return Reply{Text: g.ShortenMessage, Source: SourceShorten, Trims: trims}, nil
		}
		turns = turns[1:]
		system = strings.TrimSpace(system + " " + g.ContinuityNote)
		trims++
	}
	if trims > 0 {
		log.Debug().Int("trims", trims).Int("turns", len(turns)).Msg("Trimmed conversation to fit the token budget")
	}

	text, err := g.Completer.Complete(ctx, system, turns, model)
	if err != nil {
		if errors.Is(err, ErrRequestRejected) {
			log.Warn().Err(err).Str("model", model).Msg("Completion request rejected, sending apology")
			return Reply{Text: g.ApologyMessage, Source: SourceApology, Trims: trims}, nil
		}
		return Reply{}, fmt.Errorf("generate reply with %s: %w", model, err)
	}
	if strings.TrimSpace(text) == "" {
		return Reply{}, fmt.Errorf("generate reply with %s: %w", model, ErrEmptyCompletion)
	}
	return Reply{Text: text, Source: SourceModel, Trims: trims}, nil
}
