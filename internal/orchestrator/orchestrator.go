// Package orchestrator runs one invocation of the bot: it ingests unread
// replies, answers the conversations that are waiting on us and contacts new
// candidates.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/completion"
	"github.com/toxictalk/internal/delivery"
	"github.com/toxictalk/internal/logging"
	"github.com/toxictalk/internal/messagelog"
	"github.com/toxictalk/internal/prompts"
	"github.com/toxictalk/internal/registry"
	"github.com/toxictalk/internal/storage"
	"github.com/toxictalk/pkg/models"
)

// InviteSubreddit is recorded as the source of candidates who asked to be
// contacted by sending the invite keyword
const InviteSubreddit = "survey_invite_testing"

// RulesSource provides community rules for system prompts
type RulesSource interface {
	Rules(ctx context.Context, subreddit string) string
}

// Content holds the texts and templates the bot sends
type Content struct {
	Subject           string
	ClarifyingMessage string
	HandoffMessage    string
	InviteKeyword     string

	InitialMessage        map[string]string // variant -> template
	FirstConsentedMessage map[string]string // variant -> template
	PromptDict            map[string]string // condition -> system prompt

	// Variant names new participants are assigned from, keys of the maps above
	InitialVariants        []string
	FirstConsentedVariants []string
}

// Options bounds the work of one invocation
type Options struct {
	// MaxActive caps dispatches in ContinueConversations, 0 means unlimited
	MaxActive   int
	MaxContacts int
	Strategy    models.Strategy
	Conditions  []string
	Models      []string

	SkipIngest   bool
	SkipOutreach bool
	// DryRun selects outreach candidates without contacting them
	DryRun bool
}

// Deps are the collaborators of a Run
type Deps struct {
	Log        *messagelog.Log
	Registry   *registry.Registry
	Gateway    *delivery.Gateway
	Generator  *completion.Generator
	Rules      RulesSource
	Candidates storage.CandidateStore

	// Rand drives condition, model and variant assignment. Seeded from the
	// clock when nil.
	Rand *rand.Rand
	// NewID issues participant ids. Defaults to uuid.NewString.
	NewID func() string
}

// Result summarizes an invocation
type Result struct {
	Ingested    int
	Dispatched  int
	Sent        int
	Declined    int
	Failures    int
	Blacklisted int
	Contacted   int
	Duration    time.Duration
}

// Run is one invocation over loaded state
type Run struct {
	deps    Deps
	content Content
	opts    Options
	rng     *rand.Rand
	newID   func() string
	result  Result
	logger  *logging.RunLogger
}

// New creates a run. Log and Registry must already be loaded.
func New(deps Deps, content Content, opts Options) *Run {
	r := &Run{deps: deps, content: content, opts: opts, rng: deps.Rand, newID: deps.NewID}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.opts.Strategy == "" {
		r.opts.Strategy = models.StrategyDefault
	}
	return r
}

// Result returns the counters gathered so far
func (r *Run) Result() Result {
	return r.result
}

// Execute ingests, continues conversations and contacts new candidates, in
// that order. Only storage failures and unknown participants abort it.
func (r *Run) Execute(ctx context.Context) (*Result, error) {
	start := time.Now()
	r.logger = logging.GetCurrentLogger()

	if r.opts.SkipIngest {
		log.Info().Msg("Skipping ingest")
	} else {
		r.logger.LogSection("INGEST")
		if err := r.Ingest(ctx); err != nil {
			r.logger.LogError("ingest", err)
			return r.finish(start), fmt.Errorf("ingest: %w", err)
		}
	}

	r.logger.LogSection("CONTINUE CONVERSATIONS")
	if err := r.ContinueConversations(ctx); err != nil {
		r.logger.LogError("continue conversations", err)
		return r.finish(start), fmt.Errorf("continue conversations: %w", err)
	}

	if r.opts.SkipOutreach {
		log.Info().Msg("Skipping outreach")
	} else {
		r.logger.LogSection("CONTACT NEW")
		if err := r.ContactNew(ctx); err != nil {
			r.logger.LogError("contact new", err)
			return r.finish(start), fmt.Errorf("contact new: %w", err)
		}
	}

	res := r.finish(start)
	r.logger.Log("Run finished: %+v", *res)
	return res, nil
}

func (r *Run) finish(start time.Time) *Result {
	r.result.Duration = time.Since(start)
	res := r.result
	log.Info().
		Int("ingested", res.Ingested).
		Int("dispatched", res.Dispatched).
		Int("sent", res.Sent).
		Int("declined", res.Declined).
		Int("failures", res.Failures).
		Int("blacklisted", res.Blacklisted).
		Int("contacted", res.Contacted).
		Dur("duration", res.Duration).
		Msg("Run summary")
	return &res
}

// initialText renders the participant's initial message, used to rebuild a
// missing initial entry in the log
func (r *Run) initialText(p models.Participant) string {
	tpl, ok := r.content.InitialMessage[p.InitialVariant]
	if !ok {
		log.Warn().Str("user_id", p.ID).Str("variant", p.InitialVariant).Msg("Unknown initial message variant")
		return ""
	}
	text, err := prompts.Render(tpl, map[string]string{"username": p.Name, "subreddit": p.Subreddit})
	if err != nil {
		log.Warn().Err(err).Str("variant", p.InitialVariant).Msg("Failed to render initial message")
		return ""
	}
	return text
}

func (r *Run) pick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[r.rng.Intn(len(options))]
}

