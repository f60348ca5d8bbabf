package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/prompts"
	"github.com/toxictalk/pkg/models"
)

// ContactNew sends the initial message to up to MaxContacts candidates who
// were neither contacted nor blacklisted before. A participant is registered
// only once the initial message went out.
func (r *Run) ContactNew(ctx context.Context) error {
	if r.opts.MaxContacts <= 0 {
		log.Debug().Msg("Outreach disabled, max_contacts is 0")
		return nil
	}

	candidates, err := r.deps.Candidates.LoadCandidates(ctx)
	if err != nil {
		return fmt.Errorf("load outreach pool: %w", err)
	}
	selected := r.selectCandidates(candidates)
	log.Info().Int("pool", len(candidates)).Int("selected", len(selected)).Msg("Selected outreach candidates")

	for _, c := range selected {
		p := models.Participant{
			Name:                  c.Author,
			ID:                    r.newID(),
			Condition:             r.pick(r.opts.Conditions),
			Strategy:              r.opts.Strategy,
			Subreddit:             c.Subreddit,
			ToxicComments:         c.ToxicComments,
			Model:                 r.pick(r.opts.Models),
			FirstConsentedVariant: r.pick(r.content.FirstConsentedVariants),
			InitialVariant:        r.pick(r.content.InitialVariants),
		}

		tpl := r.content.InitialMessage[p.InitialVariant]
		text, err := prompts.Render(tpl, map[string]string{"username": p.Name, "subreddit": p.Subreddit})
		if err != nil {
			log.Error().Err(err).Str("variant", p.InitialVariant).Msg("Failed to render initial message")
			continue
		}

		if r.opts.DryRun {
			log.Info().Str("user", p.Name).Str("condition", p.Condition).Str("strategy", string(p.Strategy)).Msg("Dry run, not contacting")
			r.logger.Log("Dry run: would contact %s (%s)", p.Name, p.Condition)
			continue
		}

		log.Info().Str("user", p.Name).Msg("Sending initial message")
		ch := r.deps.Gateway.ForInitial(p.Strategy)
		msg, err := ch.SendNew(ctx, p, r.content.Subject, text, models.TypeInitial)
		if err != nil {
			if err := r.deliveryFailed(ctx, p, models.TypeInitial, err); err != nil {
				return err
			}
			continue
		}

		if err := r.deps.Registry.Add(ctx, p); err != nil {
			return err
		}
		if err := r.record(ctx, msg); err != nil {
			return err
		}
		r.result.Contacted++
	}
	return nil
}

// selectCandidates drops duplicate names (first wins), deleted accounts,
// contacted users and blacklisted users, then keeps the first MaxContacts
func (r *Run) selectCandidates(pool []models.Candidate) []models.Candidate {
	seen := make(map[string]bool, len(pool))
	var out []models.Candidate
	for _, c := range pool {
		name := strings.TrimSpace(c.Author)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if name == models.DeletedAuthor || r.deps.Registry.Contacted(name) || r.deps.Registry.IsBlacklisted(name) {
			continue
		}
		c.Author = name
		out = append(out, c)
		if len(out) == r.opts.MaxContacts {
			break
		}
	}
	return out
}
