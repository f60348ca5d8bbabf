package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/conversation"
	"github.com/toxictalk/internal/delivery"
	"github.com/toxictalk/internal/prompts"
	"github.com/toxictalk/pkg/models"
)

// ContinueConversations answers users whose latest message is theirs, in log
// order, until MaxActive dispatches were made. Declined and skipped
// conversations never count towards the cap.
func (r *Run) ContinueConversations(ctx context.Context) error {
	pending := r.deps.Log.PendingUsers(r.deps.Registry.IsBlacklisted)
	log.Debug().Int("pending", len(pending)).Msg("Conversations waiting on a reply")

	for _, id := range pending {
		if r.opts.MaxActive > 0 && r.result.Dispatched >= r.opts.MaxActive {
			log.Debug().Int("max_active", r.opts.MaxActive).Msg("Dispatch cap reached")
			break
		}

		p, err := r.deps.Registry.Get(id)
		if err != nil {
			return fmt.Errorf("conversation of %s: %w", id, err)
		}
		if r.deps.Registry.IsParticipantBlacklisted(p) {
			continue
		}

		conv := conversation.New(p, r.deps.Log.ForUser(id), r.initialText(p))
		status := conv.Status()
		log.Info().Str("user_id", id).Str("status", string(status)).Int("messages", conv.Len()).Msg("Classified conversation")
		r.logger.Log("Conversation with %s: %s", id, status)

		var dispatched bool
		switch status {
		case conversation.StatusDeclined:
			err = r.decline(ctx, conv)
		case conversation.StatusSkip:
		case conversation.StatusNeedsClarification:
			dispatched = true
			_, err = r.reply(ctx, conv, models.TypeClarifying, r.content.ClarifyingMessage)
		case conversation.StatusNeedsHandoff:
			dispatched, err = r.handoff(ctx, conv)
		case conversation.StatusConsented:
			if p.IsControl() {
				log.Debug().Str("user_id", id).Msg("Control participant, no AI reply")
				break
			}
			dispatched = true
			err = r.aiReply(ctx, conv)
		}
		if err != nil {
			return err
		}
		if dispatched {
			r.result.Dispatched++
		}
	}
	return nil
}

// decline archives an open moderator thread and blacklists the participant
func (r *Run) decline(ctx context.Context, conv *conversation.Conversation) error {
	p := conv.Participant
	log.Info().Str("user_id", p.ID).Msg("Consent declined")

	if last, ok := conv.Last(); ok && last.IsModmail {
		r.deps.Gateway.Modmail.Archive(ctx, last)
	} else {
		log.Warn().Str("user_id", p.ID).Msg("Can't archive conversation, not in modmail")
	}

	r.result.Declined++
	return r.deps.Registry.Blacklist(ctx, p.Name, p.ID)
}

// handoff acknowledges consent and sends the first-consented message. The
// first-consented message only follows a delivered acknowledgement. It
// reports false when nothing had to be sent.
func (r *Run) handoff(ctx context.Context, conv *conversation.Conversation) (bool, error) {
	p := conv.Participant
	sendHandoff := conversation.NeedsHandoff(p)
	sendFirst := !p.IsControl()
	if !sendHandoff && !sendFirst {
		log.Debug().Str("user_id", p.ID).Msg("Nothing to send after consent")
		return false, nil
	}

	log.Info().Str("user", p.Name).Msg("Sending handoff message")
	if sendHandoff {
		delivered, err := r.reply(ctx, conv, models.TypeHandoff, r.content.HandoffMessage)
		if err != nil {
			return true, err
		}
		// the consent answer stays unanswered so the next invocation retries
		if !delivered {
			return true, nil
		}
	}
	if !sendFirst {
		return true, nil
	}

	tpl, ok := r.content.FirstConsentedMessage[p.FirstConsentedVariant]
	if !ok {
		log.Error().Str("user_id", p.ID).Str("variant", p.FirstConsentedVariant).Msg("Unknown first-consented message variant")
		return true, nil
	}
	text, err := prompts.Render(tpl, map[string]string{"subreddit": p.Subreddit, "comment": p.ToxicComments})
	if err != nil {
		log.Error().Err(err).Str("variant", p.FirstConsentedVariant).Msg("Failed to render first-consented message")
		return true, nil
	}

	if p.Strategy == models.StrategyDefault {
		_, err = r.sendNew(ctx, r.deps.Gateway.Direct, p, models.TypeFirstConsented, text)
	} else {
		_, err = r.reply(ctx, conv, models.TypeFirstConsented, text)
	}
	return true, err
}

// aiReply generates and sends the next turn of a consented conversation.
// Generation errors are logged and nothing is sent.
func (r *Run) aiReply(ctx context.Context, conv *conversation.Conversation) error {
	p := conv.Participant
	tpl, ok := r.content.PromptDict[p.Condition]
	if !ok {
		log.Error().Str("user_id", p.ID).Str("condition", p.Condition).Msg("No system prompt for condition")
		return nil
	}

	var rules string
	if r.deps.Rules != nil {
		rules = r.deps.Rules.Rules(ctx, p.Subreddit)
	}
	vars := prompts.With(prompts.ParticipantVars(p), map[string]string{"subreddit_rules": rules})
	system, err := prompts.Render(tpl, vars)
	if err != nil {
		log.Error().Err(err).Str("condition", p.Condition).Msg("Failed to render system prompt")
		return nil
	}

	reply, err := r.deps.Generator.Reply(ctx, conv.Messages(), system, p.Model)
	if err != nil {
		log.Error().Err(err).Str("user_id", p.ID).Str("model", p.Model).Msg("Failed to generate reply, not sending")
		r.logger.LogError("generate reply for "+p.ID, err)
		return nil
	}
	log.Info().Str("user_id", p.ID).Str("source", string(reply.Source)).Int("trims", reply.Trims).Msg("Prepared reply")

	_, err = r.reply(ctx, conv, models.TypeAIReply, reply.Text)
	return err
}

// reply answers the last message of conv on the channel it arrived on. It
// reports whether the message was delivered; the error is only set for
// storage failures.
func (r *Run) reply(ctx context.Context, conv *conversation.Conversation, t models.MessageType, text string) (bool, error) {
	p := conv.Participant
	last, ok := conv.Last()
	if !ok {
		return false, nil
	}
	ch := r.deps.Gateway.For(last)
	msg, err := ch.SendReply(ctx, last, p, text, t)
	if err != nil {
		return false, r.deliveryFailed(ctx, p, t, err)
	}
	return true, r.record(ctx, msg)
}

// sendNew starts a thread on ch
func (r *Run) sendNew(ctx context.Context, ch delivery.Channel, p models.Participant, t models.MessageType, text string) (bool, error) {
	msg, err := ch.SendNew(ctx, p, r.content.Subject, text, t)
	if err != nil {
		return false, r.deliveryFailed(ctx, p, t, err)
	}
	return true, r.record(ctx, msg)
}

func (r *Run) record(ctx context.Context, msg models.Message) error {
	if err := r.deps.Log.Append(ctx, msg); err != nil {
		return fmt.Errorf("record %s to %s: %w", msg.Type, msg.UserID, err)
	}
	r.result.Sent++
	r.logger.Log("Sent %s to %s", msg.Type, msg.UserID)
	return nil
}

// deliveryFailed applies the failure policy: recipients that can never be
// reached are blacklisted, everything else waits for the next invocation
func (r *Run) deliveryFailed(ctx context.Context, p models.Participant, t models.MessageType, err error) error {
	r.result.Failures++
	kind := delivery.KindOf(err)
	event := log.Warn()
	if kind == delivery.PlatformRejected {
		event = log.Error()
	}
	event.Err(err).
		Str("user", p.Name).
		Str("message_type", string(t)).
		Str("failure", kind.String()).
		Msg("Failed to send message")

	if kind != delivery.PermanentRecipient {
		return nil
	}
	r.result.Blacklisted++
	return r.deps.Registry.Blacklist(ctx, p.Name, p.ID)
}
