// Package prompts renders the message and system-prompt templates kept in
// configuration. Templates use {name} placeholders; {{ and }} produce
// literal braces.
package prompts

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/toxictalk/pkg/models"
)

// ErrMissingVar is returned when a template references an unknown placeholder
var ErrMissingVar = errors.New("missing template variable")

var (
	// Matches {{, }} or {name} where name may contain dots, e.g. {user.subreddit}
	// Capture 1 = name
	tokenPattern = regexp.MustCompile(`\{\{|\}\}|\{([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\}`)
)

// Render substitutes vars into tpl. Every placeholder must have a value.
func Render(tpl string, vars map[string]string) (string, error) {
	var missing []string
	var b strings.Builder
	b.Grow(len(tpl))

	last := 0
	for _, idx := range tokenPattern.FindAllStringSubmatchIndex(tpl, -1) {
		b.WriteString(tpl[last:idx[0]])
		last = idx[1]

		tok := tpl[idx[0]:idx[1]]
		switch {
		case tok == "{{":
			b.WriteByte('{')
		case tok == "}}":
			b.WriteByte('}')
		default:
			name := tpl[idx[2]:idx[3]]
			v, ok := vars[name]
			if !ok {
				missing = append(missing, name)
				continue
			}
			b.WriteString(v)
		}
	}
	b.WriteString(tpl[last:])

	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: %s", ErrMissingVar, strings.Join(missing, ", "))
	}
	return b.String(), nil
}

// ParticipantVars exposes a participant to templates both by the short names
// used in outreach messages and as user.<field> for system prompts.
func ParticipantVars(p models.Participant) map[string]string {
	return map[string]string{
		"username":                 p.Name,
		"subreddit":                p.Subreddit,
		"comment":                  p.ToxicComments,
		"condition":                p.Condition,
		"user.user_name":           p.Name,
		"user.user_id":             p.ID,
		"user.condition":           p.Condition,
		"user.messaging_strategy":  string(p.Strategy),
		"user.subreddit":           p.Subreddit,
		"user.toxic_comments":      p.ToxicComments,
		"user.openai_model":        p.Model,
		"user.first_consented_msg": p.FirstConsentedVariant,
		"user.initial_message":     p.InitialVariant,
	}
}

// With returns a copy of vars with extra entries added
func With(vars map[string]string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(vars)+len(extra))
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
