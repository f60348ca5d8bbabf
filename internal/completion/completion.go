// Package completion wraps the external text-completion service and the
// token budgeting applied before every call.
package completion

import (
	"context"
	"errors"

	"github.com/toxictalk/pkg/models"
)

var (
	// ErrRequestRejected means the service refused the request content. The
	// generator answers with a fixed apology instead of failing.
	ErrRequestRejected = errors.New("completion request rejected")

	// ErrUnknownModel means the model has no configured token budget
	ErrUnknownModel = errors.New("unknown completion model")

	// ErrEmptyCompletion means the service answered with no text
	ErrEmptyCompletion = errors.New("empty completion")
)

// Role is the speaker of a turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the dialogue sent to the service
type Turn struct {
	Role Role
	Text string
}

// Completer produces the next assistant message
type Completer interface {
	Complete(ctx context.Context, system string, turns []Turn, model string) (string, error)
}

// TurnsFrom maps logged messages onto turns. Everything the bot sent is an
// assistant turn.
func TurnsFrom(msgs []models.Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		role := RoleAssistant
		if m.Type == models.TypeUser {
			role = RoleUser
		}
		turns = append(turns, Turn{Role: role, Text: m.Text})
	}
	return turns
}
