package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/toxictalk/pkg/models"
)

type stubChannel struct{ kind ChannelKind }

func (s stubChannel) Kind() ChannelKind { return s.kind }
func (s stubChannel) SendNew(context.Context, models.Participant, string, string, models.MessageType) (models.Message, error) {
	return models.Message{}, nil
}
func (s stubChannel) SendReply(context.Context, models.Message, models.Participant, string, models.MessageType) (models.Message, error) {
	return models.Message{}, nil
}
func (s stubChannel) Archive(context.Context, models.Message)             {}
func (s stubChannel) Poll(context.Context) ([]Inbound, error)             { return nil, nil }
func (s stubChannel) Ack(context.Context, []Inbound) error                { return nil }

func TestGateway_Selection(t *testing.T) {
	g := NewGateway(stubChannel{Direct}, stubChannel{Modmail})

	assert.Equal(t, Modmail, g.For(models.Message{IsModmail: true}).Kind())
	assert.Equal(t, Direct, g.For(models.Message{IsModmail: false}).Kind())

	assert.Equal(t, Modmail, g.ForInitial(models.StrategyDefault).Kind())
	assert.Equal(t, Modmail, g.ForInitial(models.StrategyModmail).Kind())
	assert.Equal(t, Direct, g.ForInitial(models.StrategyDM).Kind())

	assert.Len(t, g.Channels(), 2)
}

func TestFailureClassification(t *testing.T) {
	base := errors.New("USER_DOESNT_EXIST")
	perm := NewFailure(PermanentRecipient, Direct, base)
	wrapped := fmt.Errorf("send initial: %w", perm)

	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "permanent_recipient")

	rejected := NewFailure(PlatformRejected, Modmail, errors.New("bad request"))
	assert.True(t, IsRejected(rejected))
	assert.False(t, IsPermanent(rejected))

	plain := errors.New("connection reset")
	assert.True(t, IsTransient(plain))
	assert.Equal(t, Transient, KindOf(plain))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsPermanent(nil))
}
