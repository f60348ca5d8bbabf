package messagelog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxictalk/internal/storage"
	"github.com/toxictalk/pkg/models"
)

// memStore is an in-memory MessageStore that counts writes
type memStore struct {
	rows    []models.Message
	appends int
	failErr error
}

func (m *memStore) LoadMessages(ctx context.Context) ([]models.Message, error) {
	return append([]models.Message(nil), m.rows...), nil
}

func (m *memStore) AppendMessages(ctx context.Context, msgs []models.Message) error {
	if m.failErr != nil {
		return m.failErr
	}
	m.appends++
	m.rows = append(m.rows, msgs...)
	return nil
}

func msg(user string, typ models.MessageType, text string, at float64) models.Message {
	return models.Message{UserID: user, Type: typ, Text: text, CreatedUTC: at, Subreddit: "golang", Condition: "empathy"}
}

func TestAppend_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	l := New(store)
	require.NoError(t, l.Load(ctx))

	m := msg("u1", models.TypeUser, "hello", 100)
	require.NoError(t, l.Append(ctx, m))
	require.NoError(t, l.Append(ctx, m))

	assert.Len(t, store.rows, 1)
	assert.Equal(t, 1, store.appends, "second append must not touch storage")
	assert.Equal(t, 1, l.Len())
}

func TestAppend_DuplicateWithinBatch(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	l := New(store)

	m := msg("u1", models.TypeUser, "hello", 100)
	require.NoError(t, l.Append(ctx, m, m))
	assert.Len(t, store.rows, 1)
}

func TestAppend_KeepsNearDuplicates(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	l := New(store)

	require.NoError(t, l.Append(ctx, msg("u1", models.TypeUser, "hello", 100)))
	require.NoError(t, l.Append(ctx, msg("u1", models.TypeUser, "hello", 101)))
	assert.Len(t, store.rows, 2)
}

func TestAppend_DeduplicatesAgainstLoadedRows(t *testing.T) {
	ctx := context.Background()
	existing := msg("u1", models.TypeInitial, "hi", 1)
	store := &memStore{rows: []models.Message{existing}}
	l := New(store)
	require.NoError(t, l.Load(ctx))

	require.NoError(t, l.Append(ctx, existing, msg("u1", models.TypeUser, "yes", 2)))
	assert.Len(t, store.rows, 2)
	assert.Equal(t, 1, store.appends)
}

func TestAppend_EmptyIsNoop(t *testing.T) {
	store := &memStore{failErr: errors.New("must not be called")}
	l := New(store)
	assert.NoError(t, l.Append(context.Background()))
}

func TestAppend_StorageFailure(t *testing.T) {
	store := &memStore{failErr: storage.ErrStorageUnavailable}
	l := New(store)

	err := l.Append(context.Background(), msg("u1", models.TypeUser, "hello", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
	assert.Equal(t, 0, l.Len(), "failed rows are not kept in memory")
}

func TestAppend_FileBackendIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conversations.csv")
	m := msg("u1", models.TypeUser, "hello, world", 1700000000.5)

	l := New(&storage.MessageFile{Path: path})
	require.NoError(t, l.Load(ctx))
	require.NoError(t, l.Append(ctx, m))

	// a fresh invocation re-appending the same row
	l2 := New(&storage.MessageFile{Path: path})
	require.NoError(t, l2.Load(ctx))
	require.NoError(t, l2.Append(ctx, m))

	rows, err := (&storage.MessageFile{Path: path}).LoadMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestForUser_SortsStably(t *testing.T) {
	ctx := context.Background()
	a := msg("u1", models.TypeUser, "second", 20)
	b := msg("u1", models.TypeInitial, "first", 10)
	c := msg("u2", models.TypeInitial, "other", 5)
	d := msg("u1", models.TypeAIReply, "tie-a", 30)
	e := msg("u1", models.TypeUser, "tie-b", 30)
	store := &memStore{rows: []models.Message{a, b, c, d, e}}
	l := New(store)
	require.NoError(t, l.Load(ctx))

	got := l.ForUser("u1")
	want := []models.Message{b, a, d, e}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ForUser mismatch (-want +got):\n%s", diff)
	}
}

func TestPendingUsers(t *testing.T) {
	ctx := context.Background()
	store := &memStore{rows: []models.Message{
		msg("u1", models.TypeInitial, "hi", 1),
		msg("u2", models.TypeInitial, "hi", 1),
		msg("u3", models.TypeInitial, "hi", 1),
		msg("u2", models.TypeUser, "yes", 5),
		msg("u1", models.TypeUser, "no", 3),
		msg("u3", models.TypeUser, "ok", 2),
		// written out of order: the reply to u3 is newer than its answer
		msg("u3", models.TypeHandoff, "thanks", 4),
		msg("u4", models.TypeInitial, "hi", 1),
		msg("u4", models.TypeUser, "sure", 2),
	}}
	l := New(store)
	require.NoError(t, l.Load(ctx))

	assert.Equal(t, []string{"u1", "u2", "u4"}, l.PendingUsers(nil))

	blocked := func(id string) bool { return id == "u2" }
	assert.Equal(t, []string{"u1", "u4"}, l.PendingUsers(blocked))
}
