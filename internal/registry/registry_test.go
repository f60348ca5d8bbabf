package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxictalk/internal/storage"
	"github.com/toxictalk/pkg/models"
)

func newFileRegistry(t *testing.T) (*Registry, storage.FilePaths) {
	t.Helper()
	dir := t.TempDir()
	paths := storage.FilePaths{
		Participants: filepath.Join(dir, "participants.csv"),
		BadAccounts:  filepath.Join(dir, "bad_accounts.json"),
	}
	r := New(&storage.ParticipantFile{Path: paths.Participants}, &storage.BlacklistFile{Path: paths.BadAccounts})
	require.NoError(t, r.Load(context.Background()))
	return r, paths
}

func alice() models.Participant {
	return models.Participant{
		Name: "alice", ID: "id-alice", Condition: "empathy", Strategy: models.StrategyDefault,
		Subreddit: "golang", Model: "gpt-4o", FirstConsentedVariant: "conversational", InitialVariant: "v1",
	}
}

func TestGet_NotFound(t *testing.T) {
	r, _ := newFileRegistry(t)

	_, err := r.Get("nobody")
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestAdd_PersistsAndIndexes(t *testing.T) {
	ctx := context.Background()
	r, paths := newFileRegistry(t)

	require.NoError(t, r.Add(ctx, alice()))

	got, err := r.Get("id-alice")
	require.NoError(t, err)
	assert.Equal(t, alice(), got)

	id, ok := r.IDForName("alice")
	assert.True(t, ok)
	assert.Equal(t, "id-alice", id)
	assert.True(t, r.Contacted("alice"))
	assert.False(t, r.Contacted("bob"))

	// reload from disk
	r2 := New(&storage.ParticipantFile{Path: paths.Participants}, &storage.BlacklistFile{Path: paths.BadAccounts})
	require.NoError(t, r2.Load(ctx))
	assert.Equal(t, 1, r2.Len())
	got, err = r2.Get("id-alice")
	require.NoError(t, err)
	assert.Equal(t, alice(), got)
}

func TestAdd_RejectsInvalid(t *testing.T) {
	r, _ := newFileRegistry(t)

	p := alice()
	p.Strategy = "telegram"
	assert.Error(t, r.Add(context.Background(), p))

	p = alice()
	p.ID = ""
	assert.Error(t, r.Add(context.Background(), p))
	assert.Equal(t, 0, r.Len())
}

func TestLoad_DuplicateIDKeepsLast(t *testing.T) {
	ctx := context.Background()
	r, paths := newFileRegistry(t)

	first := alice()
	second := alice()
	second.Condition = "control"
	require.NoError(t, r.Add(ctx, first))
	require.NoError(t, r.Add(ctx, second))

	r2 := New(&storage.ParticipantFile{Path: paths.Participants}, &storage.BlacklistFile{Path: paths.BadAccounts})
	require.NoError(t, r2.Load(ctx))
	got, err := r2.Get("id-alice")
	require.NoError(t, err)
	assert.Equal(t, "control", got.Condition)
	assert.Equal(t, 1, r2.Len())
}

func TestBlacklist(t *testing.T) {
	ctx := context.Background()
	r, paths := newFileRegistry(t)

	require.NoError(t, r.Blacklist(ctx, "alice", "id-alice", ""))
	require.NoError(t, r.Blacklist(ctx, "alice"))

	assert.True(t, r.IsBlacklisted("alice"))
	assert.True(t, r.IsBlacklisted("id-alice"))
	assert.False(t, r.IsBlacklisted(""))
	assert.True(t, r.IsParticipantBlacklisted(models.Participant{Name: "x", ID: "id-alice"}))

	ids, err := (&storage.BlacklistFile{Path: paths.BadAccounts}).LoadBlacklist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "id-alice"}, ids)
}

type flakyBlacklist struct {
	saved []string
	err   error
}

func (f *flakyBlacklist) LoadBlacklist(ctx context.Context) ([]string, error) {
	return f.saved, nil
}

func (f *flakyBlacklist) SaveBlacklist(ctx context.Context, ids []string) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append([]string(nil), ids...)
	return nil
}

func TestBlacklist_FailedSaveLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := &flakyBlacklist{saved: []string{"spam"}}
	r := New(&storage.ParticipantFile{Path: filepath.Join(dir, "participants.csv")}, store)
	require.NoError(t, r.Load(ctx))

	store.err = errors.New("disk full")
	assert.ErrorContains(t, r.Blacklist(ctx, "alice", "id-alice"), "disk full")
	assert.False(t, r.IsBlacklisted("alice"))
	assert.False(t, r.IsBlacklisted("id-alice"))

	store.err = nil
	require.NoError(t, r.Blacklist(ctx, "alice", "alice"))
	assert.True(t, r.IsBlacklisted("alice"))
	assert.Equal(t, []string{"spam", "alice"}, store.saved)
}
