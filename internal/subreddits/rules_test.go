package subreddits

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxictalk/internal/storage"
)

type fakeFetcher struct {
	rules map[string]string
	err   error
	calls int
}

func (f *fakeFetcher) Rules(ctx context.Context, subreddit string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.rules[subreddit], nil
}

func TestCache_FetchesOnceAndPersists(t *testing.T) {
	ctx := context.Background()
	store := &storage.RulesFile{Path: filepath.Join(t.TempDir(), "subreddits.csv")}
	f := &fakeFetcher{rules: map[string]string{"golang": "Be patient, No spam"}}

	c := NewCache(store, f)
	assert.Equal(t, "Be patient, No spam", c.Rules(ctx, "golang"))
	assert.Equal(t, "Be patient, No spam", c.Rules(ctx, "golang"))
	assert.Equal(t, 1, f.calls)

	// a later run reads the cached file
	c2 := NewCache(store, &fakeFetcher{err: errors.New("must not fetch")})
	assert.Equal(t, "Be patient, No spam", c2.Rules(ctx, "golang"))

	saved, err := store.LoadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"golang": "Be patient, No spam"}, saved)
}

func TestCache_FetchErrorYieldsEmpty(t *testing.T) {
	store := &storage.RulesFile{Path: filepath.Join(t.TempDir(), "subreddits.csv")}
	c := NewCache(store, &fakeFetcher{err: errors.New("403 Forbidden")})

	assert.Equal(t, "", c.Rules(context.Background(), "private_sub"))
}
