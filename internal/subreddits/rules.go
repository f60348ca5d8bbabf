// Package subreddits caches community rules used as system-prompt context
package subreddits

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toxictalk/internal/storage"
)

// Fetcher retrieves the rules of a community from the platform
type Fetcher interface {
	Rules(ctx context.Context, subreddit string) (string, error)
}

// Cache serves rules from the store and fetches missing ones once
type Cache struct {
	store   storage.RulesStore
	fetcher Fetcher
	rules   map[string]string
	loaded  bool
}

// NewCache creates a rules cache
func NewCache(store storage.RulesStore, fetcher Fetcher) *Cache {
	return &Cache{store: store, fetcher: fetcher}
}

func (c *Cache) load(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	rules, err := c.store.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load subreddit rules: %w", err)
	}
	c.rules = rules
	if c.rules == nil {
		c.rules = make(map[string]string)
	}
	c.loaded = true
	return nil
}

// Rules returns the rules of subreddit. A failed fetch is logged and yields
// empty rules so a reply can still be generated.
func (c *Cache) Rules(ctx context.Context, subreddit string) string {
	if err := c.load(ctx); err != nil {
		log.Error().Err(err).Msg("Error loading subreddit rules")
		return ""
	}
	if r, ok := c.rules[subreddit]; ok {
		return r
	}
	if c.fetcher == nil {
		return ""
	}

	rules, err := c.fetcher.Rules(ctx, subreddit)
	if err != nil {
		log.Error().Err(err).Str("subreddit", subreddit).Msg("Error getting subreddit rules")
		return ""
	}
	log.Info().Str("subreddit", subreddit).Str("rules", rules).Msg("Fetched subreddit rules")

	c.rules[subreddit] = rules
	if err := c.store.AppendRules(ctx, subreddit, rules); err != nil {
		log.Warn().Err(err).Str("subreddit", subreddit).Msg("Failed to cache subreddit rules")
	}
	return rules
}
