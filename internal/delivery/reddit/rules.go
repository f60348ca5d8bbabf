package reddit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type rulesResponse struct {
	Rules []struct {
		ShortName   string `json:"short_name"`
		Description string `json:"description"`
	} `json:"rules"`
}

// Rules returns the short names of a subreddit's rules joined by ", "
func (c *Client) Rules(ctx context.Context, subreddit string) (string, error) {
	body, err := c.get(ctx, "/r/"+url.PathEscape(subreddit)+"/about/rules", nil)
	if err != nil {
		return "", fmt.Errorf("fetch rules of r/%s: %w", subreddit, err)
	}
	var rr rulesResponse
	if err := decode(body, &rr); err != nil {
		return "", fmt.Errorf("fetch rules of r/%s: %w", subreddit, err)
	}
	names := make([]string, 0, len(rr.Rules))
	for _, r := range rr.Rules {
		names = append(names, r.ShortName)
	}
	return strings.Join(names, ", "), nil
}
