// Package reddit implements the direct-message and modmail channels on top of
// the Reddit OAuth API.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/toxictalk/internal/retry"
)

const (
	DefaultAuthURL   = "https://www.reddit.com"
	DefaultAPIURL    = "https://oauth.reddit.com"
	DefaultUserAgent = "toxictalk/1.0"
)

// Config holds the credentials and tuning of a Client
type Config struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string

	AuthURL string
	APIURL  string

	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration
	ModmailMaxAge     time.Duration

	// Retry bounds how often a rate-limited request is re-sent
	Retry retry.Policy
	// Sleep waits between rate-limited attempts. Defaults to retry.Sleep.
	Sleep retry.SleepFunc
	// Now stamps outbound messages. Defaults to time.Now.
	Now func() time.Time
}

// Client is an authenticated, paced Reddit API client
type Client struct {
	cfg         Config
	apiURL      string
	httpClient  *http.Client
	RateLimiter *rate.Limiter
}

// NewClient creates a client. The access token is fetched lazily with the
// password grant on the first request and reused until it expires.
func NewClient(ctx context.Context, cfg Config) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.ModmailMaxAge <= 0 {
		cfg.ModmailMaxAge = 4 * 24 * time.Hour
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	base := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: &userAgentTransport{agent: cfg.UserAgent, base: http.DefaultTransport},
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, base)

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(cfg.AuthURL, "/") + "/api/v1/access_token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	src := oauth2.ReuseTokenSource(nil, &passwordSource{
		ctx:      tokenCtx,
		config:   oc,
		username: cfg.Username,
		password: cfg.Password,
	})

	httpClient := oauth2.NewClient(tokenCtx, src)
	httpClient.Timeout = cfg.RequestTimeout

	return &Client{
		cfg:         cfg,
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		httpClient:  httpClient,
		RateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Username returns the account the client acts as
func (c *Client) Username() string {
	return c.cfg.Username
}

// passwordSource exchanges the account credentials for a token. Script apps
// get no refresh token, so every expiry triggers a new password grant.
type passwordSource struct {
	ctx      context.Context
	config   *oauth2.Config
	username string
	password string
}

func (s *passwordSource) Token() (*oauth2.Token, error) {
	tok, err := s.config.PasswordCredentialsToken(s.ctx, s.username, s.password)
	if err != nil {
		return nil, fmt.Errorf("reddit token exchange failed: %w", err)
	}
	log.Debug().Str("username", s.username).Time("expiry", tok.Expiry).Msg("Obtained Reddit access token")
	return tok, nil
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(r)
}

// get performs a paced GET and returns the body
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.apiURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return c.doWithRetry(ctx, http.MethodGet, u, nil)
}

// post performs a paced form POST and returns the body
func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	return c.doWithRetry(ctx, http.MethodPost, c.apiURL+path, form)
}

// doWithRetry re-sends rate-limited requests according to the retry policy.
// Any other failure is returned after the first attempt.
func (c *Client) doWithRetry(ctx context.Context, method, u string, form url.Values) ([]byte, error) {
	var body []byte
	result := retry.Do(ctx, c.cfg.Retry, c.cfg.Sleep, IsRateLimited, func(attempt int) error {
		b, err := c.doRequest(ctx, method, u, form)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if !result.Success {
		if result.Attempts > 1 && IsRateLimited(result.LastError) {
			log.Warn().Str("url", u).Int("attempts", result.Attempts).Msg("Still rate limited, giving up for this run")
		}
		return nil, result.LastError
	}
	return body, nil
}

func (c *Client) doRequest(ctx context.Context, method, u string, form url.Values) ([]byte, error) {
	if err := c.RateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	log.Debug().Str("method", method).Str("url", u).Int("status", resp.StatusCode).Msg("Reddit API call")

	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	if apiErr := parseJSONErrors(resp.StatusCode, body); apiErr != nil {
		return nil, apiErr
	}
	return body, nil
}

// decode unmarshals a response body into v
func decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// fullname prefixes a bare message id with the t4_ kind
func fullname(id string) string {
	if id == "" || strings.HasPrefix(id, "t4_") {
		return id
	}
	return "t4_" + id
}

// stripKind drops the tN_ prefix from a fullname
func stripKind(name string) string {
	if i := strings.Index(name, "_"); i == 2 && strings.HasPrefix(name, "t") {
		return name[i+1:]
	}
	return name
}

var errEmptyRef = errors.New("message has no channel reference")
