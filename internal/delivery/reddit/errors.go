package reddit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/toxictalk/internal/delivery"
)

// ErrorItem is one entry of a Reddit error response
type ErrorItem struct {
	Code    string
	Message string
	Field   string
}

// APIError is a non-successful Reddit response
type APIError struct {
	StatusCode  int
	Items       []ErrorItem
	RateLimited bool
	Body        string
}

func (e *APIError) Error() string {
	if len(e.Items) == 0 {
		return fmt.Sprintf("reddit API error: HTTP %d: %s", e.StatusCode, truncate(e.Body, 200))
	}
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, fmt.Sprintf("%s: %s", it.Code, it.Message))
	}
	return fmt.Sprintf("reddit API error: HTTP %d: %s", e.StatusCode, strings.Join(parts, "; "))
}

// HasCode reports whether any item carries code
func (e *APIError) HasCode(code string) bool {
	for _, it := range e.Items {
		if it.Code == code {
			return true
		}
	}
	return false
}

// Error codes and messages that mean the recipient can never be reached
var (
	recipientCodes = map[string]bool{
		"USER_DOESNT_EXIST":               true,
		"USER_BLOCKED":                    true,
		"NOT_WHITELISTED_BY_USER_MESSAGE": true,
		"USER_BLOCKED_MESSAGE":            true,
	}
	blockedMessage = "Can't send a message to that user."
)

// IsRateLimited reports whether err is a rate-limit response
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited
}

// classify maps a request error onto a delivery failure. userTarget marks
// requests addressed to an account, where a 404 means the account is gone.
func classify(ch delivery.ChannelKind, err error, userTarget bool) *delivery.Failure {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return delivery.NewFailure(delivery.Transient, ch, err)
	}

	for _, it := range apiErr.Items {
		if recipientCodes[it.Code] || strings.TrimSpace(it.Message) == blockedMessage {
			return delivery.NewFailure(delivery.PermanentRecipient, ch, err)
		}
	}

	switch {
	case apiErr.RateLimited:
		return delivery.NewFailure(delivery.Transient, ch, err)
	case apiErr.StatusCode == http.StatusNotFound && userTarget:
		return delivery.NewFailure(delivery.PermanentRecipient, ch, err)
	case apiErr.StatusCode >= 500:
		return delivery.NewFailure(delivery.Transient, ch, err)
	case apiErr.StatusCode >= 400 || len(apiErr.Items) > 0:
		return delivery.NewFailure(delivery.PlatformRejected, ch, err)
	}
	return delivery.NewFailure(delivery.Transient, ch, err)
}

// errorEnvelope covers the error shapes of the legacy and the modmail APIs
type errorEnvelope struct {
	JSON *struct {
		Errors [][]interface{} `json:"errors"`
	} `json:"json"`
	Reason      string   `json:"reason"`
	Explanation string   `json:"explanation"`
	Message     string   `json:"message"`
	Fields      []string `json:"fields"`
}

func (e *errorEnvelope) items() []ErrorItem {
	var out []ErrorItem
	if e.JSON != nil {
		for _, raw := range e.JSON.Errors {
			var it ErrorItem
			if len(raw) > 0 {
				it.Code, _ = raw[0].(string)
			}
			if len(raw) > 1 {
				it.Message, _ = raw[1].(string)
			}
			if len(raw) > 2 {
				it.Field, _ = raw[2].(string)
			}
			out = append(out, it)
		}
	}
	if e.Reason != "" {
		it := ErrorItem{Code: e.Reason, Message: e.Explanation}
		if len(e.Fields) > 0 {
			it.Field = e.Fields[0]
		}
		out = append(out, it)
	}
	return out
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil {
		apiErr.Items = env.items()
	}
	apiErr.RateLimited = status == http.StatusTooManyRequests || apiErr.HasCode("RATELIMIT")
	return apiErr
}

// parseJSONErrors detects errors reported inside a 200 response
func parseJSONErrors(status int, body []byte) *APIError {
	var env errorEnvelope
	if json.Unmarshal(body, &env) != nil || env.JSON == nil || len(env.JSON.Errors) == 0 {
		return nil
	}
	apiErr := &APIError{StatusCode: status, Body: string(body), Items: env.items()}
	apiErr.RateLimited = apiErr.HasCode("RATELIMIT")
	return apiErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
