package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultXBaseURL = "https://api.x.com"

// XChannel posts to X using the OAuth 2.0 refresh-token flow. Each post
// mints a short-lived access token first; when X rotates the refresh
// token, the new value is written to a side file so the external workflow
// can update the stored secret.
type XChannel struct {
	http         *resty.Client
	baseURL      string
	clientID     string
	clientSecret string
	refreshToken string
	rotatedPath  string
}

// XOption configures an XChannel.
type XOption func(*XChannel)

// WithXBaseURL overrides the API base URL (for testing).
func WithXBaseURL(url string) XOption {
	return func(c *XChannel) {
		c.baseURL = url
	}
}

// WithXTimeout sets the HTTP timeout.
func WithXTimeout(d time.Duration) XOption {
	return func(c *XChannel) {
		c.http.SetTimeout(d)
	}
}

// NewXChannel creates the X channel. Credentials come from the workflow's
// secret injection; they are validated at post time so a missing secret is
// a non-fatal channel failure, not a startup crash.
func NewXChannel(clientID, clientSecret, refreshToken, rotatedPath string, opts ...XOption) *XChannel {
	c := &XChannel{
		http:         resty.New().SetTimeout(30 * time.Second).SetHeader("User-Agent", "weather-alert-bot/1.0"),
		baseURL:      defaultXBaseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		rotatedPath:  rotatedPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *XChannel) Name() string { return "x" }

// Post publishes the text as a tweet. A duplicate-content rejection maps
// to ErrDuplicate.
func (c *XChannel) Post(ctx context.Context, post Post) error {
	access, err := c.refreshAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("refresh access token: %w", err)
	}

	var result struct {
		Detail string `json:"detail"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(access).
		SetBody(map[string]string{"text": post.Text}).
		SetResult(&result).
		SetError(&result).
		Post(c.baseURL + "/2/tweets")
	if err != nil {
		return fmt.Errorf("post tweet: %w", err)
	}

	if resp.StatusCode() >= 400 {
		if isDuplicateTweet(result.Detail) {
			return fmt.Errorf("%w: %s", ErrDuplicate, result.Detail)
		}
		for _, e := range result.Errors {
			if isDuplicateTweet(e.Message) {
				return fmt.Errorf("%w: %s", ErrDuplicate, e.Message)
			}
		}
		return fmt.Errorf("post tweet: status %d", resp.StatusCode())
	}
	return nil
}

func isDuplicateTweet(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "duplicate")
}

// refreshAccessToken exchanges the refresh token for an access token.
func (c *XChannel) refreshAccessToken(ctx context.Context) (string, error) {
	if c.clientID == "" || c.clientSecret == "" || c.refreshToken == "" {
		return "", fmt.Errorf("missing X credentials (X_CLIENT_ID, X_CLIENT_SECRET, X_REFRESH_TOKEN)")
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": c.refreshToken,
		}).
		SetResult(&payload).
		Post(c.baseURL + "/2/oauth2/token")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("token refresh: status %d", resp.StatusCode())
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token refresh: no access_token in response")
	}

	if payload.RefreshToken != "" && payload.RefreshToken != c.refreshToken {
		c.refreshToken = payload.RefreshToken
		if err := c.writeRotatedToken(payload.RefreshToken); err != nil {
			// The post can still go out, but the workflow must learn the
			// new token or the next run will fail to authenticate.
			slog.Error("failed to persist rotated X refresh token", "path", c.rotatedPath, "error", err)
		} else {
			slog.Warn("X refresh token rotated", "path", c.rotatedPath)
		}
	}
	return payload.AccessToken, nil
}

func (c *XChannel) writeRotatedToken(token string) error {
	if c.rotatedPath == "" {
		return nil
	}
	return os.WriteFile(c.rotatedPath, []byte(strings.TrimSpace(token)), 0o600)
}
