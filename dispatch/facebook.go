package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultFBBaseURL = "https://graph.facebook.com/v24.0"

// FBChannel posts to a Facebook Page feed via the Graph API.
type FBChannel struct {
	http        *resty.Client
	baseURL     string
	pageID      string
	accessToken string
}

// FBOption configures an FBChannel.
type FBOption func(*FBChannel)

// WithFBBaseURL overrides the Graph API base URL (for testing).
func WithFBBaseURL(url string) FBOption {
	return func(c *FBChannel) {
		c.baseURL = url
	}
}

// WithFBTimeout sets the HTTP timeout.
func WithFBTimeout(d time.Duration) FBOption {
	return func(c *FBChannel) {
		c.http.SetTimeout(d)
	}
}

// NewFBChannel creates the Facebook channel. Like the X channel,
// credentials are validated at post time.
func NewFBChannel(pageID, accessToken string, opts ...FBOption) *FBChannel {
	c := &FBChannel{
		http:        resty.New().SetTimeout(30 * time.Second).SetHeader("User-Agent", "weather-alert-bot/1.0"),
		baseURL:     defaultFBBaseURL,
		pageID:      pageID,
		accessToken: accessToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *FBChannel) Name() string { return "facebook" }

// Post publishes the text to the Page feed. The Graph API does not reject
// repeated Page posts as duplicates, so every non-2xx response is a plain
// failure.
func (c *FBChannel) Post(ctx context.Context, post Post) error {
	if c.pageID == "" || c.accessToken == "" {
		return fmt.Errorf("missing Facebook credentials (FB_PAGE_ID, FB_PAGE_ACCESS_TOKEN)")
	}

	var result struct {
		ID    string `json:"id"`
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"message":      post.Text,
			"access_token": c.accessToken,
		}).
		SetResult(&result).
		SetError(&result).
		Post(c.baseURL + "/" + c.pageID + "/feed")
	if err != nil {
		return fmt.Errorf("post to page feed: %w", err)
	}

	if resp.StatusCode() >= 400 {
		msg := strings.TrimSpace(result.Error.Message)
		if msg == "" {
			return fmt.Errorf("post to page feed: status %d", resp.StatusCode())
		}
		return fmt.Errorf("post to page feed: %s (code %d)", msg, result.Error.Code)
	}
	return nil
}
