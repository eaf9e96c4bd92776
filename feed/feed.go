package feed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"
)

const defaultUserAgent = "weather-alert-bot/1.0"

// Alert is one normalized advisory from the upstream feed.
// Alerts are built fresh each run and never mutated afterwards.
type Alert struct {
	ID        string // stable identity across runs (entry id, link, or title)
	Title     string
	Summary   string
	Link      string
	Severity  string // warning, watch, advisory, statement, or alert
	Event     string // event type, e.g. "snow squall", "wind"
	AllClear  bool
	Published time.Time
	Updated   time.Time
}

// Fingerprint hashes the content-relevant fields of the alert. Feed
// metadata noise (timestamps, link formats) does not affect it.
func (a *Alert) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(a.Title))
	h.Write([]byte{0})
	h.Write([]byte(a.Summary))
	h.Write([]byte{0})
	h.Write([]byte(a.Severity))
	return hex.EncodeToString(h.Sum(nil))
}

// FetchError indicates the upstream feed could not be retrieved.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch feed %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ParseError indicates the feed document was malformed.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse feed %s: %v", e.URL, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Client fetches and normalizes the upstream Atom alert feed.
type Client struct {
	http    *resty.Client
	feedURL string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// WithRetries sets the number of retries on transient failures.
func WithRetries(n int) Option {
	return func(c *Client) {
		c.http.SetRetryCount(n)
	}
}

// NewClient creates a feed client for the given Atom feed URL.
func NewClient(feedURL string, opts ...Option) *Client {
	http := resty.New().
		SetTimeout(20 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetHeader("User-Agent", defaultUserAgent)

	c := &Client{http: http, feedURL: feedURL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves the feed and returns its alerts, newest first.
// An empty feed yields zero alerts, not an error. Entries that are not
// actual advisories ("no watches or warnings in effect", test broadcasts)
// are dropped during normalization.
func (c *Client) Fetch(ctx context.Context) ([]Alert, error) {
	resp, err := c.http.R().SetContext(ctx).Get(c.feedURL)
	if err != nil {
		return nil, &FetchError{URL: c.feedURL, Err: err}
	}
	if resp.StatusCode() != 200 {
		return nil, &FetchError{URL: c.feedURL, Err: fmt.Errorf("unexpected status: %d", resp.StatusCode())}
	}

	alerts, err := Parse(resp.Body())
	if err != nil {
		return nil, &ParseError{URL: c.feedURL, Err: err}
	}
	return alerts, nil
}

// Parse decodes an Atom document into normalized alerts, newest first.
func Parse(data []byte) ([]Alert, error) {
	doc, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	alerts := make([]Alert, 0, len(doc.Items))
	for _, item := range doc.Items {
		a, ok := normalize(item)
		if !ok {
			continue
		}
		alerts = append(alerts, a)
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Updated.After(alerts[j].Updated)
	})
	return alerts, nil
}

// excludedEvents never produce notifications.
var excludedEvents = []string{
	"test",
	"alert ready test",
	"broadcast intrusion",
}

func normalize(item *gofeed.Item) (Alert, bool) {
	title := sanitize(item.Title)
	summary := sanitize(item.Description)

	a := Alert{
		ID:        itemIdentity(item, title),
		Title:     title,
		Summary:   summary,
		Link:      itemLink(item),
		Published: itemTime(item.PublishedParsed),
		Updated:   itemTime(item.UpdatedParsed, item.PublishedParsed),
	}
	if a.ID == "" {
		return Alert{}, false
	}

	lower := strings.ToLower(title)
	if strings.Contains(lower, "no watches or warnings in effect") {
		return Alert{}, false
	}
	for _, bad := range excludedEvents {
		if strings.Contains(lower, bad) {
			return Alert{}, false
		}
	}

	a.Severity = classifySeverity(lower)
	a.Event = EventType(title)
	a.AllClear = strings.Contains(lower, "ended") || strings.Contains(lower, "cancelled")

	return a, true
}

// itemIdentity picks the stable key used to correlate across runs.
func itemIdentity(item *gofeed.Item, title string) string {
	if id := strings.TrimSpace(item.GUID); id != "" {
		return id
	}
	if link := itemLink(item); link != "" {
		return link
	}
	return title
}

func itemLink(item *gofeed.Item) string {
	if l := strings.TrimSpace(item.Link); l != "" {
		return l
	}
	for _, l := range item.Links {
		if strings.TrimSpace(l) != "" {
			return strings.TrimSpace(l)
		}
	}
	return ""
}

func classifySeverity(lower string) string {
	switch {
	case strings.Contains(lower, "special weather statement"):
		return "statement"
	case strings.Contains(lower, "warning"):
		return "warning"
	case strings.Contains(lower, "watch"):
		return "watch"
	case strings.Contains(lower, "advisory"):
		return "advisory"
	default:
		return "alert"
	}
}

// severityWords are stripped from the title head when extracting the
// event type, along with the battleboard colour prefixes.
var severityWords = []string{
	"special weather statement",
	"warning", "watch", "advisory", "alert",
	"in effect", "ended", "cancelled",
	"red", "orange", "yellow", "green", "grey", "gray",
}

// EventType extracts the event type from a battleboard title such as
// "SNOW SQUALL WARNING IN EFFECT, Midland - Coldwater - Orr Lake".
func EventType(title string) string {
	head := title
	if i := strings.Index(head, ","); i >= 0 {
		head = head[:i]
	}
	head = strings.ToLower(head)
	head = strings.ReplaceAll(head, "-", " ")
	for _, w := range severityWords {
		head = strings.ReplaceAll(head, w, " ")
	}
	return collapseSpaces(head)
}

// Region returns the forecast-region portion of the title, if any.
func (a *Alert) Region() string {
	if i := strings.Index(a.Title, ","); i >= 0 {
		return strings.TrimSpace(a.Title[i+1:])
	}
	return ""
}

var (
	controlRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// sanitize cleans up encoding irregularities in feed text fields.
func sanitize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = controlRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "–", "-")
	s = strings.ReplaceAll(s, "—", "-")
	return collapseSpaces(s)
}

func collapseSpaces(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// itemTime returns the first timestamp present, normalized to UTC.
func itemTime(candidates ...*time.Time) time.Time {
	for _, t := range candidates {
		if t != nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
