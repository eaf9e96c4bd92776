// Package runner orchestrates one full bot cycle: fetch the alert feed,
// classify every identity against the persisted state, select content for
// the notifiable ones, pass candidates through the optional approval gate,
// dispatch to the social channels, regenerate the RSS file, and commit the
// state atomically at the end.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"weather-alert-bot/approval"
	"weather-alert-bot/classify"
	"weather-alert-bot/content"
	"weather-alert-bot/dispatch"
	"weather-alert-bot/feed"
	"weather-alert-bot/rssout"
	"weather-alert-bot/state"
)

// AlertFetcher retrieves the current alerts from the upstream feed.
type AlertFetcher interface {
	Fetch(ctx context.Context) ([]feed.Alert, error)
}

// ContentSelector renders a post for an alert or an all-clear.
type ContentSelector interface {
	Select(a *feed.Alert) content.Message
	AllClear(title, severity string) content.Message
}

// Gate blocks a candidate post on a human decision.
type Gate interface {
	Await(ctx context.Context, req approval.Request, offset int) (*approval.Result, error)
}

// Poster fans a post out to the enabled social channels.
type Poster interface {
	Send(ctx context.Context, post dispatch.Post) []dispatch.Outcome
}

// RSSWriter regenerates the public RSS file.
type RSSWriter interface {
	Write(items []rssout.Item, now time.Time) error
}

// Report summarizes one run for logging and exit-status decisions.
type Report struct {
	New        int
	Updated    int
	Suppressed int
	Unchanged  int
	Expired    int

	Posted         int
	Duplicates     int
	FailedChannels int
	AllClears      int

	Approved         int
	Rejected         int
	TimedOutApproval int
}

// Runner wires the pipeline steps together.
type Runner struct {
	fetcher   AlertFetcher
	selector  ContentSelector
	poster    Poster
	rss       RSSWriter
	gate      Gate
	statePath string
	policy    classify.Policy
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithGate enables the approval gate in front of dispatch.
func WithGate(g Gate) Option {
	return func(r *Runner) {
		r.gate = g
	}
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a runner over the given components.
func NewRunner(
	fetcher AlertFetcher,
	selector ContentSelector,
	poster Poster,
	rss RSSWriter,
	statePath string,
	policy classify.Policy,
	opts ...Option,
) *Runner {
	r := &Runner{
		fetcher:   fetcher,
		selector:  selector,
		poster:    poster,
		rss:       rss,
		statePath: statePath,
		policy:    policy,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one cycle. A feed fetch or parse failure is fatal and
// leaves the state file untouched. Social channel failures are recorded
// in the report and never fail the run; an RSS write failure does, after
// the state of any posts already made has been committed.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	now := r.now()

	store, err := state.Load(r.statePath)
	if err != nil {
		if !errors.Is(err, state.ErrCorrupt) {
			return nil, fmt.Errorf("load state: %w", err)
		}
		slog.Warn("state file corrupt, starting with empty state", "path", r.statePath)
	}

	alerts, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}
	slog.Info("feed fetched", "alerts", len(alerts))

	report := &Report{}
	for _, c := range classify.Run(alerts, store, now, r.policy) {
		switch c.Outcome {
		case classify.OutcomeNew:
			report.New++
			slog.Info("new alert", "identity", c.Record.Identity, "severity", c.Record.Severity)
			r.post(ctx, store, c.Record, r.selector.Select(c.Alert), report, now, false)
		case classify.OutcomeUpdated:
			report.Updated++
			slog.Info("alert updated", "identity", c.Record.Identity, "severity", c.Record.Severity)
			r.post(ctx, store, c.Record, r.selector.Select(c.Alert), report, now, true)
		case classify.OutcomeSuppressed:
			report.Suppressed++
			slog.Info("alert suppressed", "identity", c.Record.Identity, "reason", c.Reason)
		case classify.OutcomeUnchanged:
			report.Unchanged++
		case classify.OutcomeExpired:
			report.Expired++
			slog.Info("alert expired", "identity", c.Record.Identity)
		}
	}

	r.sendAllClears(ctx, store, report, now)

	rssErr := r.rss.Write(rssItems(alerts), now)
	if rssErr != nil {
		rssErr = fmt.Errorf("write rss feed: %w", rssErr)
	}

	// Posts already made must be remembered even when the RSS write failed,
	// or the next run would repeat them.
	if err := store.Commit(); err != nil {
		return report, fmt.Errorf("commit state: %w", err)
	}
	if rssErr != nil {
		return report, rssErr
	}

	slog.Info("run complete",
		"new", report.New,
		"updated", report.Updated,
		"suppressed", report.Suppressed,
		"unchanged", report.Unchanged,
		"expired", report.Expired,
		"posted", report.Posted,
		"duplicates", report.Duplicates,
		"failed_channels", report.FailedChannels,
		"all_clears", report.AllClears,
	)
	return report, nil
}

// post runs one candidate through the gate and the channels, and marks the
// record notified only when at least one channel accepted it. It reports
// whether the post went out. Holdable candidates (updates and all-clears)
// respect the global cooldown at dispatch time, which spaces out the posts
// of a single run; a new alert is never held, since its stored fingerprint
// would otherwise bury it for good.
func (r *Runner) post(ctx context.Context, store *state.Store, rec *state.Record, msg content.Message, report *Report, now time.Time, holdable bool) bool {
	if holdable && r.globalCooldownActive(store, now) {
		report.Suppressed++
		slog.Info("post held by global cooldown", "identity", rec.Identity)
		return false
	}
	if r.gate != nil && !r.approve(ctx, store, msg, report, now) {
		return false
	}

	outcomes := r.poster.Send(ctx, dispatch.Post{Text: msg.Text, MediaURL: msg.MediaURL})
	success := len(outcomes) == 0 // RSS-only setup, nothing to fail
	for _, o := range outcomes {
		switch o.Status {
		case dispatch.StatusSent:
			report.Posted++
			success = true
		case dispatch.StatusDuplicate:
			report.Duplicates++
			success = true
		default:
			report.FailedChannels++
		}
	}
	if success {
		classify.MarkNotified(rec, store, now)
	}
	return success
}

// globalCooldownActive reports whether a post made recently, in this run
// or an earlier one, still holds the global cooldown. MarkNotified
// advances GlobalLastPostAt after every post, so this rechecks per
// candidate the way the per-kind cooldowns are checked per identity.
func (r *Runner) globalCooldownActive(store *state.Store, now time.Time) bool {
	if r.policy.GlobalCooldown <= 0 || store.GlobalLastPostAt.IsZero() {
		return false
	}
	return now.Sub(store.GlobalLastPostAt) < r.policy.GlobalCooldown
}

// sendAllClears emits the pending all-clear for every expired record that
// has not had one yet. A held or failed all-clear stays pending and is
// retried next run, until the record reactivates or is pruned.
func (r *Runner) sendAllClears(ctx context.Context, store *state.Store, report *Report, now time.Time) {
	for _, id := range store.Identities() {
		rec := store.Get(id)
		if rec.Status != state.StatusExpired || rec.AllClearSent {
			continue
		}
		msg := r.selector.AllClear(rec.Title, rec.Severity)
		if r.post(ctx, store, rec, msg, report, now, true) {
			rec.AllClearSent = true
			report.AllClears++
		}
	}
}

// approve blocks on the gate and reports whether dispatch may proceed.
// The advanced getUpdates offset and the decision audit entry are stored
// regardless of the outcome, so the final commit persists them even for
// rejected or timed out candidates.
func (r *Runner) approve(ctx context.Context, store *state.Store, msg content.Message, report *Report, now time.Time) bool {
	result, err := r.gate.Await(ctx, approval.Request{Text: msg.Text, MediaURL: msg.MediaURL}, store.TelegramOffset)
	if result != nil {
		store.TelegramOffset = result.Offset
		if store.Decisions == nil {
			store.Decisions = make(map[string]state.Decision)
		}
		store.Decisions[result.Token] = state.Decision{Outcome: string(result.Decision), DecidedAt: now}
	}
	if err != nil {
		slog.Warn("approval gate failed, skipping post", "error", err)
		return false
	}

	switch result.Decision {
	case approval.Approved:
		report.Approved++
		return true
	case approval.Rejected:
		report.Rejected++
		return false
	default:
		report.TimedOutApproval++
		return false
	}
}

// rssItems maps the fetched alerts, already newest first, onto RSS items.
func rssItems(alerts []feed.Alert) []rssout.Item {
	items := make([]rssout.Item, 0, len(alerts))
	for _, a := range alerts {
		pub := a.Updated
		if pub.IsZero() {
			pub = a.Published
		}
		items = append(items, rssout.Item{
			Title:       a.Title,
			Link:        a.Link,
			GUID:        a.ID,
			Description: a.Summary,
			PubDate:     pub,
		})
	}
	return items
}
