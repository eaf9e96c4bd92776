// Package content maps an alert's severity and event type to the message
// template and media used for public posts. Selection is deterministic:
// identical inputs always yield identical output, even when several rules
// qualify, so a re-run never produces a different post for the same alert.
package content

import (
	"fmt"
	"hash/fnv"
	"strings"

	"weather-alert-bot/feed"
)

const maxSocialTextLen = 280

// Message is rendered content ready for dispatch.
type Message struct {
	Text     string
	MediaURL string
}

// Rule is one row of the rule table.
type Rule struct {
	Severity string // warning, watch, advisory, statement, allclear; empty matches any
	Event    string // event type, e.g. "snow squall"; empty matches any
	Template string
	MediaURL string
	Override bool // custom text; wins over every non-override rule
}

// Built-in fallback templates. An unrecognized alert is still reported.
var defaultTemplates = map[string]string{
	"alert": "⚠️ {headline}\n{advice}\nMore: {more_info}\n#TayTownship #ONStorm",
	"statement": "🌦️ Special Weather Statement for {area}\n{headline}\n{advice}\n" +
		"More: {more_info}\n#TayTownship",
	"allclear": "✅ All clear: {event} ended for {area}\n" +
		"Continue to use caution as conditions may still be hazardous.\n" +
		"Details: {more_info}\n#TayTownship",
}

// Selector deterministically picks templates for alerts.
type Selector struct {
	rules       []Rule
	displayArea string
	moreInfoURL string
}

// NewSelector builds a selector over the given rule table. A nil or empty
// table is valid; every alert then renders with the built-in defaults.
func NewSelector(rules []Rule, displayArea, moreInfoURL string) *Selector {
	return &Selector{rules: rules, displayArea: displayArea, moreInfoURL: moreInfoURL}
}

// Select returns the rendered message for an alert. It never fails: when no
// rule matches, the generic default template for the alert's shape is used.
func (s *Selector) Select(a *feed.Alert) Message {
	tmpl, media := s.pick(a)
	text := s.render(tmpl, a)
	return Message{Text: truncate(text, maxSocialTextLen), MediaURL: media}
}

// AllClear renders the one-shot follow-up for an alert that has left the
// feed. Only the stored title and severity survive expiry, so rendering
// works from those.
func (s *Selector) AllClear(title, severity string) Message {
	pseudo := &feed.Alert{Title: title, Severity: severity, AllClear: true}
	pseudo.Event = feed.EventType(title)
	return s.Select(pseudo)
}

// pick resolves the rule table with a fixed precedence: override rules,
// then severity+event rules, then severity-only rules, then the built-in
// default. Overrides resolve first-defined-wins; within the other tiers a
// seeded choice keyed by the alert identity picks among equal candidates.
func (s *Selector) pick(a *feed.Alert) (template, media string) {
	severity := a.Severity
	if a.AllClear {
		severity = "allclear"
	}

	// Custom overrides win outright, first-defined first.
	for _, r := range s.rules {
		if r.Override && ruleMatches(r, severity, a.Event) {
			return r.Template, r.MediaURL
		}
	}
	if rs := tierMatches(s.rules, severity, a.Event, true); len(rs) > 0 {
		r := rs[seedIndex(a.ID, len(rs))]
		return r.Template, r.MediaURL
	}
	if rs := tierMatches(s.rules, severity, a.Event, false); len(rs) > 0 {
		r := rs[seedIndex(a.ID, len(rs))]
		return r.Template, r.MediaURL
	}
	return defaultTemplate(severity), ""
}

// tierMatches collects the non-override rules of one specificity tier:
// event-specific rules when wantEvent is set, severity-only rules otherwise.
func tierMatches(rules []Rule, severity, event string, wantEvent bool) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Override || (r.Event != "") != wantEvent {
			continue
		}
		if ruleMatches(r, severity, event) {
			out = append(out, r)
		}
	}
	return out
}

func ruleMatches(r Rule, severity, event string) bool {
	if r.Severity != "" && !strings.EqualFold(r.Severity, severity) {
		return false
	}
	if r.Event != "" && !strings.EqualFold(r.Event, event) {
		return false
	}
	return true
}

// seedIndex turns the alert identity into a stable choice among n
// candidates. Varied across alerts, constant for any one alert.
func seedIndex(identity string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return int(h.Sum32() % uint32(n))
}

func defaultTemplate(severity string) string {
	if t, ok := defaultTemplates[severity]; ok {
		return t
	}
	return defaultTemplates["alert"]
}

func (s *Selector) render(tmpl string, a *feed.Alert) string {
	headline := displayTitle(a.Title, s.displayArea)
	if headline == "" {
		headline = "Weather alert"
	}

	event := a.Event
	if event == "" {
		event = "weather alert"
	}

	return strings.NewReplacer(
		"{headline}", headline,
		"{event}", event,
		"{area}", s.displayArea,
		"{advice}", advice(a.Summary),
		"{summary}", a.Summary,
		"{more_info}", s.moreInfoURL,
	).Replace(tmpl)
}

// displayTitle replaces the upstream forecast-region wording with the
// configured display area, e.g. "SNOW SQUALL WARNING IN EFFECT, Midland -
// Coldwater - Orr Lake" becomes "SNOW SQUALL WARNING IN EFFECT (Tay
// Township area)".
func displayTitle(title, displayArea string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}
	if i := strings.Index(title, ","); i >= 0 {
		return fmt.Sprintf("%s (%s)", strings.TrimSpace(title[:i]), displayArea)
	}
	return title
}

// advice extracts a short instruction line from the alert summary.
func advice(summary string) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "Take precautions and monitor conditions."
	}
	if i := strings.IndexAny(summary, ".!?"); i >= 0 {
		summary = summary[:i+1]
	}
	return truncate(summary, 120)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimRight(string(runes[:max-1]), " ") + "…"
}
