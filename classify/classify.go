// Package classify decides, for every alert identity known to either the
// fresh fetch or the state store, whether it is new, changed, suppressed by
// cooldown, unchanged, or gone from the feed. Classification is a pure
// function of its inputs: given the same alerts, store snapshot, and clock
// it always produces the same decisions, regardless of feed entry order.
package classify

import (
	"sort"
	"time"

	"weather-alert-bot/feed"
	"weather-alert-bot/state"
)

// Outcome is the lifecycle decision for one alert identity.
type Outcome string

const (
	OutcomeNew        Outcome = "new"
	OutcomeUpdated    Outcome = "updated"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeExpired    Outcome = "expired"
)

// Policy holds the cooldown and grace settings.
type Policy struct {
	// Cooldowns maps severity kind (warning, watch, advisory, statement,
	// allclear) to the minimum interval between notifications for the
	// same identity. The "default" key backs unknown kinds.
	Cooldowns map[string]time.Duration
	// GlobalCooldown is the minimum interval between any two notifications,
	// applied to updates so a flapping upstream cannot cause a storm.
	GlobalCooldown time.Duration
	// Grace is how long an expired record is retained before pruning.
	Grace time.Duration
}

func (p Policy) cooldownFor(severity string, allClear bool) time.Duration {
	kind := severity
	if allClear {
		kind = "allclear"
	}
	if d, ok := p.Cooldowns[kind]; ok {
		return d
	}
	return p.Cooldowns["default"]
}

// Classification is the decision for a single identity. Alert is nil for
// expired identities, which exist only in the store.
type Classification struct {
	Outcome Outcome
	Alert   *feed.Alert
	Record  *state.Record
	Reason  string
}

// Run classifies the fetched alerts against the store snapshot and mutates
// store records accordingly (fingerprints, seen timestamps, statuses).
// It does not mark anything as notified; the caller does that only after a
// dispatch actually happens. Results are ordered by identity.
func Run(alerts []feed.Alert, store *state.Store, now time.Time, p Policy) []Classification {
	// Feed order must not affect decisions, and a duplicated identity in
	// the feed must classify once. Entries arrive newest first, so the
	// first occurrence wins.
	present := make(map[string]*feed.Alert, len(alerts))
	for i := range alerts {
		a := &alerts[i]
		if _, seen := present[a.ID]; !seen {
			present[a.ID] = a
		}
	}

	ids := make([]string, 0, len(present))
	for id := range present {
		ids = append(ids, id)
	}
	for _, id := range store.Identities() {
		if _, ok := present[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []Classification
	for _, id := range ids {
		alert := present[id]
		rec := store.Get(id)

		switch {
		case alert == nil:
			if c, ok := expire(rec, now); ok {
				out = append(out, c)
			}
		case rec == nil:
			out = append(out, create(alert, store, now))
		default:
			out = append(out, revisit(alert, rec, store, now, p))
		}
	}

	store.Prune(now, p.Grace)
	return out
}

func create(alert *feed.Alert, store *state.Store, now time.Time) Classification {
	rec := &state.Record{
		Identity:    alert.ID,
		Fingerprint: alert.Fingerprint(),
		Title:       alert.Title,
		Severity:    alert.Severity,
		Status:      state.StatusActive,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	store.Put(rec)
	return Classification{Outcome: OutcomeNew, Alert: alert, Record: rec}
}

func revisit(alert *feed.Alert, rec *state.Record, store *state.Store, now time.Time, p Policy) Classification {
	rec.LastSeenAt = now
	rec.Title = alert.Title
	rec.Severity = alert.Severity

	// Reappearance within the grace window resumes the old record, so a
	// transient feed glitch never produces a second "new" notification.
	// The all-clear latch resets too: each expiry cycle gets its own
	// all-clear.
	if rec.Status == state.StatusExpired {
		rec.Status = state.StatusActive
		rec.ExpiredAt = time.Time{}
		rec.AllClearSent = false
	}

	fp := alert.Fingerprint()
	if fp == rec.Fingerprint {
		return Classification{Outcome: OutcomeUnchanged, Alert: alert, Record: rec}
	}

	// The fingerprint advances even when the notification is suppressed.
	// Otherwise the first poll after the cooldown lapses would re-announce
	// a change that is by then stale.
	rec.Fingerprint = fp

	if reason, blocked := cooldownBlocks(rec, store, now, p, alert); blocked {
		return Classification{Outcome: OutcomeSuppressed, Alert: alert, Record: rec, Reason: reason}
	}
	return Classification{Outcome: OutcomeUpdated, Alert: alert, Record: rec}
}

func cooldownBlocks(rec *state.Record, store *state.Store, now time.Time, p Policy, alert *feed.Alert) (string, bool) {
	if !store.GlobalLastPostAt.IsZero() && now.Sub(store.GlobalLastPostAt) < p.GlobalCooldown {
		return "global cooldown active", true
	}
	if rec.LastNotifiedAt.IsZero() {
		return "", false
	}
	cd := p.cooldownFor(alert.Severity, alert.AllClear)
	if now.Sub(rec.LastNotifiedAt) < cd {
		return "cooldown active", true
	}
	return "", false
}

func expire(rec *state.Record, now time.Time) (Classification, bool) {
	if rec.Status != state.StatusActive {
		return Classification{}, false
	}
	rec.Status = state.StatusExpired
	rec.ExpiredAt = now
	return Classification{Outcome: OutcomeExpired, Record: rec}, true
}

// MarkNotified records a successful notification for cooldown purposes.
func MarkNotified(rec *state.Record, store *state.Store, now time.Time) {
	rec.LastNotifiedAt = now
	rec.NotifyCount++
	store.GlobalLastPostAt = now
}
