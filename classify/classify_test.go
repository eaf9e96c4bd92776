package classify

import (
	"path/filepath"
	"testing"
	"time"

	"weather-alert-bot/feed"
	"weather-alert-bot/state"
)

var testPolicy = Policy{
	Cooldowns: map[string]time.Duration{
		"warning":  60 * time.Minute,
		"allclear": 60 * time.Minute,
		"default":  180 * time.Minute,
	},
	GlobalCooldown: 5 * time.Minute,
	Grace:          12 * time.Hour,
}

func newStore(t *testing.T) *state.Store {
	t.Helper()
	return state.New(filepath.Join(t.TempDir(), "state.json"))
}

func alert(id, title, summary string) feed.Alert {
	return feed.Alert{ID: id, Title: title, Summary: summary, Severity: "warning"}
}

func outcomes(cs []Classification) map[string]Outcome {
	m := make(map[string]Outcome)
	for _, c := range cs {
		m[c.Record.Identity] = c.Outcome
	}
	return m
}

func TestFirstSightingIsNew(t *testing.T) {
	store := newStore(t)
	now := time.Now()

	cs := Run([]feed.Alert{alert("a", "WIND WARNING", "gusts")}, store, now, testPolicy)

	if len(cs) != 1 || cs[0].Outcome != OutcomeNew {
		t.Fatalf("expected one New classification, got %+v", cs)
	}
	rec := store.Get("a")
	if rec == nil || rec.Status != state.StatusActive {
		t.Fatalf("expected active record, got %+v", rec)
	}
	if rec.NotifyCount != 0 {
		t.Errorf("classification must not mark notified, count = %d", rec.NotifyCount)
	}
}

func TestIdempotentOnUnchangedFeed(t *testing.T) {
	store := newStore(t)
	now := time.Now()
	alerts := []feed.Alert{alert("a", "WIND WARNING", "gusts")}

	cs := Run(alerts, store, now, testPolicy)
	MarkNotified(cs[0].Record, store, now)

	cs = Run(alerts, store, now.Add(10*time.Minute), testPolicy)
	if cs[0].Outcome != OutcomeUnchanged {
		t.Errorf("second run on unchanged feed = %v, want Unchanged", cs[0].Outcome)
	}
}

func TestCooldownBoundary(t *testing.T) {
	cooldown := testPolicy.Cooldowns["warning"]
	eps := time.Second

	cases := []struct {
		name    string
		elapsed time.Duration
		want    Outcome
	}{
		{"just before cooldown", cooldown - eps, OutcomeSuppressed},
		{"just after cooldown", cooldown + eps, OutcomeUpdated},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			t0 := time.Now()

			cs := Run([]feed.Alert{alert("a", "WIND WARNING", "v1")}, store, t0, testPolicy)
			MarkNotified(cs[0].Record, store, t0)

			cs = Run([]feed.Alert{alert("a", "WIND WARNING", "v2")}, store, t0.Add(tc.elapsed), testPolicy)
			if cs[0].Outcome != tc.want {
				t.Errorf("outcome = %v, want %v", cs[0].Outcome, tc.want)
			}
		})
	}
}

func TestSuppressedStillAdvancesFingerprint(t *testing.T) {
	store := newStore(t)
	t0 := time.Now()

	cs := Run([]feed.Alert{alert("a", "WIND WARNING", "v1")}, store, t0, testPolicy)
	MarkNotified(cs[0].Record, store, t0)

	// Changed within cooldown: suppressed, but the fingerprint moves.
	changed := alert("a", "WIND WARNING", "v2")
	cs = Run([]feed.Alert{changed}, store, t0.Add(10*time.Minute), testPolicy)
	if cs[0].Outcome != OutcomeSuppressed {
		t.Fatalf("outcome = %v, want Suppressed", cs[0].Outcome)
	}
	if store.Get("a").Fingerprint != changed.Fingerprint() {
		t.Error("suppressed change must still update the stored fingerprint")
	}

	// After the cooldown lapses the same stale change must not re-trigger.
	cs = Run([]feed.Alert{changed}, store, t0.Add(2*time.Hour), testPolicy)
	if cs[0].Outcome != OutcomeUnchanged {
		t.Errorf("stale change after cooldown = %v, want Unchanged", cs[0].Outcome)
	}
}

func TestGlobalCooldownAppliesToUpdates(t *testing.T) {
	store := newStore(t)
	t0 := time.Now()

	cs := Run([]feed.Alert{alert("a", "WIND WARNING", "v1")}, store, t0, testPolicy)
	MarkNotified(cs[0].Record, store, t0)

	// Another identity changes right away; the global cooldown holds it.
	cs = Run([]feed.Alert{
		alert("a", "WIND WARNING", "v1"),
		alert("b", "SNOW SQUALL WARNING", "v1"),
	}, store, t0.Add(time.Minute), testPolicy)

	got := outcomes(cs)
	if got["b"] != OutcomeNew {
		t.Errorf("new identities are not held by the global cooldown, got %v", got["b"])
	}

	MarkNotified(store.Get("b"), store, t0.Add(time.Minute))
	cs = Run([]feed.Alert{
		alert("a", "WIND WARNING", "v1"),
		alert("b", "SNOW SQUALL WARNING", "v2"),
	}, store, t0.Add(2*time.Minute), testPolicy)
	if outcomes(cs)["b"] != OutcomeSuppressed {
		t.Errorf("update within global cooldown should be suppressed")
	}
}

func TestExpiryAndGraceReappearance(t *testing.T) {
	store := newStore(t)
	t0 := time.Now()
	a := alert("a", "WIND WARNING", "gusts")

	Run([]feed.Alert{a}, store, t0, testPolicy)
	Run([]feed.Alert{a}, store, t0.Add(time.Hour), testPolicy)

	// Absent from the feed: Active -> Expired, retained for the grace window.
	cs := Run(nil, store, t0.Add(2*time.Hour), testPolicy)
	if len(cs) != 1 || cs[0].Outcome != OutcomeExpired {
		t.Fatalf("expected Expired, got %+v", cs)
	}
	if store.Get("a") == nil {
		t.Fatal("expired record must be retained during grace")
	}

	// Reappearing within grace with the same fingerprint is Unchanged,
	// not a fresh New.
	cs = Run([]feed.Alert{a}, store, t0.Add(3*time.Hour), testPolicy)
	if cs[0].Outcome != OutcomeUnchanged {
		t.Errorf("reappearance within grace = %v, want Unchanged", cs[0].Outcome)
	}
	if store.Get("a").Status != state.StatusActive {
		t.Error("reappeared record should be active again")
	}
}

func TestReactivationResetsAllClearLatch(t *testing.T) {
	store := newStore(t)
	t0 := time.Now()
	a := alert("a", "WIND WARNING", "gusts")

	Run([]feed.Alert{a}, store, t0, testPolicy)
	Run(nil, store, t0.Add(time.Hour), testPolicy)

	// The all-clear for the first expiry went out.
	store.Get("a").AllClearSent = true

	// Reappearance starts a fresh expiry cycle, so the next expiry must be
	// allowed its own all-clear.
	Run([]feed.Alert{a}, store, t0.Add(2*time.Hour), testPolicy)
	if store.Get("a").AllClearSent {
		t.Error("reactivation must reset the all-clear latch")
	}
}

func TestExpiredOnlyOnce(t *testing.T) {
	store := newStore(t)
	t0 := time.Now()

	Run([]feed.Alert{alert("a", "WIND WARNING", "gusts")}, store, t0, testPolicy)
	Run(nil, store, t0.Add(time.Hour), testPolicy)

	cs := Run(nil, store, t0.Add(2*time.Hour), testPolicy)
	if len(cs) != 0 {
		t.Errorf("already-expired record should not classify again, got %+v", cs)
	}
}

func TestPrunedAfterGrace(t *testing.T) {
	store := newStore(t)
	t0 := time.Now()

	Run([]feed.Alert{alert("a", "WIND WARNING", "gusts")}, store, t0, testPolicy)
	Run(nil, store, t0.Add(time.Hour), testPolicy)
	Run(nil, store, t0.Add(time.Hour+testPolicy.Grace+time.Minute), testPolicy)

	if store.Get("a") != nil {
		t.Error("expired record should be pruned after the grace window")
	}
}

func TestOrderIndependence(t *testing.T) {
	forward := []feed.Alert{
		alert("a", "WIND WARNING", "v1"),
		alert("b", "SNOW SQUALL WARNING", "v1"),
		alert("c", "RAINFALL WARNING", "v1"),
	}
	reversed := []feed.Alert{forward[2], forward[1], forward[0]}

	s1 := newStore(t)
	s2 := newStore(t)
	now := time.Now()

	o1 := outcomes(Run(forward, s1, now, testPolicy))
	o2 := outcomes(Run(reversed, s2, now, testPolicy))

	for id, want := range o1 {
		if o2[id] != want {
			t.Errorf("identity %s: %v vs %v depending on feed order", id, want, o2[id])
		}
	}
}

func TestEmptyFeedFirstRun(t *testing.T) {
	store := newStore(t)

	cs := Run(nil, store, time.Now(), testPolicy)
	if len(cs) != 0 {
		t.Errorf("empty feed on first run should classify nothing, got %+v", cs)
	}
	if len(store.Records) != 0 {
		t.Errorf("store should stay empty, got %d records", len(store.Records))
	}
}

func TestDuplicateIdentityClassifiesOnce(t *testing.T) {
	store := newStore(t)
	cs := Run([]feed.Alert{
		alert("a", "WIND WARNING", "newer"),
		alert("a", "WIND WARNING", "older"),
	}, store, time.Now(), testPolicy)

	if len(cs) != 1 {
		t.Fatalf("duplicate identity should classify once, got %d", len(cs))
	}
	// First (newest) occurrence wins.
	if store.Get("a").Fingerprint != (&feed.Alert{Title: "WIND WARNING", Summary: "newer", Severity: "warning"}).Fingerprint() {
		t.Error("newest entry should win for a duplicated identity")
	}
}
