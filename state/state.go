package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrCorrupt is returned by Load when the state file exists but cannot be
// decoded. The caller gets a fresh empty store alongside it; losing dedupe
// history is recoverable, so this is a loud warning rather than a fatal.
var ErrCorrupt = errors.New("state file corrupt")

// maxRecords caps the store so a long-lived install cannot grow unbounded.
const maxRecords = 5000

// Status is the lifecycle status of a tracked alert identity.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Decision is a resolved approval request, kept for the audit trail and
// aged out alongside expired records.
type Decision struct {
	Outcome   string    `json:"outcome"`
	DecidedAt time.Time `json:"decided_at"`
}

// Record is the persisted per-identity state. At most one record exists
// per identity.
type Record struct {
	Identity       string    `json:"identity"`
	Fingerprint    string    `json:"fingerprint"`
	Title          string    `json:"title,omitempty"`
	Severity       string    `json:"severity"`
	Status         Status    `json:"status"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	LastNotifiedAt time.Time `json:"last_notified_at,omitempty"`
	ExpiredAt      time.Time `json:"expired_at,omitempty"`
	NotifyCount    int       `json:"notify_count"`
	AllClearSent   bool      `json:"all_clear_sent,omitempty"`
}

// Store is the full cross-run state, serialized as a whole on each run.
type Store struct {
	Records          map[string]*Record  `json:"records"`
	GlobalLastPostAt time.Time           `json:"global_last_post_at,omitempty"`
	TelegramOffset   int                 `json:"telegram_offset,omitempty"`
	Decisions        map[string]Decision `json:"approval_decisions,omitempty"`

	path string
}

// New returns an empty store that will commit to path.
func New(path string) *Store {
	return &Store{
		Records:   make(map[string]*Record),
		Decisions: make(map[string]Decision),
		path:      path,
	}
}

// Load reads the store from path. A missing file yields an empty store.
// A corrupt file also yields an empty store, together with ErrCorrupt so
// the caller can log the loss of dedupe history.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(path), nil
		}
		return New(path), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(data) == 0 {
		return New(path), nil
	}

	s := New(path)
	if err := json.Unmarshal(data, s); err != nil {
		return New(path), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.Records == nil {
		s.Records = make(map[string]*Record)
	}
	if s.Decisions == nil {
		s.Decisions = make(map[string]Decision)
	}
	s.path = path
	return s, nil
}

// Get returns the record for an identity, or nil if unknown.
func (s *Store) Get(identity string) *Record {
	return s.Records[identity]
}

// Put inserts or replaces a record.
func (s *Store) Put(rec *Record) {
	s.Records[rec.Identity] = rec
}

// Identities returns all tracked identities in sorted order, so iteration
// over the store is deterministic.
func (s *Store) Identities() []string {
	ids := make([]string, 0, len(s.Records))
	for id := range s.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Prune drops expired records whose grace window has lapsed, ages out old
// approval decisions, then enforces the record cap by dropping the records
// seen longest ago.
func (s *Store) Prune(now time.Time, grace time.Duration) int {
	pruned := 0
	for id, rec := range s.Records {
		if rec.Status == StatusExpired && !rec.ExpiredAt.IsZero() && now.Sub(rec.ExpiredAt) > grace {
			delete(s.Records, id)
			pruned++
		}
	}

	for token, dec := range s.Decisions {
		if now.Sub(dec.DecidedAt) > grace {
			delete(s.Decisions, token)
		}
	}

	if len(s.Records) > maxRecords {
		ids := s.Identities()
		sort.Slice(ids, func(i, j int) bool {
			return s.Records[ids[i]].LastSeenAt.Before(s.Records[ids[j]].LastSeenAt)
		})
		for _, id := range ids[:len(s.Records)-maxRecords] {
			delete(s.Records, id)
			pruned++
		}
	}
	return pruned
}

// Commit serializes the whole store and atomically replaces the state file,
// so a crash mid-write can never leave a torn file behind.
func (s *Store) Commit() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
