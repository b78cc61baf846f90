package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotTracked is returned for operations on an issue the store does not know.
	ErrNotTracked = errors.New("issue not tracked")
	// ErrAlreadyTracked is returned when creating a record that already exists.
	ErrAlreadyTracked = errors.New("issue already tracked")
	// ErrClaimHeld is returned when an operation needs an unclaimed record but
	// an evaluation is in flight.
	ErrClaimHeld = errors.New("evaluation in flight")
)

// Store holds the tracking records for every issue in the pipeline. It is the
// only shared mutable state in the service: all access goes through the store
// lock, and callers receive copies, never pointers into the map. Claims give
// per-issue exclusivity to evaluators; a second claimant is refused, not
// queued.
type Store struct {
	mu        sync.Mutex
	records   map[IssueRef]*TrackedIssue
	claims    map[IssueRef]bool
	maxSize   int
	retention time.Duration
}

// NewStore creates a Store capped at maxSize records. Records outside
// InProgress/InReview become eviction candidates once idle longer than
// retention.
func NewStore(maxSize int, retention time.Duration) *Store {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &Store{
		records:   make(map[IssueRef]*TrackedIssue),
		claims:    make(map[IssueRef]bool),
		maxSize:   maxSize,
		retention: retention,
	}
}

// Create adds a new tracking record. The stage defaults to ready and the
// bookkeeping timestamps are stamped here.
func (s *Store) Create(rec TrackedIssue) error {
	if rec.ID.Owner == "" || rec.ID.Repo == "" || rec.ID.Number <= 0 {
		return fmt.Errorf("create %q: invalid issue ref", rec.ID.String())
	}
	if rec.Stage == "" {
		rec.Stage = StageReady
	}
	if !rec.Stage.Valid() {
		return fmt.Errorf("create %s: unknown stage %q", rec.ID, rec.Stage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%s: %w", rec.ID, ErrAlreadyTracked)
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	cp := rec
	s.records[rec.ID] = &cp
	return nil
}

// Get returns a copy of the record for ref.
func (s *Store) Get(ref IssueRef) (TrackedIssue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return TrackedIssue{}, false
	}
	return *rec, true
}

// Update performs a read-modify-write of a record under the store lock. The
// mutation runs on a copy; if fn returns an error the stored record is left
// untouched, which is how callers express a compare-and-set refusal.
func (s *Store) Update(ref IssueRef, fn func(*TrackedIssue) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, ErrNotTracked)
	}
	cp := *rec
	if err := fn(&cp); err != nil {
		return err
	}
	cp.ID = ref
	cp.CreatedAt = rec.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	*rec = cp
	return nil
}

// Delete removes a record. It refuses while an evaluation claim is held.
func (s *Store) Delete(ref IssueRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[ref]; !ok {
		return fmt.Errorf("%s: %w", ref, ErrNotTracked)
	}
	if s.claims[ref] {
		return fmt.Errorf("%s: %w", ref, ErrClaimHeld)
	}
	delete(s.records, ref)
	return nil
}

// List returns a snapshot of all records, sorted by issue ref.
func (s *Store) List() []TrackedIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackedIssue, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

// Active returns a snapshot of records not yet in a terminal stage, sorted.
func (s *Store) Active() []TrackedIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TrackedIssue
	for _, rec := range s.records {
		if rec.Stage.Terminal() {
			continue
		}
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []TrackedIssue) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].ID, recs[j].ID
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		if a.Repo != b.Repo {
			return a.Repo < b.Repo
		}
		return a.Number < b.Number
	})
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Claim marks ref as having an evaluation in flight. It reports false when
// the claim is already held; the caller must then discard its work rather
// than wait.
func (s *Store) Claim(ref IssueRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[ref] {
		return false
	}
	s.claims[ref] = true
	return true
}

// Release drops the evaluation claim for ref.
func (s *Store) Release(ref IssueRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, ref)
}

// Prune evicts old records once the store has grown past its cap and returns
// the number evicted. Candidates are unclaimed records outside
// InProgress/InReview whose last update is older than the retention window;
// terminal records go before stalled or ready ones, oldest first. Records in
// InProgress or InReview are never evicted.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	excess := len(s.records) - s.maxSize
	if excess <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-s.retention)
	var cands []*TrackedIssue
	for ref, rec := range s.records {
		if rec.Stage.Active() || s.claims[ref] {
			continue
		}
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		cands = append(cands, rec)
	}
	sort.Slice(cands, func(i, j int) bool {
		ti, tj := cands[i].Stage.Terminal(), cands[j].Stage.Terminal()
		if ti != tj {
			return ti
		}
		return cands[i].UpdatedAt.Before(cands[j].UpdatedAt)
	})
	evicted := 0
	for _, rec := range cands {
		if evicted >= excess {
			break
		}
		delete(s.records, rec.ID)
		evicted++
	}
	return evicted
}
