package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cdd-agent/backend/internal/matcher"
)

// keyedMutex hands out one mutex per session id so sessions never contend
// with each other. Entries are dropped once nobody holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// RecordStore is the only writer of session state. Every mutation runs as
// read-modify-write under the session's lock and is committed with a
// version check against the backing Store.
type RecordStore struct {
	store Store
	locks *keyedMutex
	now   func() time.Time
}

func NewRecordStore(store Store) *RecordStore {
	return &RecordStore{
		store: store,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
}

// Markers an earlier mapping pass leaves in the best guess column.
const (
	BestGuessSkip     = "SKIP"
	BestGuessNewField = "NEW_FIELD_REQUESTED"
)

const needReviewMarker = "need review"

// existingDecision recognises rows a previous pass already settled. A
// confirmed attribute wins over a best guess. Definitions flagged NEED
// REVIEW are held back as skipped until the source file is corrected.
// Rows with an empty definition stay reviewable.
func existingDecision(confirmed, bestGuess, definition string) (Decision, bool) {
	if attr := strings.TrimSpace(confirmed); attr != "" {
		return Matched(matcher.Candidate{AttributeID: attr, DisplayName: attr, Confidence: 1}), true
	}

	switch {
	case bestGuess == "":
	case strings.EqualFold(bestGuess, BestGuessSkip):
		return Skipped(), true
	case strings.EqualFold(bestGuess, BestGuessNewField):
		// the drafted attribute was not written back to the file
		return Decision{Kind: DecisionNewField}, true
	default:
		return Matched(matcher.Candidate{AttributeID: bestGuess, DisplayName: bestGuess, Confidence: 1}), true
	}

	if strings.Contains(strings.ToLower(definition), needReviewMarker) {
		return Skipped(), true
	}
	return Decision{}, false
}

// Load validates upload rows and splits them into the review worklist and
// rows that arrive already decided.
func (r *RecordStore) Load(inputs []FieldInput) (worklist, confirmed []FieldRecord, err error) {
	if len(inputs) == 0 {
		return nil, nil, invalid("fields", "upload contains no fields")
	}

	seen := make(map[string]int, len(inputs))
	worklist = make([]FieldRecord, 0, len(inputs))

	for i, in := range inputs {
		row := in.Row
		if row <= 0 {
			row = i + 1
		}

		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, nil, &ValidationError{Row: row, Field: "field_name", Reason: "field name is required"}
		}
		if first, dup := seen[name]; dup {
			return nil, nil, &ValidationError{
				Row:    row,
				Field:  "field_name",
				Reason: fmt.Sprintf("duplicate field name %q (first seen on row %d)", name, first),
			}
		}
		seen[name] = row

		rec := FieldRecord{
			Row:        row,
			Name:       name,
			Definition: strings.TrimSpace(in.Definition),
			BestGuess:  strings.TrimSpace(in.BestGuess),
		}

		if d, ok := existingDecision(in.Confirmed, rec.BestGuess, rec.Definition); ok {
			rec.Index = len(confirmed)
			rec.Processed = true
			rec.PreConfirmed = true
			rec.Decision = &d
			confirmed = append(confirmed, rec)
			continue
		}

		rec.Index = len(worklist)
		worklist = append(worklist, rec)
	}

	return worklist, confirmed, nil
}

// Create persists a new session at version 1.
func (r *RecordStore) Create(ctx context.Context, s *Session) error {
	now := r.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	s.Version = 1
	if err := r.store.Create(ctx, s); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *RecordStore) Snapshot(ctx context.Context, id string) (*Session, error) {
	return r.store.Get(ctx, id)
}

func (r *RecordStore) Get(ctx context.Context, id string, index int) (*FieldRecord, error) {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(s.Fields) {
		return nil, fmt.Errorf("field %d of session %s: %w", index, id, ErrNotFound)
	}
	f := s.Fields[index]
	return &f, nil
}

// Update applies fn to the session under its lock and commits the result.
// An error from fn aborts the update and leaves the stored session as it
// was.
func (r *RecordStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	s, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := s.Version
	if err := fn(s); err != nil {
		return nil, err
	}

	s.Version = expected + 1
	s.UpdatedAt = r.now()
	if err := r.store.Put(ctx, s, expected); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateField is Update narrowed to a single field record.
func (r *RecordStore) UpdateField(ctx context.Context, id string, index int, fn func(*FieldRecord) error) (*Session, error) {
	return r.Update(ctx, id, func(s *Session) error {
		if index < 0 || index >= len(s.Fields) {
			return fmt.Errorf("field %d of session %s: %w", index, id, ErrNotFound)
		}
		return fn(&s.Fields[index])
	})
}

func (r *RecordStore) Progress(ctx context.Context, id string) (Progress, error) {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return s.Progress(), nil
}

func (r *RecordStore) Delete(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()
	return r.store.Delete(ctx, id)
}
