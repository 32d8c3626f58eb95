package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/metrics"
	"github.com/cdd-agent/backend/internal/storage/models"
	"github.com/cdd-agent/backend/pkg/logger"
)

// DecisionRecorder receives an audit row for every recorded decision.
type DecisionRecorder interface {
	InsertDecision(ctx context.Context, rec *models.DecisionRecord) error
}

type Options struct {
	BatchSize          int
	MaxBatchSize       int
	ScoringConcurrency int
	FieldTimeout       time.Duration
	DefaultTag         string
	Audit              DecisionRecorder
}

type Manager struct {
	records   *RecordStore
	scheduler *Scheduler
	gateway   matcher.Gateway
	opts      Options
}

func NewManager(store Store, gateway matcher.Gateway, opts Options) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.MaxBatchSize < opts.BatchSize {
		opts.MaxBatchSize = opts.BatchSize
	}

	records := NewRecordStore(store)
	return &Manager{
		records:   records,
		scheduler: NewScheduler(records, gateway, opts.ScoringConcurrency, opts.FieldTimeout),
		gateway:   gateway,
		opts:      opts,
	}
}

type CreateRequest struct {
	Filename  string
	Fields    []FieldInput
	BatchSize int
}

func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Snapshot, error) {
	worklist, confirmed, err := m.records.Load(req.Fields)
	if err != nil {
		return nil, err
	}

	batchSize := req.BatchSize
	switch {
	case batchSize <= 0:
		batchSize = m.opts.BatchSize
	case batchSize > m.opts.MaxBatchSize:
		batchSize = m.opts.MaxBatchSize
	}

	s := &Session{
		ID:        uuid.New().String(),
		Owner:     CallerFromContext(ctx),
		Filename:  req.Filename,
		Status:    StatusActive,
		BatchSize: batchSize,
		Fields:    worklist,
		Confirmed: confirmed,
	}
	if len(worklist) == 0 {
		s.Status = StatusCompleted
	}

	if err := m.records.Create(ctx, s); err != nil {
		return nil, err
	}

	metrics.SessionsCreated.Inc()
	logger.Info("Session created",
		zap.String("session_id", s.ID),
		zap.String("filename", s.Filename),
		zap.Int("fields", len(worklist)),
		zap.Int("pre_confirmed", len(confirmed)),
		zap.Int("batch_size", batchSize),
	)

	return snapshotOf(s), nil
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	s, err := m.records.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visibleTo(s, CallerFromContext(ctx)) {
		return nil, ErrNotFound
	}
	return s, nil
}

// The cursor field can only stay unprocessed after a batch if an improve
// or another writer raced it; a few rounds settle that.
const maxScoringRounds = 3

// NextField returns the field at the cursor, scoring the next window first
// when that field has not been scored yet. It never returns an unprocessed
// field.
func (m *Manager) NextField(ctx context.Context, id string) (*Snapshot, error) {
	for round := 0; round < maxScoringRounds; round++ {
		s, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}

		switch s.Status {
		case StatusPaused:
			return nil, ErrSessionPaused
		case StatusCompleted:
			return snapshotOf(s), nil
		}

		if f := s.current(); f == nil || f.Processed {
			return snapshotOf(s), nil
		}

		if _, err := m.scheduler.ProcessNextBatch(ctx, id); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("field at cursor of session %s could not be scored: %w", id, ErrStaleState)
}

// ProcessNextBatch exposes the scheduler for clients that pre-score ahead
// of the reviewer.
func (m *Manager) ProcessNextBatch(ctx context.Context, id string) (*BatchResult, error) {
	if _, err := m.load(ctx, id); err != nil {
		return nil, err
	}
	return m.scheduler.ProcessNextBatch(ctx, id)
}

// Recover rebuilds the view a reconnecting client had. A session whose
// cursor field is already scored is returned as stored with no model
// calls.
func (m *Manager) Recover(ctx context.Context, id string) (*Snapshot, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return snapshotOf(s), nil
	}
	if f := s.current(); f == nil || f.Processed {
		return snapshotOf(s), nil
	}
	return m.NextField(ctx, id)
}

type ActionKind string

const (
	ActionMatch    ActionKind = "match"
	ActionNewField ActionKind = "new_field"
	ActionSkip     ActionKind = "skip"
)

type Action struct {
	Kind        ActionKind          `json:"action"`
	AttributeID string              `json:"attribute_id,omitempty"`
	Suggestion  *matcher.Suggestion `json:"suggestion,omitempty"`
}

func (m *Manager) validateAction(a *Action) error {
	switch a.Kind {
	case ActionMatch:
		a.AttributeID = strings.TrimSpace(a.AttributeID)
		if a.AttributeID == "" {
			return invalid("attribute_id", "required for match")
		}
	case ActionNewField:
		if a.Suggestion == nil {
			return invalid("suggestion", "required for new_field")
		}
		s := *a.Suggestion
		s.Normalize(m.opts.DefaultTag)
		if err := s.Validate(); err != nil {
			return invalid("suggestion", err.Error())
		}
		a.Suggestion = &s
	case ActionSkip:
	default:
		return invalid("action", fmt.Sprintf("unknown action %q", a.Kind))
	}
	return nil
}

// ProcessField records a decision for the field at index and advances the
// cursor by one. index must equal the cursor; anything else means the
// caller is acting on an outdated view.
func (m *Manager) ProcessField(ctx context.Context, id string, index int, action Action) (*Snapshot, error) {
	if err := m.validateAction(&action); err != nil {
		metrics.DecisionRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	caller := CallerFromContext(ctx)
	var decided FieldRecord

	s, err := m.records.Update(ctx, id, func(s *Session) error {
		if !visibleTo(s, caller) {
			return ErrNotFound
		}
		if index < 0 || index >= len(s.Fields) {
			return fmt.Errorf("field %d of session %s: %w", index, id, ErrNotFound)
		}
		if s.Status == StatusPaused {
			return ErrSessionPaused
		}
		if index != s.Cursor {
			return ErrStaleState
		}

		f := &s.Fields[index]

		var d Decision
		switch action.Kind {
		case ActionMatch:
			c, ok := f.candidate(action.AttributeID)
			if !ok {
				return ErrInvalidSelection
			}
			d = Matched(c)
		case ActionNewField:
			d = NewField(*action.Suggestion)
			f.Suggestion = action.Suggestion
		case ActionSkip:
			d = Skipped()
		}
		d.DecidedBy = caller
		d.DecidedAt = time.Now()

		f.Decision = &d
		s.Cursor++
		if s.Cursor == len(s.Fields) {
			s.Status = StatusCompleted
		}

		decided = f.clone()
		return nil
	})
	if err != nil {
		metrics.DecisionRejections.WithLabelValues(rejectionReason(err)).Inc()
		logger.Debug("Decision rejected",
			zap.String("session_id", id),
			zap.Int("index", index),
			zap.String("action", string(action.Kind)),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.DecisionsRecorded.WithLabelValues(string(decided.Decision.Kind)).Inc()
	if s.Status == StatusCompleted {
		metrics.SessionTransitions.WithLabelValues(string(StatusCompleted)).Inc()
	}
	logger.Info("Decision recorded",
		zap.String("session_id", id),
		zap.Int("index", index),
		zap.String("field", decided.Name),
		zap.String("kind", string(decided.Decision.Kind)),
		zap.Int("cursor", s.Cursor),
	)

	m.audit(ctx, id, decided)

	return snapshotOf(s), nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrStaleState):
		return "stale"
	case errors.Is(err, ErrInvalidSelection):
		return "invalid_selection"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionPaused):
		return "paused"
	}
	return "error"
}

// audit is best effort; the decision is already committed.
func (m *Manager) audit(ctx context.Context, id string, f FieldRecord) {
	if m.opts.Audit == nil || f.Decision == nil {
		return
	}

	rec := &models.DecisionRecord{
		SessionID:  id,
		FieldIndex: f.Index,
		FieldName:  f.Name,
		Kind:       string(f.Decision.Kind),
		Caller:     f.Decision.DecidedBy,
		CreatedAt:  f.Decision.DecidedAt,
	}
	if f.Decision.Attribute != nil {
		rec.AttributeName = f.Decision.Attribute.AttributeID
	}
	if f.Decision.Suggestion != nil {
		if b, err := json.Marshal(f.Decision.Suggestion); err == nil {
			rec.Suggestion = string(b)
		}
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.opts.Audit.InsertDecision(actx, rec); err != nil {
		logger.Warn("Failed to write decision audit",
			zap.String("session_id", id),
			zap.Int("index", f.Index),
			zap.Error(err),
		)
	}
}

type ImproveMode string

const (
	ImproveMatches  ImproveMode = "matches"
	ImproveNewField ImproveMode = "new_field"
)

type ImproveRequest struct {
	FieldName       string      `json:"field_name"`
	FieldDefinition string      `json:"field_definition"`
	Feedback        string      `json:"feedback_text"`
	Mode            ImproveMode `json:"mode"`
}

// Improve re-runs the matcher for the field at the cursor with reviewer
// feedback and overwrites that field's matches or suggestion. The cursor
// does not move. Upstream failures are returned to the caller.
func (m *Manager) Improve(ctx context.Context, id string, req ImproveRequest) (*Snapshot, error) {
	switch req.Mode {
	case ImproveMatches, ImproveNewField:
	case "":
		req.Mode = ImproveMatches
	default:
		return nil, invalid("mode", fmt.Sprintf("unknown mode %q", req.Mode))
	}

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case StatusPaused:
		return nil, ErrSessionPaused
	case StatusCompleted:
		return nil, ErrSessionCompleted
	}

	cur := s.current()
	index := s.Cursor
	if req.FieldName != "" && req.FieldName != cur.Name {
		return nil, ErrStaleState
	}

	definition := strings.TrimSpace(req.FieldDefinition)
	if definition == "" {
		definition = cur.EffectiveDefinition()
	}
	feedback := matcher.FeedbackText(cur.Feedback, req.Feedback)

	var (
		matches    []matcher.Candidate
		suggestion *matcher.Suggestion
	)
	if req.Mode == ImproveMatches {
		matches, err = m.gateway.FindMatches(ctx, cur.Name, definition, feedback)
		if matches == nil {
			matches = []matcher.Candidate{}
		}
	} else {
		suggestion, err = m.gateway.SuggestNewField(ctx, cur.Name, definition, feedback)
	}
	if err != nil {
		logger.Error("Improve failed",
			zap.String("session_id", id),
			zap.Int("index", index),
			zap.String("mode", string(req.Mode)),
			zap.Error(err),
		)
		return nil, err
	}

	name := cur.Name
	updated, err := m.records.Update(ctx, id, func(s *Session) error {
		if s.Status != StatusActive || s.Cursor != index || s.Fields[index].Name != name {
			return ErrStaleState
		}
		f := &s.Fields[index]
		now := time.Now()

		if req.Mode == ImproveMatches {
			f.Matches = matches
		} else {
			f.Suggestion = suggestion
			if f.Matches == nil {
				f.Matches = []matcher.Candidate{}
			}
		}
		f.Processed = true
		f.ErrorNote = ""
		f.ScoredAt = &now

		if definition != f.Definition {
			f.AmendedDefinition = definition
		}
		if fb := strings.TrimSpace(req.Feedback); fb != "" {
			action := matcher.ActionImproveMatches
			if req.Mode == ImproveNewField {
				action = matcher.ActionImproveNewField
			}
			f.Feedback = append(f.Feedback, matcher.FeedbackEntry{Action: action, Feedback: fb, FieldName: name})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Field improved",
		zap.String("session_id", id),
		zap.Int("index", index),
		zap.String("mode", string(req.Mode)),
	)

	return snapshotOf(updated), nil
}

func (m *Manager) Pause(ctx context.Context, id string) (*Snapshot, error) {
	return m.transition(ctx, id, StatusActive, StatusPaused)
}

func (m *Manager) Resume(ctx context.Context, id string) (*Snapshot, error) {
	return m.transition(ctx, id, StatusPaused, StatusActive)
}

func (m *Manager) transition(ctx context.Context, id string, from, to Status) (*Snapshot, error) {
	caller := CallerFromContext(ctx)
	changed := false

	s, err := m.records.Update(ctx, id, func(s *Session) error {
		if !visibleTo(s, caller) {
			return ErrNotFound
		}
		switch s.Status {
		case StatusCompleted:
			return ErrSessionCompleted
		case to:
			return nil
		case from:
			s.Status = to
			changed = true
			return nil
		}
		return fmt.Errorf("cannot move session from %s to %s: %w", s.Status, to, ErrStaleState)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.SessionTransitions.WithLabelValues(string(to)).Inc()
		logger.Info("Session status changed",
			zap.String("session_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	return snapshotOf(s), nil
}

// ExportRecord is one decided row handed to the export writer.
type ExportRecord struct {
	Row                int                 `json:"row"`
	FieldName          string              `json:"field_name"`
	FieldDefinition    string              `json:"field_definition"`
	DecisionKind       DecisionKind        `json:"decision_kind"`
	MatchedAttribute   *matcher.Candidate  `json:"matched_attribute,omitempty"`
	NewFieldSuggestion *matcher.Suggestion `json:"new_field_suggestion,omitempty"`
	PreConfirmed       bool                `json:"pre_confirmed,omitempty"`
}

type Export struct {
	SessionID string         `json:"session_id"`
	Filename  string         `json:"filename"`
	Status    Status         `json:"status"`
	Records   []ExportRecord `json:"records"`
}

// Export lists every decided row, including pre-confirmed ones, in upload
// order. It does not modify the session.
func (m *Manager) Export(ctx context.Context, id string) (*Export, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	records := make([]ExportRecord, 0, s.Cursor+len(s.Confirmed))
	add := func(f FieldRecord) {
		if f.Decision == nil {
			return
		}
		records = append(records, ExportRecord{
			Row:                f.Row,
			FieldName:          f.Name,
			FieldDefinition:    f.EffectiveDefinition(),
			DecisionKind:       f.Decision.Kind,
			MatchedAttribute:   f.Decision.Attribute,
			NewFieldSuggestion: f.Decision.Suggestion,
			PreConfirmed:       f.PreConfirmed,
		})
	}
	for _, f := range s.Fields {
		add(f)
	}
	for _, f := range s.Confirmed {
		add(f)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Row < records[j].Row
	})

	return &Export{
		SessionID: s.ID,
		Filename:  s.Filename,
		Status:    s.Status,
		Records:   records,
	}, nil
}

// Delete removes the session. Deleting an unknown session succeeds.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.records.Snapshot(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !visibleTo(s, CallerFromContext(ctx)) {
		return ErrNotFound
	}

	if err := m.records.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	metrics.SessionsDeleted.Inc()
	logger.Info("Session deleted", zap.String("session_id", id))
	return nil
}

// Field returns one worklist record regardless of where the cursor is.
func (m *Manager) Field(ctx context.Context, id string, index int) (*FieldRecord, error) {
	if _, err := m.load(ctx, id); err != nil {
		return nil, err
	}
	return m.records.Get(ctx, id, index)
}

func (m *Manager) Progress(ctx context.Context, id string) (Progress, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	return s.Progress(), nil
}
