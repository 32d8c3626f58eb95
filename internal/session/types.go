// Package session runs the per-upload mapping workflow: the ordered field
// records, bulk scoring windows and the active/paused/completed state
// machine that drives a reviewer through them.
package session

import (
	"time"

	"github.com/cdd-agent/backend/internal/matcher"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

type DecisionKind string

const (
	DecisionMatched  DecisionKind = "matched"
	DecisionNewField DecisionKind = "new_field"
	DecisionSkipped  DecisionKind = "skipped"
)

// Decision is the reviewer's verdict for one field. Matched decisions
// carry Attribute and new_field decisions carry Suggestion, except
// new_field rows carried over from a previously mapped file. Skipped
// carries neither.
type Decision struct {
	Kind       DecisionKind        `json:"kind"`
	Attribute  *matcher.Candidate  `json:"attribute,omitempty"`
	Suggestion *matcher.Suggestion `json:"suggestion,omitempty"`
	DecidedBy  string              `json:"decided_by,omitempty"`
	DecidedAt  time.Time           `json:"decided_at"`
}

func Matched(c matcher.Candidate) Decision {
	return Decision{Kind: DecisionMatched, Attribute: &c}
}

func NewField(s matcher.Suggestion) Decision {
	return Decision{Kind: DecisionNewField, Suggestion: &s}
}

func Skipped() Decision {
	return Decision{Kind: DecisionSkipped}
}

// FieldInput is one row handed over by the upload parser.
type FieldInput struct {
	Row        int
	Name       string
	Definition string
	// Confirmed carries an attribute the source file already maps the
	// field to. Such rows skip review entirely.
	Confirmed string
	// BestGuess is the decision an earlier pass recorded: an attribute
	// name, SKIP or NEW_FIELD_REQUESTED. A non-empty value also skips
	// review.
	BestGuess string
}

type FieldRecord struct {
	Index             int                     `json:"index"`
	Row               int                     `json:"row"`
	Name              string                  `json:"field_name"`
	Definition        string                  `json:"field_definition"`
	AmendedDefinition string                  `json:"amended_definition,omitempty"`
	BestGuess         string                  `json:"best_guess,omitempty"`
	Processed         bool                    `json:"processed"`
	Matches           []matcher.Candidate     `json:"matches"`
	Suggestion        *matcher.Suggestion     `json:"new_field_suggestion,omitempty"`
	Decision          *Decision               `json:"decision,omitempty"`
	ErrorNote         string                  `json:"error_note,omitempty"`
	Feedback          []matcher.FeedbackEntry `json:"feedback,omitempty"`
	PreConfirmed      bool                    `json:"pre_confirmed,omitempty"`
	ScoredAt          *time.Time              `json:"scored_at,omitempty"`
}

// EffectiveDefinition is the reviewer-amended definition when one exists.
func (f *FieldRecord) EffectiveDefinition() string {
	if f.AmendedDefinition != "" {
		return f.AmendedDefinition
	}
	return f.Definition
}

func (f *FieldRecord) candidate(attributeID string) (matcher.Candidate, bool) {
	for _, c := range f.Matches {
		if c.AttributeID == attributeID {
			return c, true
		}
	}
	return matcher.Candidate{}, false
}

func (f FieldRecord) clone() FieldRecord {
	if f.Matches != nil {
		f.Matches = append([]matcher.Candidate(nil), f.Matches...)
	}
	if f.Feedback != nil {
		f.Feedback = append([]matcher.FeedbackEntry(nil), f.Feedback...)
	}
	if f.Suggestion != nil {
		s := *f.Suggestion
		f.Suggestion = &s
	}
	if f.Decision != nil {
		d := *f.Decision
		if d.Attribute != nil {
			a := *d.Attribute
			d.Attribute = &a
		}
		if d.Suggestion != nil {
			s := *d.Suggestion
			d.Suggestion = &s
		}
		f.Decision = &d
	}
	if f.ScoredAt != nil {
		t := *f.ScoredAt
		f.ScoredAt = &t
	}
	return f
}

// Session is the persisted state of one upload. Fields is the review
// worklist walked by Cursor; Confirmed holds rows that arrived already
// decided and never enter the worklist.
type Session struct {
	ID        string        `json:"session_id"`
	Owner     string        `json:"owner,omitempty"`
	Filename  string        `json:"filename"`
	Status    Status        `json:"status"`
	Cursor    int           `json:"cursor"`
	BatchSize int           `json:"batch_size"`
	Fields    []FieldRecord `json:"fields"`
	Confirmed []FieldRecord `json:"confirmed,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Version   int64         `json:"version"`
}

func (s *Session) Clone() *Session {
	c := *s
	c.Fields = make([]FieldRecord, len(s.Fields))
	for i, f := range s.Fields {
		c.Fields[i] = f.clone()
	}
	if s.Confirmed != nil {
		c.Confirmed = make([]FieldRecord, len(s.Confirmed))
		for i, f := range s.Confirmed {
			c.Confirmed[i] = f.clone()
		}
	}
	return &c
}

func (s *Session) Progress() Progress {
	p := Progress{
		Decided:      s.Cursor,
		Total:        len(s.Fields),
		PreConfirmed: len(s.Confirmed),
	}
	for i := range s.Fields {
		if s.Fields[i].Processed {
			p.Processed++
		}
	}
	return p
}

func (s *Session) current() *FieldRecord {
	if s.Cursor < 0 || s.Cursor >= len(s.Fields) {
		return nil
	}
	return &s.Fields[s.Cursor]
}

// CanDownload reports whether an export would contain any mapping.
func (s *Session) CanDownload() bool {
	return s.Cursor > 0 || len(s.Confirmed) > 0
}

// Progress counts scored fields (Processed) and reviewed fields (Decided)
// separately; both are bounded by Total.
type Progress struct {
	Processed    int `json:"processed"`
	Decided      int `json:"decided"`
	Total        int `json:"total"`
	PreConfirmed int `json:"pre_confirmed,omitempty"`
}
