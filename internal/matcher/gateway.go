// Package matcher scores free-text field descriptions against the CDD
// catalog and drafts new-attribute proposals when nothing fits.
//
// Gateway is the only model-dependent surface. Calls are stateless: any
// feedback text applies to that single invocation and callers own whatever
// history they keep.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUpstream matches every UpstreamError via errors.Is.
	ErrUpstream          = errors.New("matcher upstream failure")
	ErrMalformedResponse = errors.New("malformed model response")
	ErrInvalidRequest    = errors.New("invalid request")
)

const DefaultDataType = "STRING"

// Candidate is one catalog attribute proposed for a field.
type Candidate struct {
	AttributeID string  `json:"attribute_id"`
	Confidence  float64 `json:"confidence_score"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	DataType    string  `json:"data_type,omitempty"`
	Reasoning   string  `json:"reasoning,omitempty"`
}

// Suggestion is a drafted new CDD attribute.
type Suggestion struct {
	Category          string `json:"category"`
	Attribute         string `json:"attribute"`
	Description       string `json:"description"`
	Label             string `json:"label"`
	DataType          string `json:"data_type"`
	Tag               string `json:"tag"`
	Action            string `json:"action,omitempty"`
	PartitionKeyOrder *int   `json:"partition_key_order,omitempty"`
	IndexKey          string `json:"index_key,omitempty"`
}

// Normalize trims every text field and fills defaults for data type, action
// and tag.
func (s *Suggestion) Normalize(defaultTag string) {
	s.Category = strings.TrimSpace(s.Category)
	s.Attribute = strings.TrimSpace(s.Attribute)
	s.Description = strings.TrimSpace(s.Description)
	s.Label = strings.TrimSpace(s.Label)
	s.Tag = strings.TrimSpace(s.Tag)
	s.IndexKey = strings.TrimSpace(s.IndexKey)
	s.DataType = strings.ToUpper(strings.TrimSpace(s.DataType))

	if s.DataType == "" {
		s.DataType = DefaultDataType
	}
	if s.Action == "" {
		s.Action = "New"
	}
	if s.Tag == "" {
		s.Tag = defaultTag
	}
}

func (s Suggestion) Validate() error {
	if s.Attribute == "" {
		return errors.New("attribute name is required")
	}
	if utf8.RuneCountInString(s.Attribute) >= 64 {
		return fmt.Errorf("attribute name %q must be shorter than 64 characters", s.Attribute)
	}
	if strings.ContainsAny(s.Attribute, " \t\n") {
		return fmt.Errorf("attribute name %q must not contain whitespace", s.Attribute)
	}
	if s.Category == "" {
		return errors.New("category is required")
	}
	switch s.Action {
	case "New", "Update", "Deprecate":
	default:
		return fmt.Errorf("action %q must be New, Update or Deprecate", s.Action)
	}
	return nil
}

// Gateway is the contract the session workflow and the single-field check
// depend on. An empty candidate list is a valid answer meaning nothing
// cleared the acceptance threshold. Retries may legitimately rank
// differently.
type Gateway interface {
	FindMatches(ctx context.Context, fieldName, definition, feedback string) ([]Candidate, error)
	SuggestNewField(ctx context.Context, fieldName, definition, feedback string) (*Suggestion, error)
}

type UpstreamError struct {
	Op    string
	Field string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s for field %q: %v", e.Op, e.Field, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstream, e.Err}
}

func upstream(op, field string, err error) error {
	return &UpstreamError{Op: op, Field: field, Err: err}
}
