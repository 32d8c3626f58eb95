package matcher

import (
	"context"
	"fmt"
	"strings"
)

const (
	ActionFindMatches     = "find_matches"
	ActionCreateNewField  = "create_new_field"
	ActionImproveMatches  = "improve_matches"
	ActionImproveNewField = "improve_new_field"
)

const (
	StatusMatched       = "matched"
	StatusNewSuggestion = "new_suggestion"
	StatusNoMatch       = "no_match"
)

type FeedbackEntry struct {
	Action    string `json:"action"`
	Feedback  string `json:"feedback"`
	FieldName string `json:"field_name,omitempty"`
}

type CheckRequest struct {
	FieldName          string          `json:"field_name"`
	FieldDefinition    string          `json:"field_definition"`
	ActionType         string          `json:"action_type"`
	ForceNewSuggestion bool            `json:"force_new_suggestion"`
	FeedbackText       string          `json:"feedback_text"`
	FeedbackHistory    []FeedbackEntry `json:"feedback_history"`
}

type CheckResult struct {
	FieldName           string      `json:"field_name"`
	FieldDefinition     string      `json:"field_definition"`
	Status              string      `json:"status"`
	Matches             []Candidate `json:"matches"`
	NewFieldSuggestion  *Suggestion `json:"new_field_suggestion,omitempty"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	FeedbackApplied     bool        `json:"feedback_applied"`
}

// Checker answers one-off field lookups outside any session.
type Checker struct {
	gateway   Gateway
	threshold float64
}

func NewChecker(gateway Gateway, threshold float64) *Checker {
	return &Checker{gateway: gateway, threshold: threshold}
}

func (c *Checker) CheckField(ctx context.Context, req CheckRequest) (*CheckResult, error) {
	name := strings.TrimSpace(req.FieldName)
	if name == "" {
		return nil, fmt.Errorf("%w: field_name is required", ErrInvalidRequest)
	}

	action := req.ActionType
	if action == "" {
		action = ActionFindMatches
	}
	forceNew := req.ForceNewSuggestion
	switch action {
	case ActionFindMatches, ActionImproveMatches:
	case ActionCreateNewField, ActionImproveNewField:
		forceNew = true
	default:
		return nil, fmt.Errorf("%w: unknown action_type %q", ErrInvalidRequest, req.ActionType)
	}

	feedback := FeedbackText(req.FeedbackHistory, req.FeedbackText)

	result := &CheckResult{
		FieldName:           name,
		FieldDefinition:     req.FieldDefinition,
		Matches:             []Candidate{},
		ConfidenceThreshold: c.threshold,
		FeedbackApplied:     feedback != "",
	}

	if !forceNew {
		matches, err := c.gateway.FindMatches(ctx, name, req.FieldDefinition, feedback)
		if err != nil {
			return nil, err
		}
		if matches != nil {
			result.Matches = matches
		}
		if len(matches) > 0 && matches[0].Confidence >= c.threshold {
			result.Status = StatusMatched
			return result, nil
		}
	}

	suggestion, err := c.gateway.SuggestNewField(ctx, name, req.FieldDefinition, feedback)
	if err != nil {
		return nil, err
	}
	if suggestion == nil {
		result.Status = StatusNoMatch
		return result, nil
	}
	result.NewFieldSuggestion = suggestion
	result.Status = StatusNewSuggestion
	return result, nil
}

// FeedbackText folds reviewer feedback into one block of prompt text,
// oldest first, with the current note last.
func FeedbackText(history []FeedbackEntry, current string) string {
	lines := make([]string, 0, len(history)+1)
	for _, h := range history {
		text := strings.TrimSpace(h.Feedback)
		if text == "" {
			continue
		}
		if h.Action != "" {
			lines = append(lines, fmt.Sprintf("User feedback (%s): %s", h.Action, text))
		} else {
			lines = append(lines, "User feedback: "+text)
		}
	}
	if current = strings.TrimSpace(current); current != "" {
		lines = append(lines, "User feedback: "+current)
	}
	return strings.Join(lines, "\n")
}
