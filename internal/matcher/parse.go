package matcher

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var fenced = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")

// extractJSON pulls the JSON payload out of a model reply that may be
// wrapped in a code fence or surrounded by prose.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if m := fenced.FindStringSubmatch(content); m != nil {
		content = strings.TrimSpace(m[1])
	}
	if json.Valid([]byte(content)) {
		return content
	}

	start := strings.IndexAny(content, "[{")
	if start < 0 {
		return content
	}
	closing := "]"
	if content[start] == '{' {
		closing = "}"
	}
	end := strings.LastIndex(content, closing)
	if end <= start {
		return content
	}
	return content[start : end+1]
}

type rawMatch struct {
	Field      string   `json:"cdd_field"`
	Confidence flexible `json:"confidence_score"`
	Reasoning  string   `json:"reasoning"`
}

// flexible accepts a JSON number or a numeric string.
type flexible float64

func (f *flexible) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("confidence %s is not a number", b)
	}
	*f = flexible(v)
	return nil
}

func parseMatches(content string) ([]rawMatch, error) {
	payload := extractJSON(content)

	var matches []rawMatch
	if err := json.Unmarshal([]byte(payload), &matches); err == nil {
		return matches, nil
	}

	var wrapped struct {
		Matches []rawMatch `json:"matches"`
	}
	if err := json.Unmarshal([]byte(payload), &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return wrapped.Matches, nil
}

type rawSuggestion struct {
	Category          string `json:"Category"`
	Attribute         string `json:"Attribute"`
	Description       string `json:"Description"`
	Label             string `json:"Label"`
	Tag               string `json:"Tag"`
	Action            string `json:"New-Update-Deprecate"`
	PartitionKeyOrder *int   `json:"Partition Key Order"`
	IndexKey          string `json:"Index Key"`
	DataType          string `json:"data_type"`
}

func parseSuggestion(content string) (*Suggestion, error) {
	var raw rawSuggestion
	if err := json.Unmarshal([]byte(extractJSON(content)), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &Suggestion{
		Category:          raw.Category,
		Attribute:         raw.Attribute,
		Description:       raw.Description,
		Label:             raw.Label,
		DataType:          raw.DataType,
		Tag:               raw.Tag,
		Action:            raw.Action,
		PartitionKeyOrder: raw.PartitionKeyOrder,
		IndexKey:          raw.IndexKey,
	}, nil
}
