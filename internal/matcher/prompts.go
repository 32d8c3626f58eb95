package matcher

import (
	"fmt"
	"strings"

	"github.com/cdd-agent/backend/internal/storage/models"
)

const matchSystemPrompt = `You map data fields from client files onto the Canonical Data Dictionary (CDD).
Reply with JSON only: an array of objects with keys "cdd_field", "confidence_score" (0.0 to 1.0) and "reasoning".
Only use cdd_field values that appear in the attribute list you are given. Return an empty array when nothing fits.`

const suggestSystemPrompt = `You design new attributes for the Canonical Data Dictionary (CDD).
Reply with a single JSON object with keys "Category", "Attribute", "Description", "Label", "Tag", "New-Update-Deprecate", "Partition Key Order", "Index Key" and "data_type".`

const attributeGuidelines = `Attribute naming rules:
- camelCase, no spaces, shorter than 64 characters
- start with the business concept, end with the measure (loanPrincipalAmount, not amountLoanPrincipal)
- reuse an existing category whenever one fits
- data_type is one of STRING, INTEGER, DECIMAL, DATE, TIMESTAMP, BOOLEAN
- New-Update-Deprecate is "New" for a new attribute`

func buildMatchPrompt(fieldName, definition, feedback string, attrs []models.Attribute, maxMatches int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Field name: %s\n", fieldName)
	fmt.Fprintf(&b, "Field definition: %s\n\n", definition)

	if feedback != "" {
		fmt.Fprintf(&b, "Reviewer feedback to take into account:\n%s\n\n", feedback)
	}

	b.WriteString("CDD attributes:\n")
	for _, a := range attrs {
		fmt.Fprintf(&b, "- %s", a.Name)
		if a.Category != "" {
			fmt.Fprintf(&b, " [%s]", a.Category)
		}
		if a.DataType != "" {
			fmt.Fprintf(&b, " (%s)", a.DataType)
		}
		if a.Description != "" {
			fmt.Fprintf(&b, ": %s", a.Description)
		}
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "\nReturn at most %d matches, best first.\n", maxMatches)

	return b.String()
}

func buildSuggestPrompt(fieldName, definition, feedback string, cats []models.Category) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Field name: %s\n", fieldName)
	fmt.Fprintf(&b, "Field definition: %s\n\n", definition)

	if feedback != "" {
		fmt.Fprintf(&b, "Reviewer feedback to take into account:\n%s\n\n", feedback)
	}

	if len(cats) > 0 {
		b.WriteString("Existing categories:\n")
		for _, c := range cats {
			if c.Description != "" {
				fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
			} else {
				fmt.Fprintf(&b, "- %s\n", c.Name)
			}
		}
		b.WriteByte('\n')
	}

	b.WriteString(attributeGuidelines)
	b.WriteByte('\n')

	return b.String()
}
