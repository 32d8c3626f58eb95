package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	verdictPrefix = regexp.MustCompile(`(?i)^\s*(confident no match|no match found|need review)\.?\s*`)
	whitespace    = regexp.MustCompile(`\s+`)
	htmlTag       = regexp.MustCompile(`<[a-zA-Z/][^>]*>`)
)

// Definitions pasted from wiki exports or earlier mapping runs often carry
// placeholders instead of meaning.
var insufficientIndicators = []string{
	"need review",
	"tbd", "to be determined", "to be defined",
	"unknown", "unclear", "not defined", "not specified",
	"missing", "no description", "no definition",
	"placeholder", "temp", "temporary",
}

// CleanDefinition strips markup, verdict prefixes left by previous mapping
// passes and redundant whitespace.
func CleanDefinition(definition string) string {
	if definition == "" {
		return ""
	}

	if htmlTag.MatchString(definition) {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(definition)); err == nil {
			definition = doc.Text()
		}
	}

	for {
		stripped := verdictPrefix.ReplaceAllString(definition, "")
		if stripped == definition {
			break
		}
		definition = stripped
	}

	return strings.TrimSpace(whitespace.ReplaceAllString(definition, " "))
}

// Insufficient returns a reason when a cleaned definition carries too little
// context to match against, or "" when it is usable.
func Insufficient(fieldName, cleaned string, minLength int) string {
	if cleaned == "" {
		return "no definition provided"
	}

	lower := strings.ToLower(cleaned)
	for _, words := range tokenSet(lower) {
		for _, indicator := range insufficientIndicators {
			if words == indicator {
				return fmt.Sprintf("definition contains placeholder %q", indicator)
			}
		}
	}
	for _, indicator := range insufficientIndicators {
		if strings.Contains(indicator, " ") && strings.Contains(lower, indicator) {
			return fmt.Sprintf("definition contains placeholder %q", indicator)
		}
	}

	if len([]rune(cleaned)) < minLength {
		return "definition too short to be meaningful"
	}

	if strings.EqualFold(cleaned, strings.TrimSpace(fieldName)) {
		return "definition repeats the field name"
	}

	return ""
}

func tokenSet(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
