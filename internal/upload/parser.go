// Package upload turns user-supplied field lists into ordered session
// inputs. CSV, JSON and XLSX are accepted; header names are matched
// loosely against the standard columns.
package upload

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/cdd-agent/backend/internal/session"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// Standard column headers, in the order the example file uses.
const (
	ColumnFieldName  = "field_name"
	ColumnDefinition = "context_definition"
	ColumnConfirmed  = "cdd_confirmed"
	ColumnBestGuess  = "cdd_best_guess"
)

var StandardHeaders = []string{ColumnFieldName, ColumnDefinition, ColumnConfirmed, ColumnBestGuess}

// headerNames lists the accepted spellings of each standard column in
// priority order, the standard name first. When a file carries several
// spellings of one column the earliest in this list wins.
var headerNames = map[string][]string{
	ColumnFieldName:  {"field_name", "fieldname", "field", "name", "column_name"},
	ColumnDefinition: {"context_definition", "definition", "field_definition", "description", "context"},
	ColumnConfirmed:  {"cdd_confirmed", "confirmed"},
	ColumnBestGuess:  {"cdd_best_guess", "best_guess"},
}

type headerRank struct {
	column string
	rank   int
}

var aliases = func() map[string]headerRank {
	m := make(map[string]headerRank)
	for column, names := range headerNames {
		for i, n := range names {
			m[n] = headerRank{column: column, rank: i}
		}
	}
	return m
}()

var ErrUnsupportedFormat = errors.New("unsupported upload format")

// DetectFormat picks a parser from the file extension, falling back to the
// content type.
func DetectFormat(filename, contentType string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "csv"):
		return FormatCSV, nil
	case strings.Contains(ct, "json"):
		return FormatJSON, nil
	case strings.Contains(ct, "spreadsheetml"):
		return FormatXLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
}

func Parse(r io.Reader, format Format) ([]session.FieldInput, error) {
	switch format {
	case FormatCSV:
		return parseCSV(r)
	case FormatJSON:
		return parseJSON(r)
	case FormatXLSX:
		return parseXLSX(r)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// canonical resolves a header to its standard column and that spelling's
// priority. Unknown headers map to themselves.
func canonical(header string) (string, int) {
	h := strings.ToLower(strings.TrimSpace(header))
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.NewReplacer(" ", "_", "-", "_").Replace(h)
	if a, ok := aliases[h]; ok {
		return a.column, a.rank
	}
	return h, 0
}

// fromRows maps a header row plus data rows onto field inputs. Row numbers
// count the header as row 1.
func fromRows(rows [][]string) ([]session.FieldInput, error) {
	if len(rows) == 0 {
		return nil, &session.ValidationError{Reason: "file is empty"}
	}

	index := make(map[string]int)
	ranks := make(map[string]int)
	for i, h := range rows[0] {
		c, rank := canonical(h)
		if best, dup := ranks[c]; dup && best <= rank {
			continue
		}
		index[c] = i
		ranks[c] = rank
	}
	if _, ok := index[ColumnFieldName]; !ok {
		return nil, &session.ValidationError{Row: 1, Field: ColumnFieldName, Reason: "missing required column"}
	}

	cell := func(row []string, column string) string {
		i, ok := index[column]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	inputs := make([]session.FieldInput, 0, len(rows)-1)
	for n, row := range rows[1:] {
		if blank(row) {
			continue
		}
		inputs = append(inputs, session.FieldInput{
			Row:        n + 2,
			Name:       cell(row, ColumnFieldName),
			Definition: cell(row, ColumnDefinition),
			Confirmed:  cell(row, ColumnConfirmed),
			BestGuess:  cell(row, ColumnBestGuess),
		})
	}
	return inputs, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseCSV(r io.Reader) ([]session.FieldInput, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, &session.ValidationError{Reason: fmt.Sprintf("invalid CSV: %v", err)}
	}
	return fromRows(rows)
}

func parseXLSX(r io.Reader) ([]session.FieldInput, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &session.ValidationError{Reason: fmt.Sprintf("invalid spreadsheet: %v", err)}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &session.ValidationError{Reason: "spreadsheet has no sheets"}
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return fromRows(rows)
}

// parseJSON accepts either a bare array of row objects or an object with a
// "fields" array.
func parseJSON(r io.Reader) ([]session.FieldInput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	data = bytes.TrimSpace(data)

	var objects []map[string]any
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Fields []map[string]any `json:"fields"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, &session.ValidationError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
		objects = wrapped.Fields
	} else if err := json.Unmarshal(data, &objects); err != nil {
		return nil, &session.ValidationError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	return FromObjects(objects), nil
}

// FromObjects maps decoded JSON row objects onto field inputs. Row numbers
// are 1-based positions in the array; empty objects are skipped.
func FromObjects(objects []map[string]any) []session.FieldInput {
	inputs := make([]session.FieldInput, 0, len(objects))
	for i, obj := range objects {
		values := make(map[string]string, len(obj))
		chosen := make(map[string]string, len(obj))
		ranks := make(map[string]int, len(obj))
		for k, v := range obj {
			c, rank := canonical(k)
			// keys spelled the same after normalising tie-break on the raw key
			if best, seen := ranks[c]; seen && (best < rank || (best == rank && chosen[c] < k)) {
				continue
			}
			values[c] = stringify(v)
			chosen[c] = k
			ranks[c] = rank
		}
		if blankMap(values) {
			continue
		}
		inputs = append(inputs, session.FieldInput{
			Row:        i + 1,
			Name:       values[ColumnFieldName],
			Definition: values[ColumnDefinition],
			Confirmed:  values[ColumnConfirmed],
			BestGuess:  values[ColumnBestGuess],
		})
	}
	return inputs
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%g", t))
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func blankMap(values map[string]string) bool {
	for _, v := range values {
		if v != "" {
			return false
		}
	}
	return true
}
