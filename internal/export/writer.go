// Package export renders a session's decisions as a downloadable artifact.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
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

const (
	SheetMappings      = "Confirmed Mappings"
	SheetNewAttributes = "New Attributes"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatXLSX, nil
	case FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

func ContentType(f Format) string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Filename derives the download name from the uploaded file name.
func Filename(exp *session.Export, f Format) string {
	base := strings.TrimSuffix(filepath.Base(exp.Filename), filepath.Ext(exp.Filename))
	if base == "" || base == "." {
		base = "session_" + exp.SessionID
	}
	return fmt.Sprintf("%s_cdd_mapped.%s", base, f)
}

func Write(w io.Writer, exp *session.Export, f Format) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, exp)
	case FormatJSON:
		return WriteJSON(w, exp)
	case FormatXLSX:
		return WriteXLSX(w, exp)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

var csvHeader = []string{
	"field_name", "context_definition", "decision", "cdd_attribute", "category",
	"data_type", "description", "label", "tag", "confidence", "pre_confirmed",
}

func WriteCSV(w io.Writer, exp *session.Export) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, r := range exp.Records {
		row := []string{r.FieldName, r.FieldDefinition, string(r.DecisionKind), "", "", "", "", "", "", "", strconv.FormatBool(r.PreConfirmed)}
		switch {
		case r.MatchedAttribute != nil:
			a := r.MatchedAttribute
			row[3], row[4], row[5], row[6], row[7] = a.AttributeID, a.Category, a.DataType, a.Description, a.DisplayName
			row[9] = strconv.FormatFloat(a.Confidence, 'f', 2, 64)
		case r.NewFieldSuggestion != nil:
			s := r.NewFieldSuggestion
			row[3], row[4], row[5], row[6], row[7], row[8] = s.Attribute, s.Category, s.DataType, s.Description, s.Label, s.Tag
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func WriteJSON(w io.Writer, exp *session.Export) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exp)
}

var (
	mappingHeader      = []interface{}{"field_name", "context_definition", "cdd_attribute", "category", "data_type", "confidence", "source"}
	newAttributeHeader = []interface{}{"Category", "Attribute", "Description", "Label", "data_type", "Tag", "New-Update-Deprecate", "Partition Key Order", "Index Key", "source_field"}
)

// WriteXLSX writes matched fields to one sheet and proposed attributes to a
// second. Skipped fields appear in neither.
func WriteXLSX(w io.Writer, exp *session.Export) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetMappings); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetNewAttributes); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}

	if err := writeRow(f, SheetMappings, 1, mappingHeader); err != nil {
		return err
	}
	if err := writeRow(f, SheetNewAttributes, 1, newAttributeHeader); err != nil {
		return err
	}
	_ = f.SetRowStyle(SheetMappings, 1, 1, bold)
	_ = f.SetRowStyle(SheetNewAttributes, 1, 1, bold)

	mapRow, newRow := 2, 2
	for _, r := range exp.Records {
		switch r.DecisionKind {
		case session.DecisionMatched:
			if r.MatchedAttribute == nil {
				continue
			}
			a := r.MatchedAttribute
			source := "reviewed"
			if r.PreConfirmed {
				source = "pre_confirmed"
			}
			if err := writeRow(f, SheetMappings, mapRow, []interface{}{
				r.FieldName, r.FieldDefinition, a.AttributeID, a.Category, a.DataType, a.Confidence, source,
			}); err != nil {
				return err
			}
			mapRow++
		case session.DecisionNewField:
			if r.NewFieldSuggestion == nil {
				continue
			}
			s := r.NewFieldSuggestion
			var partition interface{} = ""
			if s.PartitionKeyOrder != nil {
				partition = *s.PartitionKeyOrder
			}
			if err := writeRow(f, SheetNewAttributes, newRow, []interface{}{
				s.Category, s.Attribute, s.Description, s.Label, s.DataType, s.Tag, s.Action, partition, s.IndexKey, r.FieldName,
			}); err != nil {
				return err
			}
			newRow++
		}
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}
