package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/session"
)

func sampleExport() *session.Export {
	order := 2
	return &session.Export{
		SessionID: "s1",
		Filename:  "uploads/loans.xlsx",
		Status:    session.StatusCompleted,
		Records: []session.ExportRecord{
			{
				Row: 2, FieldName: "LoanAmt", FieldDefinition: "loan principal",
				DecisionKind:     session.DecisionMatched,
				MatchedAttribute: &matcher.Candidate{AttributeID: "loanPrincipalAmount", Category: "loan", DataType: "DECIMAL", Confidence: 0.92},
			},
			{
				Row: 3, FieldName: "MaturityDt", DecisionKind: session.DecisionMatched, PreConfirmed: true,
				MatchedAttribute: &matcher.Candidate{AttributeID: "maturityDate", Confidence: 1},
			},
			{
				Row: 4, FieldName: "Notes", FieldDefinition: "free text",
				DecisionKind: session.DecisionNewField,
				NewFieldSuggestion: &matcher.Suggestion{
					Category: "loan", Attribute: "loanServicingNote", Label: "Servicing Note",
					DataType: "STRING", Tag: "ops", Action: "New", PartitionKeyOrder: &order,
				},
			},
			{Row: 5, FieldName: "Legacy", DecisionKind: session.DecisionSkipped},
		},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	f, err = ParseFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "loans_cdd_mapped.xlsx", Filename(sampleExport(), FormatXLSX))
	assert.Equal(t, "session_s2_cdd_mapped.csv", Filename(&session.Export{SessionID: "s2"}, FormatCSV))
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleExport(), FormatCSV))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"LoanAmt", "loan principal", "matched", "loanPrincipalAmount", "loan", "DECIMAL", "", "", "", "0.92", "false"}, rows[1])
	assert.Equal(t, "true", rows[2][10])
	assert.Equal(t, "loanServicingNote", rows[3][3])
	assert.Equal(t, "ops", rows[3][8])
	assert.Equal(t, "skipped", rows[4][2])
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleExport(), FormatJSON))

	var got session.Export
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Len(t, got.Records, 4)
	assert.Equal(t, "loanServicingNote", got.Records[2].NewFieldSuggestion.Attribute)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleExport(), FormatXLSX))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetMappings, SheetNewAttributes}, f.GetSheetList())

	mappings, err := f.GetRows(SheetMappings)
	require.NoError(t, err)
	require.Len(t, mappings, 3)
	assert.Equal(t, "loanPrincipalAmount", mappings[1][2])
	assert.Equal(t, "reviewed", mappings[1][6])
	assert.Equal(t, "pre_confirmed", mappings[2][6])

	added, err := f.GetRows(SheetNewAttributes)
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.Equal(t, []string{"loan", "loanServicingNote", "", "Servicing Note", "STRING", "ops", "New", "2", "", "Notes"}, added[1])
}
