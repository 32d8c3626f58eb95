package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdd-agent/backend/internal/export"
	"github.com/cdd-agent/backend/internal/matcher"
	"github.com/cdd-agent/backend/internal/session"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "cddctl dev (commit: none)")
}

func TestPopulateRequiresFiles(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"populate", "--attributes", "a.json"})
	assert.Error(t, cmd.Execute())
}

func TestReadCatalogFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}

	req, err := readCatalogFiles(
		write("attributes.json", `[{"name":"loanPrincipalAmount","displayName":"Loan Principal","dataType":"DECIMAL"}]`),
		write("categories.json", `[{"name":"loan"}]`),
		write("categoryAttributes.json", `[{"categoryName":"loan","attributeName":"loanPrincipalAmount","inputPartitionOrder":1}]`),
	)
	require.NoError(t, err)
	assert.Equal(t, "Loan Principal", req.Attributes[0].DisplayName)
	assert.Equal(t, 1, *req.CategoryAttributes[0].InputPartitionOrder)

	_, err = readCatalogFiles(filepath.Join(dir, "missing.json"), "", "")
	assert.Error(t, err)
}

type cliGateway struct{}

func (cliGateway) FindMatches(_ context.Context, name, _, _ string) ([]matcher.Candidate, error) {
	if name == "LoanAmt" {
		return []matcher.Candidate{{AttributeID: "loanPrincipalAmount", Confidence: 0.91}}, nil
	}
	return []matcher.Candidate{{AttributeID: "genericRate", Confidence: 0.3}}, nil
}

func (cliGateway) SuggestNewField(_ context.Context, name, _, _ string) (*matcher.Suggestion, error) {
	return &matcher.Suggestion{Category: "loan", Attribute: "loan" + name, DataType: "DECIMAL"}, nil
}

// draftFailGateway matches like cliGateway but cannot draft new attributes.
type draftFailGateway struct {
	cliGateway
	err error
}

func (g draftFailGateway) SuggestNewField(context.Context, string, string, string) (*matcher.Suggestion, error) {
	return nil, g.err
}

func newTestManager() *session.Manager {
	return newManagerWith(cliGateway{})
}

func newManagerWith(gw matcher.Gateway) *session.Manager {
	return session.NewManager(session.NewMemoryStore(time.Hour), gw, session.Options{BatchSize: 2, FieldTimeout: time.Second})
}

func writeFields(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fields.csv")
	body := "field_name,context_definition,cdd_confirmed\n" +
		"LoanAmt,principal amount of the loan,\n" +
		"IntRate,annual interest rate,\n" +
		"MaturityDt,final payment date,maturityDate\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRunMapAuto(t *testing.T) {
	input := writeFields(t)
	var out bytes.Buffer

	err := runMap(context.Background(), newTestManager(), input, strings.NewReader(""), &out, mapOptions{
		suggestNew: true,
		threshold:  0.6,
		format:     export.FormatCSV,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "2 fields to review, 1 already confirmed")

	rows := readCSV(t, filepath.Join(filepath.Dir(input), "fields_cdd_mapped.csv"))
	require.Len(t, rows, 4)
	assert.Equal(t, "loanPrincipalAmount", rows[1][3])
	assert.Equal(t, "new_field", rows[2][2])
	assert.Equal(t, "loanIntRate", rows[2][3])
	assert.Equal(t, "true", rows[3][10])
}

func TestRunMapAutoWithoutSuggestions(t *testing.T) {
	input := writeFields(t)
	outPath := filepath.Join(t.TempDir(), "out.csv")

	err := runMap(context.Background(), newTestManager(), input, strings.NewReader(""), new(bytes.Buffer), mapOptions{
		threshold: 0.6,
		outPath:   outPath,
		format:    export.FormatCSV,
	})
	require.NoError(t, err)

	rows := readCSV(t, outPath)
	require.Len(t, rows, 4)
	assert.Equal(t, "skipped", rows[2][2])
}

func TestRunMapInteractive(t *testing.T) {
	input := writeFields(t)
	outPath := filepath.Join(t.TempDir(), "out.csv")
	var out bytes.Buffer

	// pick candidate 1, reject a bad choice, ask for a draft, accept it
	script := "1\n7\nn\nn\n"
	err := runMap(context.Background(), newTestManager(), input, strings.NewReader(script), &out, mapOptions{
		interactive: true,
		outPath:     outPath,
		format:      export.FormatCSV,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "unrecognised choice")
	assert.Contains(t, out.String(), "new: loan.loanIntRate")

	rows := readCSV(t, outPath)
	require.Len(t, rows, 4)
	assert.Equal(t, "matched", rows[1][2])
	assert.Equal(t, "new_field", rows[2][2])
}

func TestRunMapInteractiveQuit(t *testing.T) {
	input := writeFields(t)
	outPath := filepath.Join(t.TempDir(), "out.csv")

	err := runMap(context.Background(), newTestManager(), input, strings.NewReader("q\n"), new(bytes.Buffer), mapOptions{
		interactive: true,
		outPath:     outPath,
		format:      export.FormatCSV,
	})
	require.NoError(t, err)

	// only the pre-confirmed row has a decision
	rows := readCSV(t, outPath)
	assert.Len(t, rows, 2)
}

func TestRunMapAutoSkipsWhenDraftingFails(t *testing.T) {
	input := writeFields(t)
	outPath := filepath.Join(t.TempDir(), "out.csv")
	var stderr bytes.Buffer

	gw := draftFailGateway{err: &matcher.UpstreamError{Op: "suggest_new_field", Field: "IntRate", Err: errors.New("503")}}
	err := runMap(context.Background(), newManagerWith(gw), input, strings.NewReader(""), new(bytes.Buffer), mapOptions{
		suggestNew: true,
		threshold:  0.6,
		outPath:    outPath,
		format:     export.FormatCSV,
		errOut:     &stderr,
	})
	require.NoError(t, err)
	assert.Contains(t, stderr.String(), "skipping IntRate")

	rows := readCSV(t, outPath)
	require.Len(t, rows, 4)
	assert.Equal(t, "matched", rows[1][2])
	assert.Equal(t, "skipped", rows[2][2])
}

func TestRunMapWritesPartialExportOnError(t *testing.T) {
	input := writeFields(t)
	outPath := filepath.Join(t.TempDir(), "out.csv")

	gw := draftFailGateway{err: errors.New("model returned garbage")}
	err := runMap(context.Background(), newManagerWith(gw), input, strings.NewReader(""), new(bytes.Buffer), mapOptions{
		suggestNew: true,
		threshold:  0.6,
		outPath:    outPath,
		format:     export.FormatCSV,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model returned garbage")

	// the LoanAmt match survives alongside the pre-confirmed row
	rows := readCSV(t, outPath)
	require.Len(t, rows, 3)
	assert.Equal(t, "LoanAmt", rows[1][0])
	assert.Equal(t, "loanPrincipalAmount", rows[1][3])
	assert.Equal(t, "MaturityDt", rows[2][0])
}

func TestRunMapResumesMappedFile(t *testing.T) {
	input := filepath.Join(t.TempDir(), "fields.csv")
	body := "field_name,context_definition,cdd_best_guess\n" +
		"LoanAmt,principal amount of the loan,loanPrincipalAmount\n" +
		"Notes,free text,SKIP\n" +
		"Channel,origination channel,NEW_FIELD_REQUESTED\n" +
		"IntRate,annual interest rate,\n"
	require.NoError(t, os.WriteFile(input, []byte(body), 0o644))
	outPath := filepath.Join(t.TempDir(), "out.csv")
	var out bytes.Buffer

	err := runMap(context.Background(), newTestManager(), input, strings.NewReader(""), &out, mapOptions{
		suggestNew: true,
		threshold:  0.6,
		outPath:    outPath,
		format:     export.FormatCSV,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "1 fields to review, 3 already confirmed")

	rows := readCSV(t, outPath)
	require.Len(t, rows, 5)
	assert.Equal(t, []string{"matched", "skipped", "new_field", "new_field"},
		[]string{rows[1][2], rows[2][2], rows[3][2], rows[4][2]})
	assert.Equal(t, "loanIntRate", rows[4][3])
}
