package upload

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

var exampleRows = [][]string{
	{"LoanAmount", "The principal amount of the loan at origination", "", "loanPrincipalAmount"},
	{"InterestRate", "Annual interest rate applied to the outstanding balance", "", ""},
	{"MaturityDate", "Date on which the final payment is due", "maturityDate", ""},
}

// WriteExample renders a sample upload with the standard headers.
func WriteExample(w io.Writer, format Format) error {
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(StandardHeaders); err != nil {
			return fmt.Errorf("failed to write example header: %w", err)
		}
		if err := cw.WriteAll(exampleRows); err != nil {
			return fmt.Errorf("failed to write example rows: %w", err)
		}
		return nil
	case FormatJSON:
		objects := make([]map[string]string, 0, len(exampleRows))
		for _, row := range exampleRows {
			obj := make(map[string]string, len(StandardHeaders))
			for i, h := range StandardHeaders {
				obj[h] = row[i]
			}
			objects = append(objects, obj)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(objects)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}
