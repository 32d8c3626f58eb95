package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/cdd-agent/backend/internal/matcher"
)

func newCheckCmd(configPath *string) *cobra.Command {
	var (
		req      matcher.CheckRequest
		forceNew bool
	)

	cmd := &cobra.Command{
		Use:   "check <field-name>",
		Short: "Match a single field against the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCore(*configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			req.FieldName = args[0]
			req.ForceNewSuggestion = forceNew

			res, err := matcher.NewChecker(c.gateway, c.cfg.Matching.ConfidenceThreshold).CheckField(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVarP(&req.FieldDefinition, "definition", "d", "", "business definition of the field")
	cmd.Flags().StringVar(&req.FeedbackText, "feedback", "", "reviewer feedback to steer the model")
	cmd.Flags().BoolVar(&forceNew, "new", false, "draft a new attribute instead of matching")
	return cmd
}
