package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cdd-agent/backend/internal/ingestion"
)

func newPopulateCmd(configPath *string) *cobra.Command {
	var attributes, categories, categoryAttributes string

	cmd := &cobra.Command{
		Use:   "populate",
		Short: "Replace the CDD catalog from JSON exports",
		Long:  "Reads attributes.json, categories.json and categoryAttributes.json and replaces the local catalog with their enriched contents.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readCatalogFiles(attributes, categories, categoryAttributes)
			if err != nil {
				return err
			}

			c, err := loadCore(*configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := ingestion.NewProcessor(c.db, nil, nil).Populate(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d attributes, %d categories, %d category attributes\n",
				res.Status, res.AttributesCount, res.CategoriesCount, res.CategoryAttributesCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&attributes, "attributes", "", "path to attributes.json")
	cmd.Flags().StringVar(&categories, "categories", "", "path to categories.json")
	cmd.Flags().StringVar(&categoryAttributes, "category-attributes", "", "path to categoryAttributes.json")
	_ = cmd.MarkFlagRequired("attributes")
	_ = cmd.MarkFlagRequired("categories")
	_ = cmd.MarkFlagRequired("category-attributes")
	return cmd
}

func readCatalogFiles(attributes, categories, categoryAttributes string) (ingestion.PopulateRequest, error) {
	var req ingestion.PopulateRequest
	files := []struct {
		path string
		dst  any
	}{
		{attributes, &req.Attributes},
		{categories, &req.Categories},
		{categoryAttributes, &req.CategoryAttributes},
	}
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return req, fmt.Errorf("failed to read %s: %w", f.path, err)
		}
		if err := json.Unmarshal(data, f.dst); err != nil {
			return req, fmt.Errorf("failed to parse %s: %w", f.path, err)
		}
	}
	return req, nil
}
