package models

import "time"

// Attribute is a canonical CDD attribute, enriched with the category it is
// filed under.
type Attribute struct {
	Name                 string   `json:"name"`
	DisplayName          string   `json:"display_name,omitempty"`
	DataType             string   `json:"data_type,omitempty"`
	Description          string   `json:"description,omitempty"`
	Tenant               string   `json:"tenant,omitempty"`
	EnumType             string   `json:"enum_type,omitempty"`
	Category             string   `json:"category,omitempty"`
	CategoryDescription  string   `json:"category_description,omitempty"`
	IsInternal           *bool    `json:"is_internal,omitempty"`
	InputPartitionOrder  *int     `json:"input_partition_order,omitempty"`
	OutputPartitionOrder *int     `json:"output_partition_order,omitempty"`
	Order                *float64 `json:"order,omitempty"`
	Products             []string `json:"products,omitempty"`
	MAInternal           *bool    `json:"ma_internal,omitempty"`
}

type Category struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Tenant      string `json:"tenant,omitempty"`
}

type CategoryAttribute struct {
	CategoryName         string
	AttributeName        string
	IsInternal           *bool
	InputPartitionOrder  *int
	OutputPartitionOrder *int
	Order                *float64
	Products             []string
	Tenant               string
	MAInternal           *bool
}

// DecisionRecord is an append-only audit row written whenever a mapping
// session records a decision for a field.
type DecisionRecord struct {
	ID            int64
	SessionID     string
	FieldIndex    int
	FieldName     string
	Kind          string
	AttributeName string
	Suggestion    string
	Caller        string
	CreatedAt     time.Time
}
