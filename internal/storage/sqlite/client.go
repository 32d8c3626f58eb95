package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/storage/models"
	"github.com/cdd-agent/backend/pkg/logger"
)

// ErrAttributeNotFound is returned by GetAttribute for unknown names.
var ErrAttributeNotFound = errors.New("attribute not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and serialises
	// writers, which sqlite requires anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS categories (
		name TEXT PRIMARY KEY,
		display_name TEXT,
		description TEXT,
		tenant TEXT
	);

	CREATE TABLE IF NOT EXISTS attributes (
		name TEXT PRIMARY KEY,
		display_name TEXT,
		data_type TEXT,
		description TEXT,
		tenant TEXT,
		enum_type TEXT,
		category TEXT,
		category_description TEXT,
		is_internal INTEGER,
		input_partition_order INTEGER,
		output_partition_order INTEGER,
		sort_order REAL,
		products TEXT,
		ma_internal INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_attributes_category ON attributes(category);

	CREATE TABLE IF NOT EXISTS category_attributes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category_name TEXT NOT NULL,
		attribute_name TEXT NOT NULL,
		is_internal INTEGER,
		input_partition_order INTEGER,
		output_partition_order INTEGER,
		sort_order REAL,
		products TEXT,
		tenant TEXT,
		ma_internal INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_catattr_category ON category_attributes(category_name);
	CREATE INDEX IF NOT EXISTS idx_catattr_attribute ON category_attributes(attribute_name);

	CREATE TABLE IF NOT EXISTS mapping_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		field_index INTEGER NOT NULL,
		field_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		attribute_name TEXT,
		suggestion TEXT,
		caller TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_session ON mapping_decisions(session_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_created ON mapping_decisions(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// ReplaceCatalog swaps the whole CDD catalogue in one transaction.
func (c *Client) ReplaceCatalog(ctx context.Context, attrs []models.Attribute, cats []models.Category, links []models.CategoryAttribute) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"attributes", "categories", "category_attributes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, cat := range cats {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO categories (name, display_name, description, tenant) VALUES (?, ?, ?, ?)`,
			cat.Name, cat.DisplayName, cat.Description, cat.Tenant,
		)
		if err != nil {
			return fmt.Errorf("failed to insert category %q: %w", cat.Name, err)
		}
	}

	for _, a := range attrs {
		products, _ := json.Marshal(a.Products)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attributes (name, display_name, data_type, description, tenant, enum_type, category,
				category_description, is_internal, input_partition_order, output_partition_order, sort_order, products, ma_internal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			a.Name, a.DisplayName, a.DataType, a.Description, a.Tenant, a.EnumType, a.Category,
			a.CategoryDescription, nullBool(a.IsInternal), nullInt(a.InputPartitionOrder), nullInt(a.OutputPartitionOrder),
			nullFloat(a.Order), string(products), nullBool(a.MAInternal),
		)
		if err != nil {
			return fmt.Errorf("failed to insert attribute %q: %w", a.Name, err)
		}
	}

	for _, l := range links {
		products, _ := json.Marshal(l.Products)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO category_attributes (category_name, attribute_name, is_internal, input_partition_order,
				output_partition_order, sort_order, products, tenant, ma_internal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			l.CategoryName, l.AttributeName, nullBool(l.IsInternal), nullInt(l.InputPartitionOrder),
			nullInt(l.OutputPartitionOrder), nullFloat(l.Order), string(products), l.Tenant, nullBool(l.MAInternal),
		)
		if err != nil {
			return fmt.Errorf("failed to insert category attribute: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog: %w", err)
	}

	logger.Info("CDD catalog replaced",
		zap.Int("attributes", len(attrs)),
		zap.Int("categories", len(cats)),
		zap.Int("category_attributes", len(links)),
	)
	return nil
}

const attributeColumns = `name, display_name, data_type, description, tenant, enum_type, category, category_description,
	is_internal, input_partition_order, output_partition_order, sort_order, products, ma_internal`

func (c *Client) ListAttributes(ctx context.Context) ([]models.Attribute, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+attributeColumns+` FROM attributes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list attributes: %w", err)
	}
	defer rows.Close()

	var attrs []models.Attribute
	for rows.Next() {
		a, err := scanAttribute(rows)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}

	return attrs, rows.Err()
}

func (c *Client) GetAttribute(ctx context.Context, name string) (*models.Attribute, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+attributeColumns+` FROM attributes WHERE name = ?`, name)
	a, err := scanAttribute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttributeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) CountAttributes(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attributes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count attributes: %w", err)
	}
	return n, nil
}

func (c *Client) ListCategories(ctx context.Context) ([]models.Category, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, display_name, description, tenant FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	var cats []models.Category
	for rows.Next() {
		var cat models.Category
		var displayName, description, tenant sql.NullString
		if err := rows.Scan(&cat.Name, &displayName, &description, &tenant); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		cat.DisplayName = displayName.String
		cat.Description = description.String
		cat.Tenant = tenant.String
		cats = append(cats, cat)
	}

	return cats, rows.Err()
}

func (c *Client) InsertDecision(ctx context.Context, rec *models.DecisionRecord) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO mapping_decisions (session_id, field_index, field_name, kind, attribute_name, suggestion, caller, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.SessionID, rec.FieldIndex, rec.FieldName, rec.Kind, rec.AttributeName, rec.Suggestion, rec.Caller,
		rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	rec.ID, _ = res.LastInsertId()

	logger.Debug("Decision recorded",
		zap.String("session_id", rec.SessionID),
		zap.Int("field_index", rec.FieldIndex),
		zap.String("kind", rec.Kind),
	)
	return nil
}

func (c *Client) ListDecisions(ctx context.Context, sessionID string) ([]models.DecisionRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, field_index, field_name, kind, attribute_name, suggestion, caller, created_at
		FROM mapping_decisions
		WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var records []models.DecisionRecord
	for rows.Next() {
		var r models.DecisionRecord
		var attr, suggestion, caller sql.NullString
		var createdAt int64
		err := rows.Scan(&r.ID, &r.SessionID, &r.FieldIndex, &r.FieldName, &r.Kind, &attr, &suggestion, &caller, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.AttributeName = attr.String
		r.Suggestion = suggestion.String
		r.Caller = caller.String
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttribute(s scanner) (models.Attribute, error) {
	var a models.Attribute
	var displayName, dataType, description, tenant, enumType, category, categoryDesc, products sql.NullString
	var isInternal, maInternal sql.NullBool
	var inOrder, outOrder sql.NullInt64
	var order sql.NullFloat64

	err := s.Scan(&a.Name, &displayName, &dataType, &description, &tenant, &enumType, &category, &categoryDesc,
		&isInternal, &inOrder, &outOrder, &order, &products, &maInternal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan attribute: %w", err)
	}

	a.DisplayName = displayName.String
	a.DataType = dataType.String
	a.Description = description.String
	a.Tenant = tenant.String
	a.EnumType = enumType.String
	a.Category = category.String
	a.CategoryDescription = categoryDesc.String
	if isInternal.Valid {
		a.IsInternal = &isInternal.Bool
	}
	if maInternal.Valid {
		a.MAInternal = &maInternal.Bool
	}
	if inOrder.Valid {
		v := int(inOrder.Int64)
		a.InputPartitionOrder = &v
	}
	if outOrder.Valid {
		v := int(outOrder.Int64)
		a.OutputPartitionOrder = &v
	}
	if order.Valid {
		a.Order = &order.Float64
	}
	if products.Valid && products.String != "" && products.String != "null" {
		_ = json.Unmarshal([]byte(products.String), &a.Products)
	}

	return a, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
