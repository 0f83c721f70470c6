package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredColumns = map[string]map[string]string{
	"conversations": {
		"id":         "TEXT",
		"created_at": "DATETIME",
		"updated_at": "DATETIME",
	},
	"conversation_participants": {
		"conversation_id": "TEXT",
		"user_id":         "TEXT",
		"last_read_at":    "DATETIME",
	},
	"messages": {
		"id":              "TEXT",
		"conversation_id": "TEXT",
		"sender_id":       "TEXT",
		"text":            "TEXT",
		"created_at":      "DATETIME",
	},
	"schema_migrations": {
		"version":    "TEXT",
		"applied_at": "DATETIME",
	},
}

var requiredIndexes = map[string]string{
	"idx_conversations_updated":      "Conversation list ordering",
	"idx_participants_user":          "Conversations per user",
	"idx_messages_conversation_time": "Message history retrieval",
}

// Validate runs every check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range sortedKeys(requiredColumns) {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	for _, table := range sortedKeys(requiredColumns) {
		if err := v.validateColumns(table, requiredColumns[table]); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that foreign key and check constraints are enforced.
// Probes run in a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// messages.conversation_id -> conversations.id
	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, text, created_at)
		VALUES ('schema-probe', 'schema-probe-missing', 'probe', 'x', CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.conversation_id")
	}

	if _, err := tx.Exec(`INSERT INTO conversations (id) VALUES ('schema-probe')`); err != nil {
		return fmt.Errorf("failed to create probe conversation: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, text, created_at)
		VALUES ('schema-probe', 'schema-probe', 'probe', '', CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: empty message text")
	}

	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range sortedKeys(expectedColumns) {
		foundType, exists := foundColumns[col]
		if !exists {
			return fmt.Errorf("column %s not found", col)
		}
		if foundType != expectedColumns[col] {
			return fmt.Errorf("column %s has type %s, expected %s", col, foundType, expectedColumns[col])
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
