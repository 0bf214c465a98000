package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a migrated database against what the store expects
// ARCHITECTURAL DISCOVERY: kept apart from the migration system so deploys
// can verify a database they did not migrate themselves
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredColumns = map[string]map[string]string{
	"sessions": {
		"id":                   "TEXT",
		"teacher_id":           "TEXT",
		"teacher_language":     "TEXT",
		"classroom_code":       "TEXT",
		"code_expires_at":      "DATETIME",
		"state":                "TEXT",
		"mode":                 "TEXT",
		"created_at":           "DATETIME",
		"start_time":           "DATETIME",
		"end_time":             "DATETIME",
		"last_activity_at":     "DATETIME",
		"students_count":       "INTEGER",
		"students_ever_joined": "INTEGER",
		"total_translations":   "INTEGER",
		"quality":              "TEXT",
		"end_reason":           "TEXT",
	},
	"transcripts": {
		"id":         "TEXT",
		"session_id": "TEXT",
		"language":   "TEXT",
		"text":       "TEXT",
		"created_at": "DATETIME",
	},
	"translations": {
		"id":              "TEXT",
		"session_id":      "TEXT",
		"source_language": "TEXT",
		"target_language": "TEXT",
		"original_text":   "TEXT",
		"translated_text": "TEXT",
		"latency_ms":      "INTEGER",
		"created_at":      "DATETIME",
	},
}

var requiredIndexes = []string{
	"idx_sessions_state",
	"idx_sessions_teacher",
	"idx_transcripts_session_time",
	"idx_translations_session_time",
	"idx_translations_target",
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
	tables := []string{"schema_migrations"}
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	for _, table := range tables {
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

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the query indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints probes the foreign key and check constraints inside a
// transaction that is always rolled back
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO transcripts (id, session_id, text, created_at)
		VALUES ('probe', 'no-such-session', 'x', CURRENT_TIMESTAMP)`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: transcripts.session_id")
	}

	_, err = tx.Exec(`INSERT INTO sessions (id, state, created_at, last_activity_at)
		VALUES ('probe', 'expired', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: sessions.state")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?", kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(table string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue any
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, wantType := range expected {
		gotType, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", column, gotType, wantType)
		}
	}
	return nil
}
