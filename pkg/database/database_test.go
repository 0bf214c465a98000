package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ApplyPragmas(db))
	return db
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty database path", func(c *Config) { c.DatabasePath = "" }, true},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }, true},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMigrations_EmbeddedApplyAndValidate(t *testing.T) {
	db := openTestDB(t)
	mm := NewMigrationManager(db, "")

	migrations, err := mm.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001", migrations[0].Version)
	assert.Equal(t, "initial_schema", migrations[0].Description)
	assert.Equal(t, "002", migrations[1].Version)

	require.NoError(t, mm.ApplyMigrations())
	// applying again is a no-op
	require.NoError(t, mm.ApplyMigrations())

	applied, err := mm.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"001": true, "002": true}, applied)

	assert.NoError(t, NewSchemaValidator(db).Validate())
}

func TestMigrations_FromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_second.sql"), []byte("CREATE TABLE b (id TEXT);"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_first.sql"), []byte("CREATE TABLE a (id TEXT);"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	db := openTestDB(t)
	mm := NewMigrationManager(db, dir)

	migrations, err := mm.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "first", migrations[0].Description)

	require.NoError(t, mm.ApplyMigrations())

	// the custom schema lacks the coordinator tables
	assert.Error(t, NewSchemaValidator(db).ValidateTablesExist())
}

func TestMigrations_FailedMigrationRollsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_broken.sql"), []byte("CREATE TABLE ok (id TEXT); NOT SQL;"), 0o644))

	db := openTestDB(t)
	mm := NewMigrationManager(db, dir)
	require.Error(t, mm.ApplyMigrations())

	applied, err := mm.AppliedVersions()
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestSchemaValidator_MissingIndex(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db, "").ApplyMigrations())

	_, err := db.Exec("DROP INDEX idx_translations_target")
	require.NoError(t, err)

	v := NewSchemaValidator(db)
	assert.NoError(t, v.ValidateTableStructure())
	assert.ErrorContains(t, v.ValidateIndexes(), "idx_translations_target")
}
