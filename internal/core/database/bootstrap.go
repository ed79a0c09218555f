package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"go.uber.org/zap"
)

//go:embed scripts/*.sql
var bootstrapFS embed.FS

const schemaVersion = 1

type dialect struct {
	name        string
	script      string
	tableExists string
	hasVersion  string
}

var (
	postgresDialect = dialect{
		name:   "postgres",
		script: "scripts/initdb.sql",
		tableExists: `
			SELECT EXISTS (
			  SELECT 1 FROM information_schema.tables
			  WHERE table_name = 'crmrag_meta'
			)`,
		hasVersion: `SELECT EXISTS (SELECT 1 FROM crmrag_meta WHERE version = $1)`,
	}
	sqliteDialect = dialect{
		name:        "sqlite",
		script:      "scripts/sqlite.sql",
		tableExists: `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'crmrag_meta')`,
		hasVersion:  `SELECT EXISTS (SELECT 1 FROM crmrag_meta WHERE version = ?)`,
	}
)

// EnsureBootstrapped creates the schema unless the meta table already records
// the current version.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, d dialect, logger *zap.Logger) error {

	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	if err := db.QueryRowContext(ctxBoot, d.tableExists).Scan(&exists); err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}

	if exists {
		var hasVersion bool
		if err := db.QueryRowContext(ctxBoot, d.hasVersion, schemaVersion).Scan(&hasVersion); err != nil {
			return fmt.Errorf("meta version check failed: %w", err)
		}
		if hasVersion {
			logger.Debug("schema already bootstrapped", zap.String("dialect", d.name), zap.Int("version", schemaVersion))
			return nil
		}
	}

	logger.Info("bootstrapping schema", zap.String("dialect", d.name), zap.Int("version", schemaVersion))
	return runBootstrap(ctxBoot, db, d.script)
}

func runBootstrap(ctx context.Context, db *sql.DB, script string) error {
	sqlBytes, err := bootstrapFS.ReadFile(script)
	if err != nil {
		return fmt.Errorf("read %s: %w", script, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}
