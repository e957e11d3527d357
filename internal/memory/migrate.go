package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

const schemaVersion = 3

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Applied versions are recorded in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "chat message history",
		SQL: `
		CREATE TABLE IF NOT EXISTS chat_messages (
			channel     TEXT NOT NULL,
			chat_id     TEXT NOT NULL,
			id          TEXT NOT NULL,
			sender      TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			body        TEXT NOT NULL DEFAULT '',
			ts_ms       INTEGER NOT NULL DEFAULT 0,
			kind        TEXT NOT NULL DEFAULT 'text',
			has_media   INTEGER NOT NULL DEFAULT 0,
			file_name   TEXT NOT NULL DEFAULT '',
			from_self   INTEGER NOT NULL DEFAULT 0,
			quoted_id   TEXT NOT NULL DEFAULT '',
			raw         BLOB,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (channel, chat_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_ts ON chat_messages(channel, chat_id, ts_ms);
		`,
	},
	{
		Version:     2,
		Description: "transcription cache",
		SQL: `
		CREATE TABLE IF NOT EXISTS transcripts (
			media_id    TEXT PRIMARY KEY,
			text        TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		`,
	},
	{
		Version:     3,
		Description: "message metadata and media mime type",
		SQL: `
		ALTER TABLE chat_messages ADD COLUMN metadata TEXT NOT NULL DEFAULT '';
		ALTER TABLE chat_messages ADD COLUMN mime_type TEXT NOT NULL DEFAULT '';
		`,
	},
}

const recordVersion = `INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)`

// RunMigrations brings db up to schemaVersion. A migration whose batch
// fails is replayed one statement at a time, skipping statements whose
// effect is already present, so a half-upgraded file still converges.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	const ddl = `CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	have, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= have {
			continue
		}
		if err := applyBatch(db, m); err != nil {
			logger.Warn("migration batch failed, replaying statements", "version", m.Version, "err", err)
			if err := applyEach(db, m, logger); err != nil {
				return err
			}
		}
		logger.Info("schema migrated", "version", m.Version, "description", m.Description)
	}
	return nil
}

func applyBatch(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(recordVersion, m.Version, m.Description); err != nil {
		return err
	}
	return tx.Commit()
}

func applyEach(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		_, err := db.Exec(stmt)
		switch {
		case err == nil:
		case alreadyApplied(err):
			logger.Debug("statement already applied", "version", m.Version, "stmt", abbreviate(stmt, 60))
		default:
			return fmt.Errorf("migration v%d: %w (%s)", m.Version, err, abbreviate(stmt, 200))
		}
	}
	if _, err := db.Exec(recordVersion, m.Version, m.Description); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func splitSQL(script string) []string {
	var stmts []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// GetSchemaVersion returns the highest applied migration, 0 when the
// database has never been migrated.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&n)
	if err != nil || n == 0 {
		return 0, err
	}
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
