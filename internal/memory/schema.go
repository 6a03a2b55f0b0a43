package memory

import (
	"database/sql"
	"fmt"

	. "github.com/llamar/toolserver/internal/logging"
)

const schemaVersion = 1

// initSchema creates the memory index tables and the FTS5 virtual table
// (files, chunks, full-text index over chunks.text).
func initSchema(db *sql.DB) error {
	L_debug("memory: initializing schema", "version", schemaVersion)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("memory: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		L_warn("memory: failed to set busy timeout", "error", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create memory_meta table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT value FROM memory_meta WHERE key = 'schema_version'").Scan(&currentVersion)
	if err == sql.ErrNoRows {
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if currentVersion < schemaVersion {
		if err := migrateSchema(db, currentVersion); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	L_debug("memory: schema ready", "version", schemaVersion)
	return nil
}

func migrateSchema(db *sql.DB, fromVersion int) error {
	L_info("memory: migrating schema", "from", fromVersion, "to", schemaVersion)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if fromVersion < 1 {
		if err := migrateV1(tx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO memory_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}

	return tx.Commit()
}

// migrateV1 creates the files/chunks/fts trio.
func migrateV1(tx *sql.Tx) error {
	L_debug("memory: creating v1 schema")

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			hash TEXT NOT NULL,
			mtime INTEGER NOT NULL,
			size INTEGER NOT NULL,
			indexed_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create files table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			source TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			hash TEXT NOT NULL,
			text TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY (path) REFERENCES files(path) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path)`); err != nil {
		return fmt.Errorf("create idx_chunks_path: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text,
			id UNINDEXED,
			path UNINDEXED,
			start_line UNINDEXED,
			end_line UNINDEXED,
			content='chunks',
			content_rowid='rowid'
		)
	`); err != nil {
		return fmt.Errorf("create chunks_fts table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, text, id, path, start_line, end_line)
			VALUES (NEW.rowid, NEW.text, NEW.id, NEW.path, NEW.start_line, NEW.end_line);
		END
	`); err != nil {
		return fmt.Errorf("create insert trigger: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text, id, path, start_line, end_line)
			VALUES ('delete', OLD.rowid, OLD.text, OLD.id, OLD.path, OLD.start_line, OLD.end_line);
		END
	`); err != nil {
		return fmt.Errorf("create delete trigger: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text, id, path, start_line, end_line)
			VALUES ('delete', OLD.rowid, OLD.text, OLD.id, OLD.path, OLD.start_line, OLD.end_line);
			INSERT INTO chunks_fts(rowid, text, id, path, start_line, end_line)
			VALUES (NEW.rowid, NEW.text, NEW.id, NEW.path, NEW.start_line, NEW.end_line);
		END
	`); err != nil {
		return fmt.Errorf("create update trigger: %w", err)
	}

	return nil
}

// clearAllData removes all indexed data, for a full reindex.
func clearAllData(db *sql.DB) error {
	L_debug("memory: clearing all indexed data")
	if _, err := db.Exec("DELETE FROM chunks"); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if _, err := db.Exec("DELETE FROM files"); err != nil {
		return fmt.Errorf("clear files: %w", err)
	}
	return nil
}
