package chunkstore

import "database/sql"

func Init(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS files (
	file_name TEXT PRIMARY KEY,
	file_size INTEGER NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	total_chunks INTEGER NOT NULL,
	chunk_size INTEGER NOT NULL,

	sha256 TEXT NOT NULL DEFAULT '',
	crc32c INTEGER NOT NULL DEFAULT 0,

	created_at INTEGER NOT NULL,      -- unix millis
	last_accessed_at INTEGER NOT NULL -- unix millis
);
`,
		`
CREATE TABLE IF NOT EXISTS chunks (
	file_name TEXT NOT NULL REFERENCES files(file_name) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	payload BLOB NOT NULL,

	PRIMARY KEY (file_name, idx)
);
`,
	}

	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}

	return nil
}
