package chunkstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"beam/internal/hash"
)

// Durable file_name -> chunk set mapping that lets a sender resume a transfer
// across process restarts. One entry per file name; Put overwrites.

type Entry struct {
	FileName    string
	FileSize    uint64
	MimeType    string
	TotalChunks uint32
	ChunkSize   uint32
	Chunks      [][]byte

	SHA256 string
	CRC32C uint32

	CreatedAt      time.Time
	LastAccessedAt time.Time
}

type Stats struct {
	Count         int
	TotalBytes    int64
	OldestCreated time.Time
	NewestCreated time.Time
}

type EvictPolicy struct {
	MaxAge     time.Duration // zero disables the age rule
	MaxEntries int           // zero disables the count rule
}

// DefaultEvictPolicy keeps at most one pending resumable file, a week old at most.
var DefaultEvictPolicy = EvictPolicy{
	MaxAge:     7 * 24 * time.Hour,
	MaxEntries: 1,
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := Init(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Available reports whether the backing store can be reached.
func (s *Store) Available() bool {
	return s.db.Ping() == nil
}

// Put overwrites any entry for the same name, stamping both timestamps with
// now. The default eviction policy runs first, over the entries already
// stored; the new entry is inserted afterwards and is not counted, so a Put
// can leave one entry more than the policy's MaxEntries.
func (s *Store) Put(name string, size uint64, mime string, chunkSize uint32, chunks [][]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	nowMs := s.now().UnixMilli()
	if err := evictTx(tx, DefaultEvictPolicy, nowMs); err != nil {
		return err
	}

	h := hash.Compute(chunks)

	// Delete chunks explicitly too: the foreign-key pragma is per-connection
	// and database/sql pools connections.
	if _, err := tx.Exec(`DELETE FROM chunks WHERE file_name = ?`, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE file_name = ?`, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`
INSERT INTO files (file_name, file_size, mime_type, total_chunks, chunk_size, sha256, crc32c, created_at, last_accessed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, name, int64(size), mime, len(chunks), int64(chunkSize), h.SHA256, int64(h.CRC32C), nowMs, nowMs); err != nil {
		return err
	}
	for i, c := range chunks {
		if _, err := tx.Exec(`INSERT INTO chunks (file_name, idx, payload) VALUES (?, ?, ?)`, name, i, c); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get reads an entry and refreshes its last_accessed_at. The second return is
// false when no entry exists. A digest mismatch against the stored sha256
// means the entry rotted on disk and is reported as an error.
func (s *Store) Get(name string) (Entry, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Entry{}, false, err
	}
	defer tx.Rollback()

	var e Entry
	var size, chunkSize, crc32c, createdMs, accessedMs int64
	var total int
	err = tx.QueryRow(`
SELECT file_name, file_size, mime_type, total_chunks, chunk_size, sha256, crc32c, created_at, last_accessed_at
FROM files WHERE file_name = ?
`, name).Scan(&e.FileName, &size, &e.MimeType, &total, &chunkSize, &e.SHA256, &crc32c, &createdMs, &accessedMs)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.FileSize = uint64(size)
	e.TotalChunks = uint32(total)
	e.ChunkSize = uint32(chunkSize)
	e.CRC32C = uint32(crc32c)
	e.CreatedAt = time.UnixMilli(createdMs)

	rows, err := tx.Query(`SELECT payload FROM chunks WHERE file_name = ? ORDER BY idx`, name)
	if err != nil {
		return Entry{}, false, err
	}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return Entry{}, false, err
		}
		e.Chunks = append(e.Chunks, payload)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Entry{}, false, err
	}
	rows.Close()

	if h := hash.Compute(e.Chunks); e.SHA256 != "" && h.SHA256 != e.SHA256 {
		return Entry{}, false, fmt.Errorf("chunkstore: entry %q digest mismatch", name)
	}

	nowMs := s.now().UnixMilli()
	if _, err := tx.Exec(`UPDATE files SET last_accessed_at = ? WHERE file_name = ?`, nowMs, name); err != nil {
		return Entry{}, false, err
	}
	e.LastAccessedAt = time.UnixMilli(nowMs)

	return e, true, tx.Commit()
}

// Delete removes an entry; deleting a missing name is not an error.
func (s *Store) Delete(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM chunks WHERE file_name = ?`, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE file_name = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT file_name FROM files ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	var oldest, newest sql.NullInt64
	err := s.db.QueryRow(`
SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM files
`).Scan(&st.Count, &oldest, &newest)
	if err != nil {
		return Stats{}, err
	}
	if oldest.Valid {
		st.OldestCreated = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		st.NewestCreated = time.UnixMilli(newest.Int64)
	}

	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(LENGTH(payload)) FROM chunks`).Scan(&total); err != nil {
		return Stats{}, err
	}
	if total.Valid {
		st.TotalBytes = total.Int64
	}
	return st, nil
}

// Evict applies the age rule first, then the count rule on whatever remains,
// dropping oldest-accessed entries until within limit. Returns how many
// entries were removed.
func (s *Store) Evict(p EvictPolicy) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	before, err := countTx(tx)
	if err != nil {
		return 0, err
	}
	if err := evictTx(tx, p, s.now().UnixMilli()); err != nil {
		return 0, err
	}
	after, err := countTx(tx)
	if err != nil {
		return 0, err
	}
	return before - after, tx.Commit()
}

func countTx(tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&n)
	return n, err
}

func evictTx(tx *sql.Tx, p EvictPolicy, nowMs int64) error {
	if p.MaxAge > 0 {
		cutoff := nowMs - p.MaxAge.Milliseconds()
		if _, err := tx.Exec(`
DELETE FROM chunks WHERE file_name IN (SELECT file_name FROM files WHERE last_accessed_at < ?)`, cutoff); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM files WHERE last_accessed_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if p.MaxEntries > 0 {
		n, err := countTx(tx)
		if err != nil {
			return err
		}
		if n > p.MaxEntries {
			if _, err := tx.Exec(`
DELETE FROM chunks WHERE file_name IN (
  SELECT file_name FROM files ORDER BY last_accessed_at ASC LIMIT ?
)`, n-p.MaxEntries); err != nil {
				return err
			}
			if _, err := tx.Exec(`
DELETE FROM files WHERE file_name IN (
  SELECT file_name FROM files ORDER BY last_accessed_at ASC LIMIT ?
)`, n-p.MaxEntries); err != nil {
				return err
			}
		}
	}
	return nil
}
