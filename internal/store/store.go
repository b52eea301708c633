// Package store implements the local authoritative record store and the lookup collaborator that
// resolves raw queries against it.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Record is a single authoritative resource record row. Type is the textual record type ("A",
// "AAAA", "MX", ...); Value is the type-specific RDATA in presentation format.
type Record struct {
	Name  string
	Type  string
	Value string
	TTL   uint32
}

// Store wraps the SQLite database holding local records. It is safe for concurrent readers; the
// record set is effectively read-only while serving.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the record database at the specified path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: error opening record database: err=%v", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		name  TEXT    NOT NULL,
		type  TEXT    NOT NULL,
		value TEXT    NOT NULL,
		ttl   INTEGER NOT NULL DEFAULT 300
	);
	CREATE INDEX IF NOT EXISTS idx_records_name_type ON records (name, type);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: error creating record schema: err=%v", err)
	}

	return &Store{db}, nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Find returns all records exactly matching a fully qualified, lowercased name and a textual
// record type.
func (s *Store) Find(name string, recordType string) ([]Record, error) {
	rows, err := s.db.Query(
		"SELECT name, type, value, ttl FROM records WHERE name = ? AND type = ?",
		name,
		recordType,
	)
	if err != nil {
		return nil, fmt.Errorf("store: error querying records: err=%v", err)
	}
	defer rows.Close()

	var records []Record

	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.Name, &record.Type, &record.Value, &record.TTL); err != nil {
			return nil, fmt.Errorf("store: error scanning record row: err=%v", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating record rows: err=%v", err)
	}

	return records, nil
}

// Add inserts a single record. It exists for seeding and tests; the serving path never writes.
func (s *Store) Add(record Record) error {
	_, err := s.db.Exec(
		"INSERT INTO records (name, type, value, ttl) VALUES (?, ?, ?, ?)",
		record.Name,
		record.Type,
		record.Value,
		record.TTL,
	)
	if err != nil {
		return fmt.Errorf("store: error inserting record: err=%v", err)
	}

	return nil
}
