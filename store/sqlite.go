package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/john/flashforge_link/printer"
)

const sqliteDriverName = "sqlite"

const schemaPrinters = `
CREATE TABLE IF NOT EXISTS printers (
    serial TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    ip TEXT NOT NULL,
    pairing_code TEXT NOT NULL DEFAULT '',
    protocol TEXT NOT NULL DEFAULT '',
    last_connected TIMESTAMP NOT NULL
);
`

const schemaLastIndex = `
CREATE INDEX IF NOT EXISTS printers_last_connected ON printers (last_connected);
`

// An empty incoming pairing code keeps the stored one.
const upsertPrinterSQL = `
INSERT INTO printers (serial, name, ip, pairing_code, protocol, last_connected)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(serial) DO UPDATE SET
    name = excluded.name,
    ip = excluded.ip,
    pairing_code = CASE WHEN excluded.pairing_code = '' THEN printers.pairing_code ELSE excluded.pairing_code END,
    protocol = excluded.protocol,
    last_connected = excluded.last_connected
`

const selectPrinterColumns = `SELECT serial, name, ip, pairing_code, protocol, last_connected FROM printers`

// InitDB opens or creates the SQLite file at path and ensures the schema.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range []string{schemaPrinters, schemaLastIndex} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}

// SQLite stores records in a printers table keyed by serial.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (printer.SavedRecord, error) {
	var (
		rec   printer.SavedRecord
		proto string
	)
	if err := row.Scan(&rec.Serial, &rec.Name, &rec.IP, &rec.PairingCode, &proto, &rec.LastConnected); err != nil {
		return printer.SavedRecord{}, err
	}
	rec.Protocol = printer.Protocol(proto)
	rec.LastConnected = rec.LastConnected.UTC()
	return rec, nil
}

func (s *SQLite) one(ctx context.Context, query string, args ...any) (*printer.SavedRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load printer record: %w", err)
	}
	return &rec, nil
}

// Get returns the record for serial, or nil.
func (s *SQLite) Get(ctx context.Context, serial string) (*printer.SavedRecord, error) {
	return s.one(ctx, selectPrinterColumns+` WHERE serial = ?`, serial)
}

// Last returns the most recently connected record, or nil.
func (s *SQLite) Last(ctx context.Context) (*printer.SavedRecord, error) {
	return s.one(ctx, selectPrinterColumns+` ORDER BY last_connected DESC LIMIT 1`)
}

// Put upserts rec. A zero LastConnected is stamped with the current UTC time.
func (s *SQLite) Put(ctx context.Context, rec printer.SavedRecord) error {
	if rec.Serial == "" {
		return errors.New("record has no serial")
	}
	at := rec.LastConnected.UTC()
	if rec.LastConnected.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, upsertPrinterSQL,
		rec.Serial, rec.Name, rec.IP, rec.PairingCode, string(rec.Protocol), at)
	if err != nil {
		return fmt.Errorf("save printer record %s: %w", rec.Serial, err)
	}
	return nil
}

// List returns every record, most recently connected first.
func (s *SQLite) List(ctx context.Context) ([]printer.SavedRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectPrinterColumns+` ORDER BY last_connected DESC`)
	if err != nil {
		return nil, fmt.Errorf("list printer records: %w", err)
	}
	defer rows.Close()

	var out []printer.SavedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan printer record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete forgets serial.
func (s *SQLite) Delete(ctx context.Context, serial string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM printers WHERE serial = ?`, serial); err != nil {
		return fmt.Errorf("delete printer record %s: %w", serial, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
