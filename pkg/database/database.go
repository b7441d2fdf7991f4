package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrGroupLogNotFound indicates a message was appended to an unknown group stream.
	ErrGroupLogNotFound = errors.New("group log not found")
)

// DB wraps the SQLite audit log store
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// LogEntry is one record of a direct or group message stream
type LogEntry struct {
	Seq       int64
	Timestamp time.Time
	Sender    string
	Recipient string // empty for group streams
	Content   string
}

// ActiveUserRecord is one row of the active user log
type ActiveUserRecord struct {
	Seq      int64 // 1-based position in the log
	LoggedAt time.Time
	Username string
	Address  string
	UDPPort  int
}

// GroupHeader is position 0 of a group stream
type GroupHeader struct {
	Name      string
	Members   []string
	CreatedAt time.Time
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func openConn(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return conn, nil
}

// Open opens the SQLite database at the given path and applies migrations.
// Sequence numbers are assigned on the single write connection, so appends
// from concurrent sessions are serialized.
func Open(path string) (*DB, error) {
	conn, err := openConn(path, 8)
	if err != nil {
		return nil, err
	}

	writeConn, err := openConn(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

// Close closes the database connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// AddActiveUser appends a row to the active user log and returns its position
func (db *DB) AddActiveUser(loggedAt time.Time, username, address string, udpPort int) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO ActiveUser (logged_at, username, address, udp_port) VALUES (?, ?, ?, ?)",
		loggedAt.UnixMilli(), username, address, udpPort,
	); err != nil {
		return 0, fmt.Errorf("failed to insert active user: %w", err)
	}

	var position int64
	if err := tx.QueryRow("SELECT COUNT(*) FROM ActiveUser").Scan(&position); err != nil {
		return 0, err
	}

	return position, tx.Commit()
}

// RemoveActiveUser deletes a user's rows from the active user log. Later
// rows move up one position each. Removing an absent user is a no-op.
func (db *DB) RemoveActiveUser(username string) (int64, error) {
	res, err := db.writeConn.Exec("DELETE FROM ActiveUser WHERE username = ?", username)
	if err != nil {
		return 0, fmt.Errorf("failed to remove active user: %w", err)
	}
	return res.RowsAffected()
}

// ListActiveUsers returns the active user log in order
func (db *DB) ListActiveUsers() ([]ActiveUserRecord, error) {
	rows, err := db.conn.Query("SELECT logged_at, username, address, udp_port FROM ActiveUser ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ActiveUserRecord
	for rows.Next() {
		var r ActiveUserRecord
		var loggedAt int64
		if err := rows.Scan(&loggedAt, &r.Username, &r.Address, &r.UDPPort); err != nil {
			return nil, err
		}
		r.Seq = int64(len(records) + 1)
		r.LoggedAt = time.UnixMilli(loggedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// AppendDirectMessage appends to the direct message stream and returns the
// new sequence number (prior entry count + 1)
func (db *DB) AppendDirectMessage(ts time.Time, sender, recipient, content string) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow("SELECT COUNT(*) + 1 FROM DirectMessage").Scan(&seq); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(
		"INSERT INTO DirectMessage (seq, created_at, sender, recipient, content) VALUES (?, ?, ?, ?, ?)",
		seq, ts.UnixMilli(), sender, recipient, content,
	); err != nil {
		return 0, fmt.Errorf("failed to append direct message: %w", err)
	}

	return seq, tx.Commit()
}

// ListDirectMessages returns the direct message stream in sequence order
func (db *DB) ListDirectMessages() ([]LogEntry, error) {
	rows, err := db.conn.Query("SELECT seq, created_at, sender, recipient, content FROM DirectMessage ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var createdAt int64
		if err := rows.Scan(&e.Seq, &createdAt, &e.Sender, &e.Recipient, &e.Content); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateGroupLog starts a new group stream with its header record. A stream
// left behind under the same name by an earlier server run is kept but no
// longer current.
func (db *DB) CreateGroupLog(name string, members []string, ts time.Time) error {
	_, err := db.writeConn.Exec(
		"INSERT INTO GroupLog (name, members, created_at) VALUES (?, ?, ?)",
		name, strings.Join(members, " "), ts.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create group log: %w", err)
	}
	return nil
}

const currentGroupLog = "SELECT id FROM GroupLog WHERE name = ? ORDER BY id DESC LIMIT 1"

// GetGroupLog returns the header record of the current stream for a group
func (db *DB) GetGroupLog(name string) (*GroupHeader, error) {
	var members string
	var createdAt int64
	err := db.conn.QueryRow(
		"SELECT members, created_at FROM GroupLog WHERE name = ? ORDER BY id DESC LIMIT 1", name,
	).Scan(&members, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupLogNotFound
	}
	if err != nil {
		return nil, err
	}
	return &GroupHeader{
		Name:      name,
		Members:   strings.Fields(members),
		CreatedAt: time.UnixMilli(createdAt),
	}, nil
}

// AppendGroupMessage appends to the current stream of a group. The header
// occupies position 0, so the first message gets sequence number 1.
func (db *DB) AppendGroupMessage(group string, ts time.Time, sender, content string) (int64, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var logID int64
	err = tx.QueryRow(currentGroupLog, group).Scan(&logID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrGroupLogNotFound
	}
	if err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRow("SELECT COUNT(*) + 1 FROM GroupMessage WHERE log_id = ?", logID).Scan(&seq); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(
		"INSERT INTO GroupMessage (log_id, seq, created_at, sender, content) VALUES (?, ?, ?, ?, ?)",
		logID, seq, ts.UnixMilli(), sender, content,
	); err != nil {
		return 0, fmt.Errorf("failed to append group message: %w", err)
	}

	return seq, tx.Commit()
}

// ListGroupMessages returns the current stream of a group (without its
// header) in sequence order
func (db *DB) ListGroupMessages(group string) ([]LogEntry, error) {
	rows, err := db.conn.Query(
		"SELECT seq, created_at, sender, content FROM GroupMessage WHERE log_id = ("+currentGroupLog+") ORDER BY seq",
		group,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var createdAt int64
		if err := rows.Scan(&e.Seq, &createdAt, &e.Sender, &e.Content); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear deletes every audit record. Used on graceful shutdown.
func (db *DB) Clear() error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"GroupMessage", "GroupLog", "DirectMessage", "ActiveUser"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
