package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/stridegate/stridegate/internal/domain"
)

const storeDBName = "stridegate.db"

// EncryptedStore implements domain.KeyValueStore and domain.HistoryStore on
// a SQLCipher encrypted SQLite database. The ledger, schedule and session
// slots plus the unlock history live in one file, so a curious user cannot
// hand-edit their own balance.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStore opens (or creates) the encrypted database. The key is
// used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dataDir string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Verify the key actually decrypts the file.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *EncryptedStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS unlock_history (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		duration_minutes INTEGER NOT NULL,
		cost_minutes INTEGER NOT NULL,
		app_label TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_unlock_history_ts ON unlock_history(ts DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- domain.KeyValueStore implementation ---

// Get returns the stored bytes, or ErrKeyNotFound.
func (s *EncryptedStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, domain.ErrKeyNotFound
	}
	return value, err
}

// Set overwrites the value under key.
func (s *EncryptedStore) Set(key string, value []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Unix())
	return err
}

// --- domain.HistoryStore implementation ---

// Append records a purchased unlock. Append-only; the state machine never
// reads this back.
func (s *EncryptedStore) Append(entry domain.UnlockHistoryEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO unlock_history (id, ts, duration_minutes, cost_minutes, app_label)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.Unix(), entry.DurationMinutes, entry.CostInMinutes, entry.AppLabel,
	)
	return err
}

// List returns the most recent entries, newest first.
func (s *EncryptedStore) List(limit int) ([]domain.UnlockHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, ts, duration_minutes, cost_minutes, app_label
		FROM unlock_history ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.UnlockHistoryEntry
	for rows.Next() {
		var entry domain.UnlockHistoryEntry
		var ts int64
		if err := rows.Scan(&entry.ID, &ts, &entry.DurationMinutes, &entry.CostInMinutes, &entry.AppLabel); err != nil {
			return nil, err
		}
		entry.Timestamp = time.Unix(ts, 0).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Path returns the database file path.
func (s *EncryptedStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ domain.KeyValueStore = (*EncryptedStore)(nil)
var _ domain.HistoryStore = (*EncryptedStore)(nil)
