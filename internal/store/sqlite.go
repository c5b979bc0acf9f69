package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/shepherderr"
)

// Ensure the sqlcipher driver is linked and registered under "sqlite3".
var _ = sqlcipher.ErrBusy

const (
	dbFileName  = "shepherdd.db"
	keyFileName = ".store.key"
	keySize     = 32
)

// SQLiteStore is the production Store implementation: a single SQLCipher
// encrypted database file with one writer serialized by a mutex, matching
// the original's Mutex<Connection> discipline.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// OpenSQLiteStore opens (creating if necessary) the encrypted store under
// dataDir, generating a local encryption key on first run.
func OpenSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", shepherderr.ErrStore, err)
	}

	key, err := ensureStoreKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shepherderr.ErrStore, err)
	}

	dbPath := filepath.Join(dataDir, dbFileName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
		dbPath, hex.EncodeToString(key))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", shepherderr.ErrStore, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect to encrypted database: %v", shepherderr.ErrStore, err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", shepherderr.ErrStore, err)
	}
	return s, nil
}

// OpenInMemorySQLiteStore opens an unencrypted in-memory store, for tests.
func OpenInMemorySQLiteStore() (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("%w: open in-memory database: %v", shepherderr.ErrStore, err)
	}
	s := &SQLiteStore{db: db, dbPath: ":memory:"}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage (
		entry_id TEXT NOT NULL,
		day TEXT NOT NULL,
		duration_secs INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (entry_id, day)
	);

	CREATE TABLE IF NOT EXISTS cooldowns (
		entry_id TEXT PRIMARY KEY,
		until TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		snapshot_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_day ON usage(day);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, eventType AuditEventType, payload map[string]any) (AuditRecord, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("%w: marshal audit payload: %v", shepherderr.ErrStore, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, event_type, payload_json) VALUES (?, ?, ?)`,
		now.Format(time.RFC3339Nano), string(eventType), string(payloadJSON))
	if err != nil {
		return AuditRecord{}, fmt.Errorf("%w: append audit: %v", shepherderr.ErrStore, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return AuditRecord{}, fmt.Errorf("%w: read audit seq: %v", shepherderr.ErrStore, err)
	}

	return AuditRecord{Seq: seq, Timestamp: now, EventType: eventType, Payload: payload}, nil
}

func (s *SQLiteStore) RecentAudits(ctx context.Context, limit int) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, timestamp, event_type, payload_json FROM audit_log ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query audits: %v", shepherderr.ErrStore, err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var tsStr, payloadJSON, eventType string
		if err := rows.Scan(&rec.Seq, &tsStr, &eventType, &payloadJSON); err != nil {
			return nil, fmt.Errorf("%w: scan audit row: %v", shepherderr.ErrStore, err)
		}
		rec.EventType = AuditEventType(eventType)
		if ts, err := time.Parse(time.RFC3339Nano, tsStr); err == nil {
			rec.Timestamp = ts
		}
		if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
			return nil, fmt.Errorf("%w: unmarshal audit payload: %v", shepherderr.ErrStore, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) GetUsage(ctx context.Context, entry ids.EntryID, day time.Time) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var secs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT duration_secs FROM usage WHERE entry_id = ? AND day = ?`,
		entry.String(), dayKey(day)).Scan(&secs)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get usage: %v", shepherderr.ErrStore, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func (s *SQLiteStore) AddUsage(ctx context.Context, entry ids.EntryID, day time.Time, dur time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (entry_id, day, duration_secs)
		VALUES (?, ?, ?)
		ON CONFLICT(entry_id, day) DO UPDATE SET duration_secs = duration_secs + excluded.duration_secs
	`, entry.String(), dayKey(day), int64(dur.Seconds()))
	if err != nil {
		return fmt.Errorf("%w: add usage: %v", shepherderr.ErrStore, err)
	}
	return nil
}

func (s *SQLiteStore) GetCooldownUntil(ctx context.Context, entry ids.EntryID) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var untilStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT until FROM cooldowns WHERE entry_id = ?`, entry.String()).Scan(&untilStr)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: get cooldown: %v", shepherderr.ErrStore, err)
	}
	until, err := time.Parse(time.RFC3339Nano, untilStr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: parse cooldown timestamp: %v", shepherderr.ErrStore, err)
	}
	return until, true, nil
}

func (s *SQLiteStore) SetCooldownUntil(ctx context.Context, entry ids.EntryID, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (entry_id, until)
		VALUES (?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET until = excluded.until
	`, entry.String(), until.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: set cooldown: %v", shepherderr.ErrStore, err)
	}
	return nil
}

func (s *SQLiteStore) ClearCooldown(ctx context.Context, entry ids.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE entry_id = ?`, entry.String())
	if err != nil {
		return fmt.Errorf("%w: clear cooldown: %v", shepherderr.ErrStore, err)
	}
	return nil
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (StateSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payloadJSON string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM snapshot WHERE id = 1`).Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return StateSnapshot{}, false, nil
	}
	if err != nil {
		return StateSnapshot{}, false, fmt.Errorf("%w: load snapshot: %v", shepherderr.ErrStore, err)
	}

	var snap StateSnapshot
	if err := json.Unmarshal([]byte(payloadJSON), &snap); err != nil {
		return StateSnapshot{}, false, fmt.Errorf("%w: unmarshal snapshot: %v", shepherderr.ErrStore, err)
	}
	return snap, true, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap StateSnapshot) error {
	payloadJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot: %v", shepherderr.ErrStore, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshot (id, snapshot_json) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot_json = excluded.snapshot_json
	`, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("%w: save snapshot: %v", shepherderr.ErrStore, err)
	}
	return nil
}

func (s *SQLiteStore) IsHealthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
	return err == nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func dayKey(day time.Time) string {
	return day.Format("2006-01-02")
}

// ensureStoreKey reads the local encryption key from dataDir, generating
// and persisting a fresh one on first run. The key lives in a 0600 file
// next to the database, following the same local-key-file strategy the
// donor codebase uses for its own encrypted registry.
func ensureStoreKey(dataDir string) ([]byte, error) {
	keyPath := filepath.Join(dataDir, keyFileName)

	if existing, err := os.ReadFile(keyPath); err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(string(existing))
		if decodeErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("invalid store key file %s", keyPath)
		}
		return key, nil
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate store key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("write store key: %w", err)
	}
	return key, nil
}

var _ Store = (*SQLiteStore)(nil)
