package checkpoint

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// SQLiteStore persists checkpoints in sqlite, one row per thread,
// state gzip-compressed.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store, running migrations as needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS thread_checkpoints (
			thread_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			snapshot_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			message_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_thread_checkpoints_updated
			ON thread_checkpoints(updated_at DESC);
	`)
	return err
}

// Load returns the checkpoint for a thread, or nil if none exists.
func (s *SQLiteStore) Load(threadID string) (*Checkpoint, error) {
	var compressed []byte
	err := s.db.QueryRow(`
		SELECT snapshot_gz FROM thread_checkpoints WHERE thread_id = ?
	`, threadID).Scan(&compressed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

// Save atomically replaces the checkpoint row for cp.ThreadID.
func (s *SQLiteStore) Save(cp *Checkpoint) error {
	now := time.Now().UTC()
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	compressed := buf.Bytes()

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO thread_checkpoints
			(thread_id, state, created_at, updated_at, snapshot_gz, byte_size, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cp.ThreadID, cp.State,
		cp.CreatedAt.Format(time.RFC3339), cp.UpdatedAt.Format(time.RFC3339),
		compressed, len(compressed), len(cp.Messages))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ThreadID, err)
	}
	return nil
}

// Threads lists saved thread IDs, most recently updated first.
func (s *SQLiteStore) Threads() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT thread_id FROM thread_checkpoints ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MemoryStore is an in-memory Store for tests. Snapshots round-trip
// through JSON so tests catch serialization mistakes a map copy would
// hide.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	order map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
		order: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Load(threadID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.blobs[threadID]
	if !ok {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *MemoryStore) Save(cp *Checkpoint) error {
	now := time.Now().UTC()
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[cp.ThreadID] = raw
	m.order[cp.ThreadID] = now
	return nil
}

func (m *MemoryStore) Threads() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.blobs))
	for id := range m.blobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.order[ids[i]].After(m.order[ids[j]])
	})
	return ids, nil
}
