package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a durable Store backed by one SQLite file. Subscriptions are
// served in-process; other hosts reach it through the relay.
type SQLite struct {
	db   *sql.DB
	path string
	hub  *hub
	now  func() time.Time

	mu     sync.Mutex
	closed bool
}

// OpenSQLite opens or creates the store database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps the write mutex and the pragmas authoritative.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			data       TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS documents_by_collection ON documents (collection, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &SQLite{db: db, path: path, hub: newHub(), now: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) NewID() string { return uuid.NewString() }

func (s *SQLite) Add(ctx context.Context, collection string, data Data) (string, error) {
	id := s.NewID()
	if err := s.Set(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) Set(ctx context.Context, collection, id string, data Data) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: empty document id", ErrInvalidQuery)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := s.now().UnixMilli()
	prepared, err := prepare(data, now)
	if err != nil {
		return err
	}
	if err := s.writeLocked(ctx, collection, id, prepared, now); err != nil {
		return err
	}
	return s.notifyLocked(ctx, collection)
}

func (s *SQLite) Update(ctx context.Context, collection, id string, fields Data) error {
	return s.update(ctx, collection, id, nil, fields)
}

func (s *SQLite) UpdateIf(ctx context.Context, collection, id string, g Guard, fields Data) error {
	return s.update(ctx, collection, id, &g, fields)
}

func (s *SQLite) update(ctx context.Context, collection, id string, guard *Guard, fields Data) error {
	if err := validCollection(collection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cur, err := s.getLocked(ctx, collection, id)
	if err != nil {
		return err
	}
	if guard != nil {
		if err := guard.check(collection, id, cur.Data); err != nil {
			return err
		}
	}
	now := s.now().UnixMilli()
	prepared, err := prepare(fields, now)
	if err != nil {
		return err
	}
	for k, v := range prepared {
		cur.Data[k] = v
	}
	if err := s.writeLocked(ctx, collection, id, cur.Data, now); err != nil {
		return err
	}
	return s.notifyLocked(ctx, collection)
}

func (s *SQLite) writeLocked(ctx context.Context, collection, id string, data Data, now int64) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, seq, data, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM documents), ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, collection, id, string(b), now)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return s.notifyLocked(ctx, collection)
}

func (s *SQLite) Get(ctx context.Context, collection, id string) (*Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.getLocked(ctx, collection, id)
}

func (s *SQLite) getLocked(ctx context.Context, collection, id string) (*Doc, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	d := &Doc{ID: id, Collection: collection}
	if err := json.Unmarshal([]byte(raw), &d.Data); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	if d.Data == nil {
		d.Data = Data{}
	}
	return d, nil
}

func (s *SQLite) Query(ctx context.Context, q Query) ([]*Doc, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	all, err := s.loadLocked(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	return q.apply(all), nil
}

// loadLocked reads a whole collection in insertion order.
func (s *SQLite) loadLocked(ctx context.Context, collection string) ([]*Doc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	defer rows.Close()

	var out []*Doc
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		d := &Doc{ID: id, Collection: collection}
		if err := json.Unmarshal([]byte(raw), &d.Data); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		if d.Data == nil {
			d.Data = Data{}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) Subscribe(q Query) (<-chan Snapshot, func(), error) {
	if err := q.validate(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}

	all, err := s.loadLocked(context.Background(), q.Collection)
	if err != nil {
		return nil, nil, err
	}
	f := newFeed(q)
	cancel := s.hub.add(f)
	f.publish(q.apply(all), true)
	return f.out, cancel, nil
}

func (s *SQLite) notifyLocked(ctx context.Context, collection string) error {
	feeds := s.hub.watching(collection)
	if len(feeds) == 0 {
		return nil
	}
	// The write already committed; a failed reload only delays subscribers.
	all, err := s.loadLocked(context.WithoutCancel(ctx), collection)
	if err != nil {
		return fmt.Errorf("notify %s: %w", collection, err)
	}
	for _, f := range feeds {
		f.publish(f.query.apply(all), false)
	}
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.closeAll()
	return s.db.Close()
}
