package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DefaultPageSize is the number of records per List page.
const DefaultPageSize = 100

// migrations run in order on databases whose user_version is below their
// position; user_version ends up at len(migrations).
var migrations = []struct {
	name string
	stmt string
}{
	{"index messages by queue", `CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages(queue, id)`},
	{"record previous fields of updates", `ALTER TABLE changes ADD COLUMN prev_fields TEXT`},
}

// Store is the authoritative record collection, backed by SQLite with WAL
// mode for concurrent reads. It implements remote.Collection.
type Store struct {
	db       *sql.DB
	feed     *feed
	pageSize int
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPageSize sets the number of records per List page.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open creates or opens the collection database at path and brings its
// schema up to date. Every connection runs in WAL mode with NORMAL
// synchronous writes and a 5s busy timeout.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer at a time; a single connection also keeps the feed
	// order equal to the commit order.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:       db,
		pageSize: DefaultPageSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.feed = newFeed(s.logger)
	return s, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + q.Encode()
}

// migrate applies the base schema, then every migration the database has
// not seen yet.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		m := migrations[i]
		if _, err := db.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, len(migrations))); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// Close ends every live subscription, then closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.feed.close()
	return s.db.Close()
}

// pragma returns the current value of a SQLite pragma.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow(`PRAGMA ` + name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}

// Subscribers returns the number of live change subscriptions.
func (s *Store) Subscribers() int {
	return s.feed.size()
}
