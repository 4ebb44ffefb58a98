package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so that stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const (
	defaultConnectAttempts = 5
	defaultConnectBackoff  = 500 * time.Millisecond
)

// Options selects and tunes the backing database.
type Options struct {
	Driver          string // "sqlite" (default) or "postgres"
	DSN             string // postgres connection URL
	DataDir         string // sqlite data directory, or ":memory:"
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// Store wraps a SQL database with methods for scenarios, sessions, transcripts,
// evaluations, reference documents and the job queue.
type Store struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	return OpenWith(Options{Driver: DriverSQLite, DataDir: dataDir})
}

// OpenWith opens the database described by opts. The initial ping is retried
// with exponential backoff so a slow-starting database does not abort startup.
func OpenWith(opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var db *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(opts.DataDir)
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		db, err = sql.Open("pgx", opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := pingWithRetry(db, opts.ConnectAttempts, opts.ConnectBackoff); err != nil {
		db.Close()
		return nil, err
	}

	if driver == DriverSQLite {
		if err := tuneSQLite(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &Store{db: db, dialect: driver, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func openSQLite(dataDir string) (*sql.DB, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "ecosim.db")
	}
	return sql.Open("sqlite", dsn)
}

func tuneSQLite(db *sql.DB) error {
	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("setting journal mode: %w", err)
	}
	return nil
}

func pingWithRetry(db *sql.DB, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = defaultConnectAttempts
	}
	if backoff <= 0 {
		backoff = defaultConnectBackoff
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < attempts {
			slog.Warn("database not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("pinging database after %d attempts: %w", attempts, err)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the vector store, which shares the
// same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the configured driver name.
func (s *Store) Dialect() string {
	return s.dialect
}

// rebind rewrites '?' placeholders to '$n' for postgres. Queries in this
// package never contain a literal '?'.
func (s *Store) rebind(query string) string {
	return Rebind(s.dialect, query)
}

// Rebind rewrites '?' placeholders for the given dialect.
func Rebind(dialect, query string) string {
	if dialect != DriverPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	dir := "migrations/" + s.dialect
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM schema_version WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec(s.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), version, formatTime(s.now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// FormatTime exposes the storage timestamp encoding to sibling packages that
// share the database (the vector store).
func FormatTime(t time.Time) string {
	return formatTime(t)
}

// ParseTime decodes a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return parseTime(s)
}
