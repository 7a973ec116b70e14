// Package storage implements the SQL storage adapter.
//
// One database holds everything. The five branch-participating entities get
// one physical table per branch, named <entity>_<branch_slug>; the root
// branch uses the bare entity name. All other entities live in single
// tables. JSON-valued columns are stored as text so row-level diff works
// identically across dialects.
//
// Branch and snapshot DDL cannot run inside an open transaction, so the
// adapter keeps a dedicated autocommit connection; DDL serializes on it.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
)

// SQL is the storage adapter over database/sql.
type SQL struct {
	db          *sql.DB
	dialect     string
	rootBranch  string
	fulltext    bool
	sqlitePath  string

	// ddlMu serializes DDL on the autocommit connection.
	ddlMu   sync.Mutex
	ddlConn *sql.Conn
}

// Options configures the adapter.
type Options struct {
	// Dialect is one of "sqlite", "postgres", "mysql".
	Dialect string

	// DSN is the driver connection string.
	DSN string

	// RootBranch uses bare table names. Default "main".
	RootBranch string

	// MaxConns bounds the pool. Default 10.
	MaxConns int
}

// Open connects, initializes the schema and claims the autocommit channel.
func Open(ctx context.Context, opts Options) (*SQL, error) {
	switch opts.Dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", opts.Dialect)
	}
	if opts.RootBranch == "" {
		opts.RootBranch = "main"
	}
	if opts.MaxConns == 0 {
		opts.MaxConns = 10
	}

	driverName := opts.Dialect
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	dsn := opts.DSN
	sqlitePath := ""
	if opts.Dialect == "sqlite" {
		if dsn == "" {
			dsn = ":memory:"
		}
		if dsn != ":memory:" {
			sqlitePath = dsn
		}
		// Shared cache keeps the in-memory database visible across pool
		// connections; busy_timeout smooths writer contention.
		dsn = "file:" + dsn + "?cache=shared&_busy_timeout=5000&_journal_mode=WAL&_fk=on"
		if opts.DSN == ":memory:" || opts.DSN == "" {
			dsn = "file:memtree?mode=memory&cache=shared&_busy_timeout=5000"
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(opts.MaxConns)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.open", err)
	}

	s := &SQL{
		db:         db,
		dialect:    opts.Dialect,
		rootBranch: opts.RootBranch,
		sqlitePath: sqlitePath,
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, memerr.Wrap(memerr.KindBackendUnavailable, "storage.open", err)
	}
	s.ddlConn = conn

	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.probeFulltext(ctx)

	slog.Info("Storage ready",
		"dialect", s.dialect,
		"root_branch", s.rootBranch,
		"fulltext", s.fulltext)
	return s, nil
}

// Close releases the autocommit channel and the pool.
func (s *SQL) Close() error {
	s.ddlMu.Lock()
	if s.ddlConn != nil {
		s.ddlConn.Close()
		s.ddlConn = nil
	}
	s.ddlMu.Unlock()
	return s.db.Close()
}

// Dialect returns the active SQL dialect.
func (s *SQL) Dialect() string { return s.dialect }

// RootBranch returns the branch whose tables use bare names.
func (s *SQL) RootBranch() string { return s.rootBranch }

// FulltextAvailable reports whether BM25 fulltext ranking is active.
func (s *SQL) FulltextAvailable() bool { return s.fulltext }

// SupportsAsOf reports whether the backend evaluates reads as of a past
// timestamp natively. None of the SQL dialects here do; time-travel
// reconstructs from created_at filters and snapshots instead.
func (s *SQL) SupportsAsOf() bool { return false }

// TableFor resolves the physical table of an entity on a branch.
// The root branch uses the bare entity name.
func (s *SQL) TableFor(entity, branch string) string {
	if branch == "" || branch == s.rootBranch {
		return entity
	}
	return entity + "_" + model.BranchSlug(branch)
}

// ExecDDL runs statements on the autocommit channel, outside any
// transaction. Statements serialize on the channel.
func (s *SQL) ExecDDL(ctx context.Context, stmts ...string) error {
	s.ddlMu.Lock()
	defer s.ddlMu.Unlock()

	if s.ddlConn == nil {
		return memerr.New(memerr.KindFatal, "storage.ddl", "autocommit channel closed")
	}
	for _, stmt := range stmts {
		if _, err := s.ddlConn.ExecContext(ctx, stmt); err != nil {
			return memerr.Wrap(memerr.KindBackendUnavailable, "storage.ddl", fmt.Errorf("%s: %w", firstWords(stmt), err))
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *SQL) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.tx", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return memerr.Wrap(memerr.KindBackendUnavailable, "storage.tx", err)
	}
	return nil
}

// DB exposes the pool for read paths that manage their own statements.
func (s *SQL) DB() *sql.DB { return s.db }

// rebind converts "?" parameter markers to the dialect's style.
// Queries in this package are written with "?".
func (s *SQL) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b = append(b, fmt.Sprintf("$%d", n)...)
			continue
		}
		b = append(b, query[i])
	}
	return string(b)
}

// placeholders renders n comma-separated "?" markers.
func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func firstWords(stmt string) string {
	const limit = 48
	if len(stmt) > limit {
		return stmt[:limit] + "..."
	}
	return stmt
}
