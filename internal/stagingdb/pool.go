// Package stagingdb manages per-graph staging databases: columnar scratch
// space where uploaded parquet files are materialized into typed tables
// before ingestion into the graph store.
package stagingdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	duckdb "github.com/marcboeker/go-duckdb/v2"

	"github.com/graphnode/graphnode/internal/pathsafe"
)

// ErrQueryFailed wraps staging SQL failures.
var ErrQueryFailed = errors.New("staging query failed")

// S3Options carries object-storage access for the staging engine's reads.
// When Endpoint is set the engine switches to path-style addressing, which
// the local emulators require.
type S3Options struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
}

// PoolOptions configures the staging pool.
type PoolOptions struct {
	BasePath string
	// MaxConnections bounds each staging database's connection count.
	MaxConnections int
	// Threads and MemoryLimit are applied per connection.
	Threads     int
	MemoryLimit string
	S3          S3Options
}

// Pool hands out database handles keyed by graph ID, creating the staging
// file on first use. Handles are cached for the process lifetime; staging
// files are only removed explicitly, never by age.
type Pool struct {
	opts PoolOptions
	log  *slog.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewPool creates a staging pool rooted at opts.BasePath.
func NewPool(opts PoolOptions, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 4
	}
	if opts.Threads <= 0 {
		opts.Threads = 4
	}
	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "2GB"
	}
	return &Pool{opts: opts, log: log, dbs: make(map[string]*sql.DB)}
}

// Path resolves a graph's staging database path.
func (p *Pool) Path(graphID string) (string, error) {
	return pathsafe.StagingPath(p.opts.BasePath, graphID)
}

// DB returns the staging database for a graph, opening it on first use.
func (p *Pool) DB(graphID string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.dbs[graphID]; ok {
		return db, nil
	}

	path, err := pathsafe.StagingPath(p.opts.BasePath, graphID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.opts.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	boot := p.bootSQL()
	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		for _, stmt := range boot {
			if _, err := execer.ExecContext(context.Background(), stmt, nil); err != nil {
				return fmt.Errorf("staging boot %q: %w", stmt, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("opening staging database for %s: %w", graphID, err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(p.opts.MaxConnections)
	db.SetMaxIdleConns(1)
	p.dbs[graphID] = db
	return db, nil
}

// bootSQL is executed on every new connection: object-storage extensions,
// credentials, and resource limits.
func (p *Pool) bootSQL() []string {
	stmts := []string{
		"INSTALL httpfs",
		"LOAD httpfs",
		"INSTALL parquet",
		"LOAD parquet",
		fmt.Sprintf("SET threads = %d", p.opts.Threads),
		fmt.Sprintf("SET memory_limit = '%s'", sqlEscape(p.opts.MemoryLimit)),
	}
	if s3 := p.opts.S3; s3.AccessKeyID != "" {
		// SET statements do not take bound parameters; everything
		// interpolated here is escaped.
		parts := []string{
			"TYPE S3",
			fmt.Sprintf("KEY_ID '%s'", sqlEscape(s3.AccessKeyID)),
			fmt.Sprintf("SECRET '%s'", sqlEscape(s3.SecretAccessKey)),
		}
		if s3.Region != "" {
			parts = append(parts, fmt.Sprintf("REGION '%s'", sqlEscape(s3.Region)))
		}
		if s3.Endpoint != "" {
			endpoint := strings.TrimPrefix(strings.TrimPrefix(s3.Endpoint, "https://"), "http://")
			parts = append(parts,
				fmt.Sprintf("ENDPOINT '%s'", sqlEscape(endpoint)),
				"URL_STYLE 'path'",
				"USE_SSL false")
		}
		stmts = append(stmts, fmt.Sprintf("CREATE OR REPLACE SECRET staging_s3 (%s)", strings.Join(parts, ", ")))
	}
	return stmts
}

// Checkpoint flushes the staging WAL into the database file. Required
// before the graph engine attaches the file read-only.
func (p *Pool) Checkpoint(ctx context.Context, graphID string) error {
	db, err := p.DB(graphID)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return fmt.Errorf("%w: checkpoint %s: %v", ErrQueryFailed, graphID, err)
	}
	return nil
}

// CloseDatabase drops the cached handle for a graph, closing its
// connections. The staging file stays on disk.
func (p *Pool) CloseDatabase(graphID string) error {
	p.mu.Lock()
	db, ok := p.dbs[graphID]
	delete(p.dbs, graphID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return db.Close()
}

// ForceCleanup closes the handle and removes the staging file and its WAL
// sibling. WAL removal failures are logged, not fatal.
func (p *Pool) ForceCleanup(graphID string) error {
	if err := p.CloseDatabase(graphID); err != nil {
		p.log.Warn("failed to close staging database", "graph", graphID, "error", err)
	}
	path, err := pathsafe.StagingPath(p.opts.BasePath, graphID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	if err := os.Remove(path + ".wal"); err != nil && !os.IsNotExist(err) {
		p.log.Warn("failed to remove staging wal", "graph", graphID, "error", err)
	}
	return nil
}

// Close shuts down every cached handle.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for graphID, db := range p.dbs {
		if err := db.Close(); err != nil {
			p.log.Warn("failed to close staging database", "graph", graphID, "error", err)
		}
	}
	p.dbs = make(map[string]*sql.DB)
}

// sqlEscape doubles single quotes for interpolation into statements that do
// not accept bound parameters.
func sqlEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
