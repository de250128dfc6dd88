// Package graphdb manages the lifecycle of many embedded graph databases on
// one node: per-database connection pools, schema materialization, health
// supervision, and capacity accounting.
package graphdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	kuzu "github.com/kuzudb/go-kuzu"

	"github.com/graphnode/graphnode/internal/pathsafe"
)

// ErrConnectionFailure is returned when the pool cannot open or probe a
// database.
var ErrConnectionFailure = errors.New("connection failure")

// PoolOptions configures a connection pool.
type PoolOptions struct {
	BasePath            string
	MaxConnectionsPerDB int
	ConnectionTTL       time.Duration
	CleanupInterval     time.Duration
	HealthCheckInterval time.Duration
	BufferPoolBytes     uint64
	// CheckpointThreshold resolves the per-database checkpoint threshold;
	// the well-known large shared database runs a tighter threshold than
	// the rest.
	CheckpointThreshold func(graphID string) uint64
}

// Conn is one pooled connection to a graph database.
type Conn struct {
	conn      engineConn
	graphID   string
	createdAt time.Time
	lastUsed  time.Time
	useCount  int
	healthy   bool
	inUse     bool
}

// Query runs a Cypher statement on the pooled connection.
func (c *Conn) Query(query string) (*kuzu.QueryResult, error) {
	return c.conn.Query(query)
}

// Execute runs a prepared Cypher statement with bound parameters.
func (c *Conn) Execute(query string, params map[string]any) (*kuzu.QueryResult, error) {
	stmt, err := c.conn.Prepare(query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	return c.conn.Execute(stmt, params)
}

// dbPool holds the shared database handle and the connections for one
// graph. All mutation happens under mu; distinct graphs never contend.
type dbPool struct {
	graphID  string
	readOnly bool
	db       engineDB
	conns    []*Conn
}

// Pool is the pool-of-pools keyed by graph ID.
type Pool struct {
	opts PoolOptions
	log  *slog.Logger

	mu          keyedMutex // per-graph locks plus the global pools lock
	lastCleanup time.Time
	lastHealth  time.Time
}

// NewPool creates a connection pool rooted at opts.BasePath.
func NewPool(opts PoolOptions, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxConnectionsPerDB <= 0 {
		opts.MaxConnectionsPerDB = 5
	}
	if opts.ConnectionTTL <= 0 {
		opts.ConnectionTTL = 30 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 10 * time.Minute
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 5 * time.Minute
	}
	if opts.CheckpointThreshold == nil {
		threshold := uint64(512 << 20)
		opts.CheckpointThreshold = func(string) uint64 { return threshold }
	}
	now := time.Now()
	return &Pool{
		opts:        opts,
		log:         log,
		mu:          newKeyedMutex(),
		lastCleanup: now,
		lastHealth:  now,
	}
}

// Lease is a scoped connection acquisition. Release returns the connection
// to the pool for reuse; it never closes it.
type Lease struct {
	pool *Pool
	conn *Conn
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Conn { return l.conn }

// Release returns the connection to its pool. Safe to call once on every
// exit path; subsequent calls are no-ops.
func (l *Lease) Release() {
	if l.conn == nil {
		return
	}
	conn := l.conn
	l.conn = nil
	l.pool.mu.withKey(conn.graphID, func(p *dbPool) {
		conn.inUse = false
		conn.lastUsed = time.Now()
	})
}

// Acquire hands out a connection for the graph, creating the database
// handle and connection as needed. The caller must Release the lease on all
// exit paths.
func (p *Pool) Acquire(ctx context.Context, graphID string, readOnly bool) (*Lease, error) {
	if err := pathsafe.ValidateGraphID(graphID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.maybeMaintain()

	var lease *Lease
	var acquireErr error
	p.mu.withKey(graphID, func(dp *dbPool) {
		now := time.Now()

		// Least-recently-used healthy connection whose TTL has not expired.
		var pick *Conn
		for _, c := range dp.conns {
			if c.inUse || !c.healthy || now.Sub(c.createdAt) >= p.opts.ConnectionTTL {
				continue
			}
			if pick == nil || c.lastUsed.Before(pick.lastUsed) {
				pick = c
			}
		}
		if pick == nil {
			pick, acquireErr = p.addConnLocked(dp, graphID, readOnly, now)
			if acquireErr != nil {
				return
			}
		}
		pick.inUse = true
		pick.useCount++
		pick.lastUsed = now
		lease = &Lease{pool: p, conn: pick}
	})
	if acquireErr != nil {
		return nil, acquireErr
	}
	return lease, nil
}

// addConnLocked opens a new connection under the per-graph lock, evicting
// the oldest connection when the per-database cap would be exceeded.
func (p *Pool) addConnLocked(dp *dbPool, graphID string, readOnly bool, now time.Time) (*Conn, error) {
	if dp.db == nil {
		db, err := p.openDatabase(graphID, readOnly)
		if err != nil {
			return nil, err
		}
		dp.db = db
		dp.readOnly = readOnly
	}

	if len(dp.conns) >= p.opts.MaxConnectionsPerDB {
		oldest := -1
		for i, c := range dp.conns {
			if c.inUse {
				continue
			}
			if oldest < 0 || c.createdAt.Before(dp.conns[oldest].createdAt) {
				oldest = i
			}
		}
		if oldest < 0 {
			return nil, fmt.Errorf("%w: all %d connections for %s are in use",
				ErrConnectionFailure, p.opts.MaxConnectionsPerDB, graphID)
		}
		dp.conns[oldest].conn.Close()
		dp.conns = append(dp.conns[:oldest], dp.conns[oldest+1:]...)
	}

	conn, err := kuzuOpenConnection(dp.db)
	if err != nil {
		return nil, fmt.Errorf("%w: opening connection for %s: %v", ErrConnectionFailure, graphID, err)
	}
	c := &Conn{
		conn:      conn,
		graphID:   graphID,
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
	}
	dp.conns = append(dp.conns, c)
	return c, nil
}

// openDatabase opens the embedded database file with tier-derived buffer
// pool bytes and the per-database checkpoint threshold.
func (p *Pool) openDatabase(graphID string, readOnly bool) (engineDB, error) {
	path, err := pathsafe.GraphPath(p.opts.BasePath, graphID)
	if err != nil {
		return nil, err
	}
	cfg := kuzu.DefaultSystemConfig()
	if p.opts.BufferPoolBytes > 0 {
		cfg.BufferPoolSize = p.opts.BufferPoolBytes
	}
	cfg.AutoCheckpoint = true
	cfg.CheckpointThreshold = p.opts.CheckpointThreshold(graphID)
	cfg.ReadOnly = readOnly

	db, err := kuzuOpenDatabase(path, cfg)
	if err != nil {
		// First-open failures are reported to the caller, never panicked on.
		return nil, fmt.Errorf("%w: opening database %s: %v", ErrConnectionFailure, graphID, err)
	}
	return db, nil
}

// withDatabaseLock runs fn while holding the graph's lock, serializing a
// lifecycle operation (create, delete) against connection activity and
// against other lifecycle operations for the same graph.
func (p *Pool) withDatabaseLock(graphID string, fn func(dp *dbPool) error) error {
	var err error
	p.mu.withKey(graphID, func(dp *dbPool) { err = fn(dp) })
	return err
}

// State reports whether the graph's database handle was opened read-only and
// when one of its pooled connections was last used. The zero time means no
// connection has been handed out since the pool entry appeared.
func (p *Pool) State(graphID string) (readOnly bool, lastAccessed time.Time) {
	p.mu.withKey(graphID, func(dp *dbPool) {
		readOnly = dp.readOnly
		for _, c := range dp.conns {
			if c.lastUsed.After(lastAccessed) {
				lastAccessed = c.lastUsed
			}
		}
	})
	return readOnly, lastAccessed
}

// CloseDatabaseConnections closes and drops every connection (and the
// database handle) for a graph. Used on delete and rebuild.
func (p *Pool) CloseDatabaseConnections(graphID string) {
	p.mu.withKey(graphID, func(dp *dbPool) {
		p.closeAllLocked(dp)
	})
	p.mu.drop(graphID)
}

// InvalidateConnections closes all connections without touching the files;
// the next acquisition reopens fresh.
func (p *Pool) InvalidateConnections(graphID string) {
	p.CloseDatabaseConnections(graphID)
}

// ForceCleanup closes everything and unlinks the database file and its WAL
// sibling. WAL removal failures are logged, not fatal.
func (p *Pool) ForceCleanup(graphID string) error {
	p.CloseDatabaseConnections(graphID)
	path, err := pathsafe.GraphPath(p.opts.BasePath, graphID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	if err := os.Remove(path + ".wal"); err != nil && !os.IsNotExist(err) {
		p.log.Warn("failed to remove wal sibling", "graph", graphID, "error", err)
	}
	return nil
}

// HealthCheck probes a graph with RETURN 1 through the pool, draining the
// result before returning.
func (p *Pool) HealthCheck(ctx context.Context, graphID string) error {
	lease, err := p.Acquire(ctx, graphID, false)
	if err != nil {
		return err
	}
	defer lease.Release()
	return probe(lease.Conn())
}

// probe runs the liveness query and deterministically closes the result.
func probe(c *Conn) error {
	res, err := c.Query("RETURN 1")
	if err != nil {
		return fmt.Errorf("%w: health probe: %v", ErrConnectionFailure, err)
	}
	defer res.Close()
	for res.HasNext() {
		tuple, err := res.Next()
		if err != nil {
			return fmt.Errorf("%w: draining health probe: %v", ErrConnectionFailure, err)
		}
		tuple.Close()
	}
	return nil
}

// Exec runs one Cypher statement through the pool and returns the engine's
// result summary text.
func (p *Pool) Exec(ctx context.Context, graphID, stmt string) (string, error) {
	lease, err := p.Acquire(ctx, graphID, false)
	if err != nil {
		return "", err
	}
	defer lease.Release()
	res, err := lease.Conn().Query(stmt)
	if err != nil {
		return "", err
	}
	defer res.Close()
	return res.ToString(), nil
}

// ConnectionCount reports the live connections for a graph (tests and
// capacity accounting).
func (p *Pool) ConnectionCount(graphID string) int {
	n := 0
	p.mu.withKey(graphID, func(dp *dbPool) {
		n = len(dp.conns)
	})
	return n
}

// maybeMaintain opportunistically runs cleanup and health sweeps when their
// intervals have elapsed. The contract is that sweeps run at least as often
// as the configured intervals under steady acquisition traffic.
func (p *Pool) maybeMaintain() {
	now := time.Now()

	if doCleanup := p.mu.global(func() bool {
		if now.Sub(p.lastCleanup) < p.opts.CleanupInterval {
			return false
		}
		p.lastCleanup = now
		return true
	}); doCleanup {
		p.sweep(now, false)
	}

	if doHealth := p.mu.global(func() bool {
		if now.Sub(p.lastHealth) < p.opts.HealthCheckInterval {
			return false
		}
		p.lastHealth = now
		return true
	}); doHealth {
		p.sweep(now, true)
	}
}

// sweep closes idle connections whose TTL expired and, when probing, those
// that fail the liveness query.
func (p *Pool) sweep(now time.Time, probeConns bool) {
	for _, graphID := range p.mu.keys() {
		p.mu.withKey(graphID, func(dp *dbPool) {
			kept := dp.conns[:0]
			for _, c := range dp.conns {
				if c.inUse {
					kept = append(kept, c)
					continue
				}
				expired := now.Sub(c.createdAt) >= p.opts.ConnectionTTL
				if !expired && probeConns {
					if err := probe(c); err != nil {
						c.healthy = false
						p.log.Warn("connection failed health probe", "graph", graphID, "error", err)
					}
				}
				if expired || !c.healthy {
					c.conn.Close()
					continue
				}
				kept = append(kept, c)
			}
			dp.conns = kept
		})
	}
}

// Close shuts down every pool.
func (p *Pool) Close() {
	for _, graphID := range p.mu.keys() {
		p.CloseDatabaseConnections(graphID)
	}
}

func (p *Pool) closeAllLocked(dp *dbPool) {
	for _, c := range dp.conns {
		c.conn.Close()
	}
	dp.conns = nil
	if dp.db != nil {
		dp.db.Close()
		dp.db = nil
	}
}
