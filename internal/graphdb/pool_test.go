package graphdb

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	kuzu "github.com/kuzudb/go-kuzu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDB struct {
	closed bool
}

func (d *stubDB) Close() { d.closed = true }

type stubConn struct {
	closed   bool
	queryErr error
}

func (c *stubConn) Query(string) (*kuzu.QueryResult, error) {
	return nil, c.queryErr
}

func (c *stubConn) Prepare(string) (*kuzu.PreparedStatement, error) {
	return nil, errors.New("no engine")
}

func (c *stubConn) Execute(*kuzu.PreparedStatement, map[string]any) (*kuzu.QueryResult, error) {
	return nil, errors.New("no engine")
}

func (c *stubConn) Close() { c.closed = true }

// stubEngine swaps the engine hooks for in-memory stubs that record every
// database and connection they hand out. Opening a database creates the file
// on disk, matching the real engine's behavior.
type stubEngine struct {
	dbs       []*stubDB
	conns     []*stubConn
	openDelay time.Duration
	connErr   error
	queryErr  error // stamped onto connections opened after it is set
}

func installStubEngine(t *testing.T) *stubEngine {
	t.Helper()
	e := &stubEngine{}
	origDB, origConn := kuzuOpenDatabase, kuzuOpenConnection
	kuzuOpenDatabase = func(path string, _ kuzu.SystemConfig) (engineDB, error) {
		time.Sleep(e.openDelay)
		if err := os.WriteFile(path, []byte("graph"), 0o644); err != nil {
			return nil, err
		}
		db := &stubDB{}
		e.dbs = append(e.dbs, db)
		return db, nil
	}
	kuzuOpenConnection = func(engineDB) (engineConn, error) {
		if e.connErr != nil {
			return nil, e.connErr
		}
		c := &stubConn{queryErr: e.queryErr}
		e.conns = append(e.conns, c)
		return c, nil
	}
	t.Cleanup(func() { kuzuOpenDatabase, kuzuOpenConnection = origDB, origConn })
	return e
}

func newTestPool(t *testing.T, opts PoolOptions) *Pool {
	t.Helper()
	if opts.BasePath == "" {
		opts.BasePath = t.TempDir()
	}
	// Keep the opportunistic sweeps out of the way unless a test wants them.
	if opts.CleanupInterval == 0 {
		opts.CleanupInterval = time.Hour
	}
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = time.Hour
	}
	return NewPool(opts, slog.New(slog.DiscardHandler))
}

func TestPoolCapsConnectionsPerDatabase(t *testing.T) {
	installStubEngine(t)
	p := newTestPool(t, PoolOptions{MaxConnectionsPerDB: 2})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "kg_demo", false)
	require.NoError(t, err)
	l2, err := p.Acquire(ctx, "kg_demo", false)
	require.NoError(t, err)
	assert.Equal(t, 2, p.ConnectionCount("kg_demo"))

	// Everything in use and the cap reached: acquisition fails rather than
	// growing the pool.
	_, err = p.Acquire(ctx, "kg_demo", false)
	require.ErrorIs(t, err, ErrConnectionFailure)

	released := l1.Conn()
	l1.Release()
	l3, err := p.Acquire(ctx, "kg_demo", false)
	require.NoError(t, err)
	assert.Same(t, released, l3.Conn())
	assert.Equal(t, 2, p.ConnectionCount("kg_demo"))
	l2.Release()
	l3.Release()
}

func TestPoolNeverReturnsExpiredConnections(t *testing.T) {
	e := installStubEngine(t)
	p := newTestPool(t, PoolOptions{MaxConnectionsPerDB: 1, ConnectionTTL: 30 * time.Millisecond})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "kg_demo", false)
	require.NoError(t, err)
	first := l1.Conn()
	l1.Release()

	time.Sleep(50 * time.Millisecond)

	// The idle connection's TTL has expired: a fresh one is opened, and the
	// expired one (the oldest idle) is evicted to stay under the cap.
	l2, err := p.Acquire(ctx, "kg_demo", false)
	require.NoError(t, err)
	assert.NotSame(t, first, l2.Conn())
	assert.Equal(t, 1, p.ConnectionCount("kg_demo"))
	require.Len(t, e.conns, 2)
	assert.True(t, e.conns[0].closed)
	assert.False(t, e.conns[1].closed)
	l2.Release()
}

func TestPoolEvictsOldestIdleNotInUse(t *testing.T) {
	e := installStubEngine(t)
	p := newTestPool(t, PoolOptions{MaxConnectionsPerDB: 2, ConnectionTTL: 30 * time.Millisecond})
	ctx := context.Background()

	held, err := p.Acquire(ctx, "kg_demo", false)
	require.NoError(t, err)
	idle, err := p.Acquire(ctx, "kg_demo", false)
	require.NoError(t, err)
	idle.Release()

	time.Sleep(50 * time.Millisecond)

	// Both connections are past their TTL, but only the idle one may go.
	l, err := p.Acquire(ctx, "kg_demo", false)
	require.NoError(t, err)
	assert.Equal(t, 2, p.ConnectionCount("kg_demo"))
	assert.False(t, e.conns[0].closed, "in-use connection must survive eviction")
	assert.True(t, e.conns[1].closed, "idle connection is the eviction candidate")
	held.Release()
	l.Release()
}

func TestCloseDatabaseConnectionsLeavesNothing(t *testing.T) {
	e := installStubEngine(t)
	p := newTestPool(t, PoolOptions{MaxConnectionsPerDB: 3})
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "kg_demo", false)
	require.NoError(t, err)
	l1.Release()
	l2, err := p.Acquire(ctx, "kg_other", false)
	require.NoError(t, err)
	l2.Release()

	p.CloseDatabaseConnections("kg_demo")

	assert.Zero(t, p.ConnectionCount("kg_demo"))
	assert.True(t, e.conns[0].closed)
	assert.True(t, e.dbs[0].closed)
	// The other graph's pool is untouched.
	assert.Equal(t, 1, p.ConnectionCount("kg_other"))
	assert.False(t, e.conns[1].closed)
}

func TestReleaseIsIdempotent(t *testing.T) {
	installStubEngine(t)
	p := newTestPool(t, PoolOptions{MaxConnectionsPerDB: 1})

	l, err := p.Acquire(context.Background(), "kg_demo", false)
	require.NoError(t, err)
	l.Release()
	l.Release()

	l2, err := p.Acquire(context.Background(), "kg_demo", false)
	require.NoError(t, err)
	l2.Release()
	assert.Equal(t, 1, p.ConnectionCount("kg_demo"))
}
