package credits

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	// SQLite driver (WASM build, no CGO).
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Engine is the credit reservation engine over the node-local ledger.
type Engine struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the ledger at path. Use ":memory:" for an
// in-memory ledger in tests.
func Open(path string, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	var connStr string
	if path == ":memory:" {
		connStr = "file:creditsdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	if path == ":memory:" {
		// In-memory databases are isolated per connection; force one.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}
	return &Engine{db: db, log: log}, nil
}

// Close closes the ledger database.
func (e *Engine) Close() error { return e.db.Close() }

// CreatePool registers a new credit pool. The initial balance equals the
// monthly allocation.
func (e *Engine) CreatePool(ctx context.Context, ownerType, ownerID string, monthlyAllocation float64) (*Pool, error) {
	now := time.Now().UTC()
	pool := &Pool{
		ID:                newID("pool"),
		OwnerType:         ownerType,
		OwnerID:           ownerID,
		CurrentBalance:    capBalance(monthlyAllocation, e.log),
		MonthlyAllocation: monthlyAllocation,
		NextAllocationAt:  now.Add(AllocationPeriod),
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO credit_pools
		    (id, owner_type, owner_id, current_balance, monthly_allocation,
		     consumed_this_month, next_allocation_at, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, 1, ?, ?)`,
		pool.ID, pool.OwnerType, pool.OwnerID, pool.CurrentBalance,
		pool.MonthlyAllocation, pool.NextAllocationAt, pool.CreatedAt, pool.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating pool for %s/%s: %w", ownerType, ownerID, err)
	}
	return pool, nil
}

// GetPool fetches a pool by ID.
func (e *Engine) GetPool(ctx context.Context, poolID string) (*Pool, error) {
	return e.scanPool(e.db.QueryRowContext(ctx, `
		SELECT id, owner_type, owner_id, current_balance, monthly_allocation,
		       consumed_this_month, next_allocation_at, is_active, created_at, updated_at
		  FROM credit_pools WHERE id = ?`, poolID))
}

// ResolvePool fetches a pool by owner; this is the "resolve credit pool for
// (graph, operation)" contract the HTTP layer consumes.
func (e *Engine) ResolvePool(ctx context.Context, ownerType, ownerID string) (*Pool, error) {
	return e.scanPool(e.db.QueryRowContext(ctx, `
		SELECT id, owner_type, owner_id, current_balance, monthly_allocation,
		       consumed_this_month, next_allocation_at, is_active, created_at, updated_at
		  FROM credit_pools WHERE owner_type = ? AND owner_id = ?`, ownerType, ownerID))
}

// Transactions returns the most recent ledger entries for a pool, newest
// first.
func (e *Engine) Transactions(ctx context.Context, poolID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, pool_id, type, amount, description, metadata, created_at
		  FROM credit_transactions
		 WHERE pool_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, poolID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var meta string
		if err := rows.Scan(&t.ID, &t.PoolID, &t.Type, &t.Amount, &t.Description, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decoding transaction metadata: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (e *Engine) scanPool(row *sql.Row) (*Pool, error) {
	p := &Pool{}
	err := row.Scan(&p.ID, &p.OwnerType, &p.OwnerID, &p.CurrentBalance,
		&p.MonthlyAllocation, &p.ConsumedThisMonth, &p.NextAllocationAt,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning pool: %w", err)
	}
	return p, nil
}

// insertTransaction writes a ledger entry using the supplied execer (either
// the db or an open transaction).
func insertTransaction(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, t *Transaction) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encoding transaction metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, pool_id, type, amount, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PoolID, t.Type, t.Amount, t.Description, string(meta), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("writing transaction: %w", err)
	}
	return nil
}

// capBalance clamps a balance to the persisted numeric width.
func capBalance(v float64, log *slog.Logger) float64 {
	if v > MaxBalance {
		if log != nil {
			log.Warn("balance capped at numeric ceiling", "requested", v, "cap", MaxBalance)
		}
		return MaxBalance
	}
	return v
}

// newID generates a random identifier with the given prefix.
func newID(prefix string) string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to time.
		return prefix + "_" + strings.ReplaceAll(time.Now().UTC().Format("20060102150405.000000"), ".", "")
	}
	return prefix + "_" + hex.EncodeToString(b[:])
}
