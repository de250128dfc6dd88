package credits

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AllocateMonthly replaces a pool's balance with its monthly allocation (no
// rollover), resets the consumed counter, and advances the allocation clock
// by one period. The new balance is capped at the persisted ceiling.
func (e *Engine) AllocateMonthly(ctx context.Context, poolID string, now time.Time) error {
	now = now.UTC()
	return e.runInTx(ctx, func(tx *sql.Tx) error {
		var allocation float64
		var nextAt time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT monthly_allocation, next_allocation_at FROM credit_pools WHERE id = ? AND is_active = 1`,
			poolID,
		).Scan(&allocation, &nextAt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("pool %s: %w", poolID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading pool %s: %w", poolID, err)
		}

		balance := capBalance(allocation, e.log)
		_, err = tx.ExecContext(ctx, `
			UPDATE credit_pools
			   SET current_balance = ?,
			       consumed_this_month = 0,
			       next_allocation_at = ?,
			       updated_at = ?
			 WHERE id = ?`,
			balance, nextAt.Add(AllocationPeriod), now, poolID)
		if err != nil {
			return fmt.Errorf("allocating pool %s: %w", poolID, err)
		}

		return insertTransaction(ctx, tx, &Transaction{
			ID:          newID("txn"),
			PoolID:      poolID,
			Type:        TxnAllocation,
			Amount:      balance,
			Description: fmt.Sprintf("Monthly allocation of %.2f credits", balance),
			Metadata:    map[string]any{"rollover": false},
			CreatedAt:   now,
		})
	})
}

// AllocateDue applies the monthly allocation to every active pool whose
// next_allocation_at has passed. Returns the number of pools allocated.
func (e *Engine) AllocateDue(ctx context.Context, now time.Time) (int, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id FROM credit_pools WHERE is_active = 1 AND next_allocation_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("listing due pools: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning pool id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	allocated := 0
	for _, id := range ids {
		if err := e.AllocateMonthly(ctx, id, now); err != nil {
			e.log.Warn("monthly allocation failed", "pool", id, "error", err)
			continue
		}
		allocated++
	}
	return allocated, nil
}

// ConsumeStorage debits storage consumption. Unlike user-triggered
// consumption, storage debits may drive the balance negative; the tenant is
// throttled elsewhere, not failed here.
func (e *Engine) ConsumeStorage(ctx context.Context, poolID string, amount float64, description string) error {
	if amount <= 0 {
		return fmt.Errorf("storage consumption must be positive (got %v)", amount)
	}
	now := time.Now().UTC()
	return e.runInTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE credit_pools
			   SET current_balance = current_balance - ?,
			       consumed_this_month = consumed_this_month + ?,
			       updated_at = ?
			 WHERE id = ? AND is_active = 1`,
			amount, amount, now, poolID)
		if err != nil {
			return fmt.Errorf("debiting storage from pool %s: %w", poolID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking storage debit: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("pool %s: %w", poolID, ErrNotFound)
		}
		return insertTransaction(ctx, tx, &Transaction{
			ID:          newID("txn"),
			PoolID:      poolID,
			Type:        TxnStorage,
			Amount:      -amount,
			Description: description,
			Metadata:    map[string]any{"category": "storage"},
			CreatedAt:   now,
		})
	})
}
