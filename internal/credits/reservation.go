package credits

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultReservationTimeout applies when a reserve request carries none.
const DefaultReservationTimeout = 5 * time.Minute

// ReserveRequest is the input to Reserve.
type ReserveRequest struct {
	PoolID    string
	Amount    float64
	Operation string
	Timeout   time.Duration
	// ReservationID lets the caller supply an idempotency key; generated
	// when empty.
	ReservationID string
	RequestID     string
	UserID        string
}

// Reserve atomically places a pending debit on a pool. The UPDATE either
// debits and returns a row, or affects zero rows; on zero rows the pool is
// re-read without the debit to decide the error kind. Concurrent reserves on
// one pool serialize through the row lock: each either wins or loses, never
// over-reserving.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive (got %v)", req.Amount)
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultReservationTimeout
	}
	if req.ReservationID == "" {
		req.ReservationID = newID("res")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(req.Timeout)

	var res *Reservation
	err := e.runInTx(ctx, func(tx *sql.Tx) error {
		var oldBalance, newBalance float64
		err := tx.QueryRowContext(ctx, `
			UPDATE credit_pools
			   SET current_balance = current_balance - ?,
			       consumed_this_month = consumed_this_month + ?,
			       updated_at = ?
			 WHERE id = ?
			   AND current_balance >= ?
			   AND is_active = 1
			RETURNING current_balance + ? AS old_balance,
			          current_balance AS new_balance`,
			req.Amount, req.Amount, now, req.PoolID, req.Amount, req.Amount,
		).Scan(&oldBalance, &newBalance)
		if err == sql.ErrNoRows {
			return e.classifyReserveFailure(ctx, tx, req.PoolID, req.Amount)
		}
		if err != nil {
			return fmt.Errorf("debiting pool %s: %w", req.PoolID, err)
		}

		meta := map[string]any{
			"reservation_id": req.ReservationID,
			"expires_at":     expiresAt.Format(time.RFC3339Nano),
			"status":         StatusReserved,
			"operation":      req.Operation,
		}
		if req.RequestID != "" {
			meta["request_id"] = req.RequestID
		}
		if req.UserID != "" {
			meta["user_id"] = req.UserID
		}
		txn := &Transaction{
			ID:          newID("txn"),
			PoolID:      req.PoolID,
			Type:        TxnReservation,
			Amount:      -req.Amount,
			Description: fmt.Sprintf("Reserved %.2f credits for %s", req.Amount, req.Operation),
			Metadata:    meta,
			CreatedAt:   now,
		}
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}

		res = &Reservation{
			ID:         req.ReservationID,
			PoolID:     req.PoolID,
			Amount:     req.Amount,
			Operation:  req.Operation,
			OldBalance: oldBalance,
			NewBalance: newBalance,
			ExpiresAt:  expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// classifyReserveFailure reads the pool without the debit to decide whether
// the zero-row UPDATE means not-found, inactive, or insufficient balance.
func (e *Engine) classifyReserveFailure(ctx context.Context, tx *sql.Tx, poolID string, amount float64) error {
	var balance float64
	var active bool
	err := tx.QueryRowContext(ctx,
		`SELECT current_balance, is_active FROM credit_pools WHERE id = ?`, poolID,
	).Scan(&balance, &active)
	if err == sql.ErrNoRows {
		return fmt.Errorf("pool %s: %w", poolID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading pool %s: %w", poolID, err)
	}
	if !active {
		return fmt.Errorf("pool %s: %w", poolID, ErrInactivePool)
	}
	return &InsufficientCreditsError{PoolID: poolID, Available: balance, Required: amount}
}

// Confirm finalizes a reservation. A reservation past its deadline is
// cancelled with a compensating refund and ErrReservationExpired is
// returned. A double-confirm is a no-op; confirming a cancelled reservation
// reports ErrNotFound.
func (e *Engine) Confirm(ctx context.Context, reservationID, operation string, finalMetadata map[string]any) error {
	return e.runInTx(ctx, func(tx *sql.Tx) error {
		txn, err := findReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch txn.Metadata["status"] {
		case StatusConfirmed:
			return nil // idempotent
		case StatusCancelled, StatusExpired:
			return fmt.Errorf("reservation %s: %w", reservationID, ErrNotFound)
		}

		expiresAt, err := parseExpiry(txn.Metadata)
		if err != nil {
			return fmt.Errorf("reservation %s: %w", reservationID, err)
		}
		now := time.Now().UTC()
		if now.After(expiresAt) {
			if err := cancelLocked(ctx, tx, txn, "expired"); err != nil {
				return err
			}
			return fmt.Errorf("reservation %s expired at %s: %w",
				reservationID, expiresAt.Format(time.RFC3339), ErrReservationExpired)
		}

		// Status flip is a metadata rewrite; no extra balance mutation.
		txn.Metadata["status"] = StatusConfirmed
		txn.Metadata["confirmed_at"] = now.Format(time.RFC3339Nano)
		for k, v := range finalMetadata {
			txn.Metadata[k] = v
		}
		desc := fmt.Sprintf("Consumed %.2f credits for %s", -txn.Amount, operation)
		// created_at moves to confirm time so the audit trail shows when the
		// spend became final.
		return rewriteTransaction(ctx, tx, txn, desc, now)
	})
}

// Cancel refunds a reservation: an atomic balance credit, a refund
// transaction, and a metadata status flip on the original entry. Cancelling
// an already-cancelled reservation is a no-op; cancelling a confirmed one
// reports ErrNotFound.
func (e *Engine) Cancel(ctx context.Context, reservationID, reason string) error {
	return e.runInTx(ctx, func(tx *sql.Tx) error {
		txn, err := findReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		switch txn.Metadata["status"] {
		case StatusCancelled, StatusExpired:
			return nil // idempotent
		case StatusConfirmed:
			return fmt.Errorf("reservation %s already confirmed: %w", reservationID, ErrNotFound)
		}
		return cancelLocked(ctx, tx, txn, reason)
	})
}

// cancelLocked performs the refund inside an open transaction. The original
// reservation entry's status becomes "expired" when the reason is the lazy
// expiry sweep, "cancelled" otherwise.
func cancelLocked(ctx context.Context, tx *sql.Tx, txn *Transaction, reason string) error {
	refund := -txn.Amount
	now := time.Now().UTC()

	var oldBalance, newBalance float64
	err := tx.QueryRowContext(ctx, `
		UPDATE credit_pools
		   SET current_balance = MIN(current_balance + ?, ?),
		       consumed_this_month = MAX(consumed_this_month - ?, 0),
		       updated_at = ?
		 WHERE id = ?
		RETURNING current_balance - ? AS old_balance,
		          current_balance AS new_balance`,
		refund, MaxBalance, refund, now, txn.PoolID, refund,
	).Scan(&oldBalance, &newBalance)
	if err == sql.ErrNoRows {
		return fmt.Errorf("pool %s: %w", txn.PoolID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("refunding pool %s: %w", txn.PoolID, err)
	}

	refundTxn := &Transaction{
		ID:          newID("txn"),
		PoolID:      txn.PoolID,
		Type:        TxnRefund,
		Amount:      refund,
		Description: fmt.Sprintf("Refund for reservation %s (%s)", txn.Metadata["reservation_id"], reason),
		Metadata: map[string]any{
			"reservation_id":          txn.Metadata["reservation_id"],
			"reason":                  reason,
			"original_transaction_id": txn.ID,
		},
		CreatedAt: now,
	}
	if err := insertTransaction(ctx, tx, refundTxn); err != nil {
		return err
	}

	status := StatusCancelled
	if reason == "expired" {
		status = StatusExpired
	}
	txn.Metadata["status"] = status
	txn.Metadata["cancelled_at"] = now.Format(time.RFC3339Nano)
	txn.Metadata["cancel_reason"] = reason
	return rewriteTransaction(ctx, tx, txn, txn.Description, txn.CreatedAt)
}

// findReservation locates the authoritative debit for a reservation ID.
func findReservation(ctx context.Context, tx *sql.Tx, reservationID string) (*Transaction, error) {
	t := &Transaction{}
	var meta string
	err := tx.QueryRowContext(ctx, `
		SELECT id, pool_id, type, amount, description, metadata, created_at
		  FROM credit_transactions
		 WHERE type = ? AND json_extract(metadata, '$.reservation_id') = ?`,
		TxnReservation, reservationID,
	).Scan(&t.ID, &t.PoolID, &t.Type, &t.Amount, &t.Description, &meta, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("finding reservation %s: %w", reservationID, err)
	}
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return nil, fmt.Errorf("decoding reservation metadata: %w", err)
	}
	return t, nil
}

func rewriteTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction, description string, createdAt time.Time) error {
	meta, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE credit_transactions
		   SET metadata = ?, description = ?, created_at = ?
		 WHERE id = ?`,
		string(meta), description, createdAt, txn.ID)
	if err != nil {
		return fmt.Errorf("rewriting transaction %s: %w", txn.ID, err)
	}
	return nil
}

func parseExpiry(meta map[string]any) (time.Time, error) {
	raw, ok := meta["expires_at"].(string)
	if !ok {
		return time.Time{}, errors.New("reservation metadata missing expires_at")
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	return t, nil
}

// runInTx executes fn inside a database transaction, rolling back on error
// or panic. The ledger forbids holding a transaction open around anything
// but the statements themselves; callers commit as soon as the UPDATE
// succeeds.
func (e *Engine) runInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}
