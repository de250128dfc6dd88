// Package credits implements the fine-grained credit reservation engine.
//
// Every billable operation is gated by an atomic reserve → confirm/cancel
// cycle on a credit pool. The pool's current_balance is the only
// authoritative balance and is only ever mutated by UPDATE statements that
// carry the balance precondition in their WHERE clause; every mutation
// writes an audit transaction in the same database transaction.
//
// The ledger is a node-local SQLite database.
package credits

import (
	"errors"
	"fmt"
	"time"
)

// Transaction types recorded in the ledger.
const (
	TxnReservation = "reservation"
	TxnRefund      = "refund"
	TxnAllocation  = "allocation"
	TxnStorage     = "storage"
)

// Reservation statuses carried in transaction metadata.
const (
	StatusReserved  = "reserved"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Pool owner kinds. A graph pool is keyed by graph ID; a repository pool is
// keyed by (user, repository type).
const (
	OwnerGraph      = "graph"
	OwnerRepository = "repository"
)

// MaxBalance is the persisted numeric ceiling; balances are capped here and
// the overflow is logged.
const MaxBalance = 99_999_999.99

// AllocationPeriod is the interval between monthly allocations.
const AllocationPeriod = 30 * 24 * time.Hour

var (
	// ErrNotFound is returned for missing pools and missing reservations.
	ErrNotFound = errors.New("not found")
	// ErrInactivePool is returned when reserving against a deactivated pool.
	ErrInactivePool = errors.New("credit pool is inactive")
	// ErrInsufficientCredits is wrapped by InsufficientCreditsError.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrReservationExpired is returned by Confirm after the deadline; the
	// engine auto-cancels the reservation before returning it.
	ErrReservationExpired = errors.New("reservation expired")
)

// InsufficientCreditsError carries the balances the caller needs to build a
// useful rejection: what was available and what the operation required.
type InsufficientCreditsError struct {
	PoolID    string
	Available float64
	Required  float64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits in pool %s: available %.2f, required %.2f",
		e.PoolID, e.Available, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// Pool is a credit pool row.
type Pool struct {
	ID                string
	OwnerType         string
	OwnerID           string
	CurrentBalance    float64
	MonthlyAllocation float64
	ConsumedThisMonth float64
	NextAllocationAt  time.Time
	IsActive          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transaction is a ledger entry. Metadata is a JSON object; reservation
// entries carry reservation_id, expires_at, and status in it.
type Transaction struct {
	ID          string
	PoolID      string
	Type        string
	Amount      float64
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Reservation is the caller-facing view of a successful reserve.
type Reservation struct {
	ID         string
	PoolID     string
	Amount     float64
	Operation  string
	OldBalance float64
	NewBalance float64
	ExpiresAt  time.Time
}
