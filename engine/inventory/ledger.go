// Package inventory is the exclusive owner of stock counters. Every
// mutation is a single conditional UPDATE whose guard makes check-then-act
// atomic per part row; concurrent demand beyond available stock cannot
// double-reserve. Operations on different part numbers never contend.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AgriFixAI/agrifix-mvp/engine/domain"
	"github.com/AgriFixAI/agrifix-mvp/pkg/metrics"
)

// Querier is the subset of pgxpool.Pool the ledger uses. Tests inject fakes.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Notifier dispatches replenishment signals. Failures are logged by the
// implementation, never propagated; a notify failure must not fail the
// stock mutation that triggered it.
type Notifier interface {
	Notify(ctx context.Context, subject string, event any)
}

// ReplenishSubject is the event subject for low-stock signals.
const ReplenishSubject = "inventory.replenish"

// ReplenishEvent is published when a mutation drops available stock to or
// below the reorder threshold.
type ReplenishEvent struct {
	PartNumber   string             `json:"part_number"`
	Available    int                `json:"available"`
	MinimumStock int                `json:"minimum_stock"`
	Status       domain.StockStatus `json:"status"`
}

// Ledger exposes atomic reserve/release/consume operations per part number.
type Ledger struct {
	db       Querier
	notifier Notifier
	logger   *slog.Logger

	reserves  *metrics.Counter
	conflicts *metrics.Counter
	lowStock  *metrics.Counter
}

// New creates a Ledger. notifier and reg may be nil.
func New(db Querier, notifier Notifier, reg *metrics.Registry, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{db: db, notifier: notifier, logger: logger}
	if reg != nil {
		l.reserves = reg.Counter("inventory_reserves_total", "Successful stock reservations")
		l.conflicts = reg.Counter("inventory_insufficient_total", "Reservations rejected for insufficient stock")
		l.lowStock = reg.Counter("inventory_low_stock_events_total", "Low-stock replenishment signals emitted")
	}
	return l
}

// Get returns the current inventory record for a part number.
func (l *Ledger) Get(ctx context.Context, partNumber string) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := l.db.QueryRow(ctx, `
		SELECT part_number, current_stock, reserved_stock, minimum_stock, updated_at
		FROM parts_inventory WHERE part_number = $1`, partNumber).
		Scan(&rec.PartNumber, &rec.CurrentStock, &rec.ReservedStock, &rec.MinimumStock, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewOpError("inventory.get", partNumber, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inventory: get %s: %w", partNumber, err)
	}
	return &rec, nil
}

// Reserve places a hold on available stock. Fails fast with
// ErrInsufficientStock rather than partially reserving; callers wanting
// partial fulfillment must issue smaller reserves explicitly.
// Returns the new available stock.
func (l *Ledger) Reserve(ctx context.Context, partNumber string, qty int) (int, error) {
	if err := validQty(partNumber, qty); err != nil {
		return 0, err
	}
	rec, err := l.mutate(ctx, "inventory.reserve", partNumber, `
		UPDATE parts_inventory
		SET reserved_stock = reserved_stock + $2, updated_at = now()
		WHERE part_number = $1 AND current_stock - reserved_stock >= $2
		RETURNING part_number, current_stock, reserved_stock, minimum_stock, updated_at`,
		qty, domain.ErrInsufficientStock)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) && l.conflicts != nil {
			l.conflicts.Inc()
		}
		return 0, err
	}
	if l.reserves != nil {
		l.reserves.Inc()
	}
	return rec.Available(), nil
}

// Release returns reserved stock to available, clamping at zero so a
// duplicate release cannot drive the counter negative.
// Returns the new available stock.
func (l *Ledger) Release(ctx context.Context, partNumber string, qty int) (int, error) {
	if err := validQty(partNumber, qty); err != nil {
		return 0, err
	}
	rec, err := l.mutate(ctx, "inventory.release", partNumber, `
		UPDATE parts_inventory
		SET reserved_stock = GREATEST(reserved_stock - $2, 0), updated_at = now()
		WHERE part_number = $1
		RETURNING part_number, current_stock, reserved_stock, minimum_stock, updated_at`,
		qty, nil)
	if err != nil {
		return 0, err
	}
	return rec.Available(), nil
}

// Consume converts a reservation into a permanent deduction: current and
// reserved both drop by qty, so available is unchanged from before the
// consume and reserved returns to its pre-reserve level.
func (l *Ledger) Consume(ctx context.Context, partNumber string, qty int) error {
	if err := validQty(partNumber, qty); err != nil {
		return err
	}
	_, err := l.mutate(ctx, "inventory.consume", partNumber, `
		UPDATE parts_inventory
		SET current_stock = current_stock - $2, reserved_stock = reserved_stock - $2, updated_at = now()
		WHERE part_number = $1 AND reserved_stock >= $2
		RETURNING part_number, current_stock, reserved_stock, minimum_stock, updated_at`,
		qty, domain.ErrInsufficientReserved)
	return err
}

// Restock adds received stock to a part's current level.
func (l *Ledger) Restock(ctx context.Context, partNumber string, qty int) (int, error) {
	if err := validQty(partNumber, qty); err != nil {
		return 0, err
	}
	rec, err := l.mutate(ctx, "inventory.restock", partNumber, `
		UPDATE parts_inventory
		SET current_stock = current_stock + $2, updated_at = now()
		WHERE part_number = $1
		RETURNING part_number, current_stock, reserved_stock, minimum_stock, updated_at`,
		qty, nil)
	if err != nil {
		return 0, err
	}
	return rec.Available(), nil
}

// mutate runs one guarded UPDATE. guardErr is returned when the row exists
// but the guard rejected the mutation; a missing row is always NotFound.
func (l *Ledger) mutate(ctx context.Context, op, partNumber, sql string, qty int, guardErr error) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := l.db.QueryRow(ctx, sql, partNumber, qty).
		Scan(&rec.PartNumber, &rec.CurrentStock, &rec.ReservedStock, &rec.MinimumStock, &rec.UpdatedAt)
	switch {
	case err == nil:
		l.checkThreshold(ctx, &rec)
		return &rec, nil
	case errors.Is(err, pgx.ErrNoRows):
		if guardErr == nil {
			return nil, domain.NewOpError(op, partNumber, domain.ErrNotFound)
		}
		exists, exErr := l.exists(ctx, partNumber)
		if exErr != nil {
			return nil, fmt.Errorf("%s %s: %w", op, partNumber, exErr)
		}
		if !exists {
			return nil, domain.NewOpError(op, partNumber, domain.ErrNotFound)
		}
		return nil, domain.NewOpError(op, partNumber, guardErr)
	case isLockTimeout(err):
		return nil, domain.NewOpError(op, partNumber, domain.ErrBusy)
	default:
		return nil, fmt.Errorf("%s %s: %w", op, partNumber, err)
	}
}

func (l *Ledger) exists(ctx context.Context, partNumber string) (bool, error) {
	var one int
	err := l.db.QueryRow(ctx, `SELECT 1 FROM parts_inventory WHERE part_number = $1`, partNumber).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// checkThreshold emits a fire-and-forget replenishment signal when a
// mutation leaves the part at or below its reorder threshold.
func (l *Ledger) checkThreshold(ctx context.Context, rec *domain.InventoryRecord) {
	if l.notifier == nil {
		return
	}
	status := rec.Status()
	if status == domain.StockOK {
		return
	}
	if l.lowStock != nil {
		l.lowStock.Inc()
	}
	l.notifier.Notify(ctx, ReplenishSubject, ReplenishEvent{
		PartNumber:   rec.PartNumber,
		Available:    rec.Available(),
		MinimumStock: rec.MinimumStock,
		Status:       status,
	})
}

// isLockTimeout reports whether err is Postgres lock_not_available (55P03),
// raised when lock_timeout expires waiting on a contended row.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

func validQty(partNumber string, qty int) error {
	if qty < 1 {
		return domain.NewValidationError("quantity", partNumber, domain.ErrInvalidQuantityRequested)
	}
	return nil
}
