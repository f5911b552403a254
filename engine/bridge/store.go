package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AgriFixAI/agrifix-mvp/engine/domain"
)

// Querier is the subset of pgxpool.Pool the store uses. Tests inject fakes.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists parts requests and job recommendation snapshots.
type Store struct {
	db Querier
}

// NewStore creates a Store.
func NewStore(db Querier) *Store {
	return &Store{db: db}
}

const requestColumns = `id, ticket_id, part_number, quantity_requested,
	quantity_fulfilled, status, recommended_by_ai, ai_confidence,
	created_at, updated_at`

// InsertRequest writes a new parts request and fills in its surrogate id.
func (s *Store) InsertRequest(ctx context.Context, req *domain.PartsRequest) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO parts_requests
			(ticket_id, part_number, quantity_requested, quantity_fulfilled,
			 status, recommended_by_ai, ai_confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		req.TicketID, req.PartNumber, req.QuantityRequested, req.QuantityFulfilled,
		req.Status, req.RecommendedByAI, req.AIConfidence).
		Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("bridge: insert request ticket=%d part=%s: %w", req.TicketID, req.PartNumber, err)
	}
	return nil
}

// GetRequest returns one parts request by id.
func (s *Store) GetRequest(ctx context.Context, id int64) (*domain.PartsRequest, error) {
	var req domain.PartsRequest
	err := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM parts_requests WHERE id = $1`, id).
		Scan(&req.ID, &req.TicketID, &req.PartNumber, &req.QuantityRequested,
			&req.QuantityFulfilled, &req.Status, &req.RecommendedByAI,
			&req.AIConfidence, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewOpError("bridge.get_request", fmt.Sprint(id), domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: get request %d: %w", id, err)
	}
	return &req, nil
}

// AdvanceFulfillment records fulfilled quantity on an approved request,
// moving it to fulfilled once the full requested quantity is covered.
// The guard keeps quantity_fulfilled within quantity_requested.
func (s *Store) AdvanceFulfillment(ctx context.Context, id int64, qty int) (*domain.PartsRequest, error) {
	var req domain.PartsRequest
	err := s.db.QueryRow(ctx, `
		UPDATE parts_requests
		SET quantity_fulfilled = quantity_fulfilled + $2,
			status = CASE WHEN quantity_fulfilled + $2 >= quantity_requested
				THEN 'fulfilled' ELSE status END,
			updated_at = now()
		WHERE id = $1 AND status = 'approved'
			AND quantity_fulfilled + $2 <= quantity_requested
		RETURNING `+requestColumns,
		id, qty).
		Scan(&req.ID, &req.TicketID, &req.PartNumber, &req.QuantityRequested,
			&req.QuantityFulfilled, &req.Status, &req.RecommendedByAI,
			&req.AIConfidence, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewOpError("bridge.fulfill", fmt.Sprint(id), domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: fulfill request %d: %w", id, err)
	}
	return &req, nil
}

// RejectRequest marks a request rejected. Used when the acceptance that
// created the row failed and its reservation was released.
func (s *Store) RejectRequest(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE parts_requests
		SET status = 'rejected', updated_at = now()
		WHERE id = $1`,
		id)
	if err != nil {
		return fmt.Errorf("bridge: reject request %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewOpError("bridge.reject", fmt.Sprint(id), domain.ErrNotFound)
	}
	return nil
}

// WriteSnapshot attaches the accepted recommendation to a job. Snapshots are
// write-once: a second write for the same job returns ErrSnapshotExists.
func (s *Store) WriteSnapshot(ctx context.Context, snap domain.RecommendationSnapshot) error {
	parts, err := json.Marshal(snap.Parts)
	if err != nil {
		return fmt.Errorf("bridge: marshal snapshot job=%d: %w", snap.JobID, err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET ai_recommended_parts = $2, ai_reasoning = $3, confidence_score = $4,
			recommendation_accepted_at = now(), updated_at = now()
		WHERE id = $1 AND ai_recommended_parts IS NULL`,
		snap.JobID, parts, snap.Reasoning, snap.Confidence)
	if err != nil {
		return fmt.Errorf("bridge: write snapshot job=%d: %w", snap.JobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id = $1`, snap.JobID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewOpError("bridge.snapshot", fmt.Sprint(snap.JobID), domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("bridge: snapshot probe job=%d: %w", snap.JobID, err)
	}
	return domain.NewOpError("bridge.snapshot", fmt.Sprint(snap.JobID), domain.ErrSnapshotExists)
}
