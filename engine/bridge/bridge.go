// Package bridge turns accepted recommendations into parts requests backed
// by real stock reservations. It is the only writer of parts_requests and
// job recommendation snapshots.
//
// Acceptance is line-by-line, not transactional across lines: a line that
// cannot be stocked becomes a pending backorder instead of rolling back its
// siblings. Only an unexpected failure triggers compensation, which releases
// the reservations and idempotency keys this acceptance claimed and rejects
// the rows it inserted, so a retried accept starts clean.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AgriFixAI/agrifix-mvp/engine/domain"
	"github.com/AgriFixAI/agrifix-mvp/engine/recommend"
	"github.com/AgriFixAI/agrifix-mvp/pkg/fn"
	"github.com/AgriFixAI/agrifix-mvp/pkg/metrics"
)

// Reserver is the ledger surface the bridge drives.
type Reserver interface {
	Reserve(ctx context.Context, partNumber string, qty int) (int, error)
	Release(ctx context.Context, partNumber string, qty int) (int, error)
	Consume(ctx context.Context, partNumber string, qty int) error
}

// RequestStore persists parts requests and job snapshots.
type RequestStore interface {
	InsertRequest(ctx context.Context, req *domain.PartsRequest) error
	GetRequest(ctx context.Context, id int64) (*domain.PartsRequest, error)
	AdvanceFulfillment(ctx context.Context, id int64, qty int) (*domain.PartsRequest, error)
	RejectRequest(ctx context.Context, id int64) error
	WriteSnapshot(ctx context.Context, snap domain.RecommendationSnapshot) error
}

// Notifier dispatches backorder events, fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, subject string, event any)
}

// BackorderSubject is the event subject for lines accepted without stock.
const BackorderSubject = "parts.backorder"

// BackorderEvent is published when an accepted line cannot be reserved.
type BackorderEvent struct {
	TicketID   int64  `json:"ticket_id"`
	PartNumber string `json:"part_number"`
	Quantity   int    `json:"quantity"`
}

// busyRetry bounds retries on transient row contention. Stock shortage is
// never retried here; only a fresh accept or the scheduler tries again.
var busyRetry = fn.RetryOpts{
	MaxAttempts: 3,
	InitialWait: 50 * time.Millisecond,
	MaxWait:     500 * time.Millisecond,
	Jitter:      true,
	RetryIf:     func(err error) bool { return errors.Is(err, domain.ErrBusy) },
}

// Service is the recommendation-to-request bridge.
type Service struct {
	ledger   Reserver
	store    RequestStore
	guard    Guard
	notifier Notifier
	logger   *slog.Logger

	accepts     *metrics.Counter
	backordered *metrics.Counter
	duplicates  *metrics.Counter
}

// New creates a bridge Service. guard, notifier, and reg may be nil; a nil
// guard disables idempotency (tests, single-shot CLIs).
func New(ledger Reserver, store RequestStore, guard Guard, notifier Notifier, reg *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{ledger: ledger, store: store, guard: guard, notifier: notifier, logger: logger}
	if reg != nil {
		s.accepts = reg.Counter("bridge_accepted_lines_total", "Recommendation lines accepted with stock reserved")
		s.backordered = reg.Counter("bridge_backordered_lines_total", "Recommendation lines accepted without stock")
		s.duplicates = reg.Counter("bridge_duplicate_lines_total", "Accept lines skipped as already processed")
	}
	return s
}

// AcceptResult reports what happened to each accepted line.
type AcceptResult struct {
	Approved    []domain.PartsRequest `json:"approved"`
	Backordered []domain.PartsRequest `json:"backordered"`
	Skipped     []string              `json:"skipped,omitempty"`
}

// Accept materializes an accepted recommendation for a ticket. selections
// names the part numbers the user kept; empty means every recommended part.
// jobID > 0 additionally writes the write-once snapshot onto the job.
func (s *Service) Accept(ctx context.Context, ticketID, jobID int64, rec *recommend.Recommendation, selections []string) (*AcceptResult, error) {
	if rec == nil || len(rec.Parts) == 0 {
		return nil, domain.NewValidationError("recommendation", "", domain.ErrEmptyPartDict)
	}
	lines := selectLines(rec, selections)
	if len(lines) == 0 {
		return nil, domain.NewValidationError("selections", fmt.Sprint(selections), domain.ErrEmptyPartNumber)
	}

	result := &AcceptResult{}
	var undo rollback

	for _, line := range lines {
		key := AcceptKey(ticketID, line.PartNumber)
		if skip, err := s.alreadyAccepted(ctx, key); err != nil {
			s.compensate(ctx, undo)
			return nil, err
		} else if skip {
			if s.duplicates != nil {
				s.duplicates.Inc()
			}
			result.Skipped = append(result.Skipped, line.PartNumber)
			continue
		}
		if s.guard != nil {
			undo.claimed = append(undo.claimed, key)
		}

		qty := line.EstimatedQuantity
		if qty < 1 {
			qty = 1
		}
		req := domain.PartsRequest{
			TicketID:          ticketID,
			PartNumber:        line.PartNumber,
			QuantityRequested: qty,
			RecommendedByAI:   true,
			AIConfidence:      line.Confidence,
		}

		_, err := s.reserve(ctx, line.PartNumber, qty)
		switch {
		case err == nil:
			req.Status = domain.RequestApproved
			if insErr := s.store.InsertRequest(ctx, &req); insErr != nil {
				// The reservation for this line is already held; undo it
				// along with the earlier lines.
				undo.reserved = append(undo.reserved, domain.PartLine{PartNumber: line.PartNumber, Quantity: qty})
				s.compensate(ctx, undo)
				return nil, insErr
			}
			undo.reserved = append(undo.reserved, domain.PartLine{PartNumber: line.PartNumber, Quantity: qty})
			undo.inserted = append(undo.inserted, req.ID)
			result.Approved = append(result.Approved, req)
			if s.accepts != nil {
				s.accepts.Inc()
			}

		case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrNotFound):
			req.Status = domain.RequestPending
			if insErr := s.store.InsertRequest(ctx, &req); insErr != nil {
				s.compensate(ctx, undo)
				return nil, insErr
			}
			undo.inserted = append(undo.inserted, req.ID)
			result.Backordered = append(result.Backordered, req)
			if s.backordered != nil {
				s.backordered.Inc()
			}
			if s.notifier != nil {
				s.notifier.Notify(ctx, BackorderSubject, BackorderEvent{
					TicketID: ticketID, PartNumber: line.PartNumber, Quantity: qty,
				})
			}

		default:
			s.compensate(ctx, undo)
			return nil, fmt.Errorf("bridge: accept ticket=%d part=%s: %w", ticketID, line.PartNumber, err)
		}
	}

	// A fully-skipped replay already wrote its snapshot the first time
	// around; surfacing ErrSnapshotExists would break idempotency.
	if jobID > 0 && (len(result.Approved) > 0 || len(result.Backordered) > 0) {
		if err := s.writeSnapshot(ctx, jobID, rec); err != nil {
			return nil, err
		}
	}

	s.logger.Info("recommendation accepted",
		"ticket_id", ticketID, "job_id", jobID,
		"approved", len(result.Approved), "backordered", len(result.Backordered),
		"skipped", len(result.Skipped))
	return result, nil
}

// RequestPart creates a manual parts request outside any recommendation.
// Same reserve flow, flagged as not AI-recommended.
func (s *Service) RequestPart(ctx context.Context, ticketID int64, partNumber string, qty int) (*domain.PartsRequest, error) {
	if partNumber == "" {
		return nil, domain.NewValidationError("part_number", "", domain.ErrEmptyPartNumber)
	}
	if qty < 1 {
		return nil, domain.NewValidationError("quantity", partNumber, domain.ErrInvalidQuantityRequested)
	}

	req := domain.PartsRequest{
		TicketID:          ticketID,
		PartNumber:        partNumber,
		QuantityRequested: qty,
	}

	_, err := s.reserve(ctx, partNumber, qty)
	switch {
	case err == nil:
		req.Status = domain.RequestApproved
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrNotFound):
		req.Status = domain.RequestPending
		if s.notifier != nil {
			s.notifier.Notify(ctx, BackorderSubject, BackorderEvent{
				TicketID: ticketID, PartNumber: partNumber, Quantity: qty,
			})
		}
	default:
		return nil, fmt.Errorf("bridge: request ticket=%d part=%s: %w", ticketID, partNumber, err)
	}

	if insErr := s.store.InsertRequest(ctx, &req); insErr != nil {
		if req.Status == domain.RequestApproved {
			s.compensate(ctx, rollback{reserved: []domain.PartLine{{PartNumber: partNumber, Quantity: qty}}})
		}
		return nil, insErr
	}
	return &req, nil
}

// MarkFulfilled hands qty units of an approved request to the technician:
// the reservation is consumed and the request advances, reaching fulfilled
// once the full requested quantity is covered.
func (s *Service) MarkFulfilled(ctx context.Context, requestID int64, qty int) (*domain.PartsRequest, error) {
	if qty < 1 {
		return nil, domain.NewValidationError("quantity", fmt.Sprint(requestID), domain.ErrInvalidQuantityRequested)
	}
	prev, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if prev.Status != domain.RequestApproved {
		return nil, domain.NewOpError("bridge.fulfill", fmt.Sprint(requestID),
			fmt.Errorf("request is %s, want %s", prev.Status, domain.RequestApproved))
	}
	if remaining := prev.QuantityRequested - prev.QuantityFulfilled; qty > remaining {
		qty = remaining
	}
	if qty < 1 {
		return prev, nil
	}

	if err := s.ledger.Consume(ctx, prev.PartNumber, qty); err != nil {
		return nil, err
	}
	req, err := s.store.AdvanceFulfillment(ctx, requestID, qty)
	if err != nil {
		// Stock is already consumed; the request row lags. Surface it loudly.
		s.logger.Error("fulfillment row update failed after consume",
			"request_id", requestID, "part", prev.PartNumber, "qty", qty, "err", err)
		return nil, err
	}
	return req, nil
}

func (s *Service) reserve(ctx context.Context, partNumber string, qty int) (int, error) {
	res := fn.Retry(ctx, busyRetry, func(ctx context.Context) fn.Result[int] {
		return fn.FromPair(s.ledger.Reserve(ctx, partNumber, qty))
	})
	return res.Unwrap()
}

func (s *Service) alreadyAccepted(ctx context.Context, key string) (bool, error) {
	if s.guard == nil {
		return false, nil
	}
	ok, err := s.guard.Acquire(ctx, key)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// rollback tracks what one acceptance has changed so far: reservations held,
// idempotency keys claimed, and request rows inserted.
type rollback struct {
	reserved []domain.PartLine
	claimed  []string
	inserted []int64
}

// compensate undoes a failed acceptance: reservations are released, inserted
// rows are rejected, and claimed idempotency keys are freed so a retried
// accept sees none of this attempt. Release clamps at zero so a partial
// compensation replay is harmless; individual failures are logged, not
// propagated, because the caller is already on an error path.
func (s *Service) compensate(ctx context.Context, undo rollback) {
	for _, line := range undo.reserved {
		if _, err := s.ledger.Release(ctx, line.PartNumber, line.Quantity); err != nil {
			s.logger.Error("compensating release failed",
				"part", line.PartNumber, "qty", line.Quantity, "err", err)
		}
	}
	for _, id := range undo.inserted {
		if err := s.store.RejectRequest(ctx, id); err != nil {
			s.logger.Error("compensating reject failed", "request_id", id, "err", err)
		}
	}
	if s.guard == nil {
		return
	}
	for _, key := range undo.claimed {
		if err := s.guard.Release(ctx, key); err != nil {
			s.logger.Error("compensating key release failed", "key", key, "err", err)
		}
	}
}

func (s *Service) writeSnapshot(ctx context.Context, jobID int64, rec *recommend.Recommendation) error {
	snap := domain.RecommendationSnapshot{
		JobID:      jobID,
		Parts:      make([]domain.SnapshotPart, 0, len(rec.Parts)),
		Confidence: rec.Confidence,
	}
	for _, p := range rec.Parts {
		snap.Parts = append(snap.Parts, domain.SnapshotPart{
			PartNumber: p.PartNumber,
			Score:      p.Score,
			Quantity:   p.EstimatedQuantity,
			Rationale:  p.Rationale,
		})
	}
	snap.Reasoning = fmt.Sprintf("aggregated from %d similar claims", rec.NeighborCount)
	return s.store.WriteSnapshot(ctx, snap)
}

// selectLines filters the recommendation down to the selected part numbers,
// preserving rank order. Unknown selections are ignored.
func selectLines(rec *recommend.Recommendation, selections []string) []recommend.Part {
	if len(selections) == 0 {
		return rec.Parts
	}
	want := make(map[string]bool, len(selections))
	for _, pn := range selections {
		want[pn] = true
	}
	var out []recommend.Part
	for _, p := range rec.Parts {
		if want[p.PartNumber] {
			out = append(out, p)
		}
	}
	return out
}
