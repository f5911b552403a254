// Package domain defines core domain types, constants, and validation for the
// AgriFix recommendation engine. It acts as the validation gate at ingestion
// and request entry points.
package domain

import "time"

// EmbeddingDim is the fixed embedding length produced by the external model.
const EmbeddingDim = 1536

// EmbeddingKind selects one of the two embedding channels stored per claim.
type EmbeddingKind string

const (
	KindSymptom EmbeddingKind = "symptom"
	KindDefect  EmbeddingKind = "defect"
)

// Kinds lists every embedding channel in a stable order.
var Kinds = []EmbeddingKind{KindSymptom, KindDefect}

// PartLine is a single entry of a claim's part consumption.
type PartLine struct {
	PartNumber string `json:"part_number"`
	Quantity   int    `json:"quantity"`
}

// PartDict is an ordered association of part numbers to consumed quantities.
// Order is the ingestion order of the source record; quantities are >= 1.
type PartDict []PartLine

// Get returns the quantity for a part number, or 0 if absent.
func (d PartDict) Get(partNumber string) int {
	for _, l := range d {
		if l.PartNumber == partNumber {
			return l.Quantity
		}
	}
	return 0
}

// Claim is a historical repair record: the described fault and the parts
// actually consumed to fix it. Claims are append-only and never deleted.
type Claim struct {
	ClaimID     string `json:"claim_id"`
	SeriesName  string `json:"series_name"`
	SubSeries   string `json:"sub_series,omitempty"`
	SubAssembly string `json:"sub_assembly,omitempty"`

	SymptomText      string `json:"symptom_text"`
	DefectText       string `json:"defect_text,omitempty"`
	SymptomTextClean string `json:"symptom_text_clean,omitempty"`
	DefectTextClean  string `json:"defect_text_clean,omitempty"`

	Parts PartDict `json:"parts"`

	// Embeddings are nil when the external model has not produced them yet;
	// such claims are excluded from neighbor queries.
	SymptomEmbedding []float32 `json:"-"`
	DefectEmbedding  []float32 `json:"-"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Embedding returns the embedding for the given channel.
func (c *Claim) Embedding(kind EmbeddingKind) []float32 {
	if kind == KindDefect {
		return c.DefectEmbedding
	}
	return c.SymptomEmbedding
}

// SeriesSet is a membership set of compatible machine series.
type SeriesSet map[string]struct{}

// NewSeriesSet builds a SeriesSet from a list of series names.
func NewSeriesSet(series []string) SeriesSet {
	s := make(SeriesSet, len(series))
	for _, name := range series {
		if name != "" {
			s[name] = struct{}{}
		}
	}
	return s
}

// Contains reports whether the series is in the set. An empty set means
// the part is unrestricted.
func (s SeriesSet) Contains(series string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[series]
	return ok
}

// PartCatalogEntry is read-only catalog metadata for a part number.
// Maintained by an external catalog process.
type PartCatalogEntry struct {
	PartNumber       string    `json:"part_number"`
	PartName         string    `json:"part_name"`
	Description      string    `json:"description,omitempty"`
	Category         string    `json:"category,omitempty"`
	CompatibleSeries SeriesSet `json:"compatible_series,omitempty"`
	Price            float64   `json:"price,omitempty"`
	Weight           float64   `json:"weight,omitempty"`
}

// StockStatus classifies an inventory level.
type StockStatus string

const (
	StockOut StockStatus = "out_of_stock"
	StockLow StockStatus = "low_stock"
	StockOK  StockStatus = "in_stock"
)

// InventoryRecord is the stock state for a part number. Counters are owned
// by the inventory ledger and mutate only through reserve/release/consume.
type InventoryRecord struct {
	PartNumber    string    `json:"part_number"`
	CurrentStock  int       `json:"current_stock"`
	ReservedStock int       `json:"reserved_stock"`
	MinimumStock  int       `json:"minimum_stock"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Available is the stock not held by a reservation.
func (r InventoryRecord) Available() int {
	a := r.CurrentStock - r.ReservedStock
	if a < 0 {
		return 0
	}
	return a
}

// Status classifies the record against its reorder threshold.
func (r InventoryRecord) Status() StockStatus {
	switch avail := r.Available(); {
	case avail <= 0:
		return StockOut
	case avail <= r.MinimumStock:
		return StockLow
	default:
		return StockOK
	}
}

// RequestStatus is the lifecycle state of a parts request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestRejected  RequestStatus = "rejected"
)

// ValidRequestStatuses is the set of recognised request states.
var ValidRequestStatuses = map[RequestStatus]bool{
	RequestPending: true, RequestApproved: true,
	RequestFulfilled: true, RequestRejected: true,
}

// PartsRequest ties a ticket to a demanded part. Created when a
// recommendation is accepted or a technician requests a part manually;
// mutated as fulfillment progresses; never deleted.
type PartsRequest struct {
	ID                int64         `json:"id"`
	TicketID          int64         `json:"ticket_id"`
	PartNumber        string        `json:"part_number"`
	QuantityRequested int           `json:"quantity_requested"`
	QuantityFulfilled int           `json:"quantity_fulfilled"`
	Status            RequestStatus `json:"status"`
	RecommendedByAI   bool          `json:"recommended_by_ai"`
	AIConfidence      float64       `json:"ai_confidence"`
	CreatedAt         time.Time     `json:"created_at,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at,omitempty"`
}

// SnapshotPart is one ranked line of a persisted recommendation snapshot.
type SnapshotPart struct {
	PartNumber string  `json:"part_number"`
	Score      float64 `json:"score"`
	Quantity   int     `json:"quantity"`
	Rationale  string  `json:"rationale,omitempty"`
}

// RecommendationSnapshot is the write-once copy of an accepted
// recommendation attached to a job for audit.
type RecommendationSnapshot struct {
	JobID      int64          `json:"job_id"`
	Parts      []SnapshotPart `json:"parts"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Confidence float64        `json:"confidence"`
	AcceptedAt time.Time      `json:"accepted_at,omitempty"`
}
