// Package claims provides read access to historical repair claims and the
// part catalog for the recommendation core, plus the append-only write path
// used by ingestion. Claims are never deleted.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AgriFixAI/agrifix-mvp/engine/domain"
)

// Querier is the subset of pgxpool.Pool the store uses. Tests inject fakes.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes claim rows. The embedding columns are pgvector
// vectors; they are cast to float4[] on read so pgx can scan them without a
// vector codec.
type Store struct {
	db     Querier
	logger *slog.Logger
}

// New creates a claim store.
func New(db Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

const claimColumns = `claim_id, series_name, sub_series, sub_assembly,
	symptom_text, defect_text, symptom_text_clean, defect_text_clean,
	part_dict, embedding_symptom::float4[], embedding_defect::float4[],
	created_at, updated_at`

// GetClaim fetches a full claim row.
func (s *Store) GetClaim(ctx context.Context, claimID string) (*domain.Claim, error) {
	row := s.db.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE claim_id = $1`, claimID)
	c, err := s.scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewOpError("claims.get", claimID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("claims: get %s: %w", claimID, err)
	}
	return c, nil
}

// GetPartsForClaim returns the part consumption of a claim. A claim with a
// malformed or empty part dict yields an empty dict, not an error; only a
// missing claim is NotFound.
func (s *Store) GetPartsForClaim(ctx context.Context, claimID string) (domain.PartDict, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT part_dict FROM claims WHERE claim_id = $1`, claimID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewOpError("claims.parts", claimID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("claims: parts for %s: %w", claimID, err)
	}
	dict, dropped := ParsePartDict(raw)
	if dropped > 0 {
		s.logger.Warn("claims: dropped malformed part lines", "claim_id", claimID, "dropped", dropped)
	}
	return dict, nil
}

// GetEmbedding returns the stored embedding for one channel.
// ok is false when the claim exists but the channel is absent.
func (s *Store) GetEmbedding(ctx context.Context, claimID string, kind domain.EmbeddingKind) (vec []float32, ok bool, err error) {
	col := "embedding_symptom"
	if kind == domain.KindDefect {
		col = "embedding_defect"
	}
	err = s.db.QueryRow(ctx,
		`SELECT `+col+`::float4[] FROM claims WHERE claim_id = $1`, claimID).Scan(&vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.NewOpError("claims.embedding", claimID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("claims: embedding %s/%s: %w", claimID, kind, err)
	}
	return vec, vec != nil, nil
}

// InsertClaim upserts a claim row. Conflicting ingest of the same claim id
// refreshes embeddings, cleaned text, and updated_at only; the historical
// record itself is immutable.
func (s *Store) InsertClaim(ctx context.Context, c *domain.Claim) error {
	raw, err := json.Marshal(c.Parts)
	if err != nil {
		return fmt.Errorf("claims: marshal part dict for %s: %w", c.ClaimID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO claims (
			claim_id, series_name, sub_series, sub_assembly,
			symptom_text, defect_text, symptom_text_clean, defect_text_clean,
			part_dict, embedding_symptom, embedding_defect, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::float4[]::vector,$11::float4[]::vector,now(),now())
		ON CONFLICT (claim_id) DO UPDATE SET
			symptom_text_clean = EXCLUDED.symptom_text_clean,
			defect_text_clean  = EXCLUDED.defect_text_clean,
			embedding_symptom  = EXCLUDED.embedding_symptom,
			embedding_defect   = EXCLUDED.embedding_defect,
			updated_at         = now()`,
		c.ClaimID, c.SeriesName, c.SubSeries, c.SubAssembly,
		c.SymptomText, c.DefectText, c.SymptomTextClean, c.DefectTextClean,
		raw, c.SymptomEmbedding, c.DefectEmbedding)
	if err != nil {
		return fmt.Errorf("claims: insert %s: %w", c.ClaimID, err)
	}
	return nil
}

// WalkEmbedded streams all claims that carry at least one embedding, in
// claim id order. Used by the offline index rebuild.
func (s *Store) WalkEmbedded(ctx context.Context, fn func(*domain.Claim) error) error {
	rows, err := s.db.Query(ctx, `SELECT `+claimColumns+` FROM claims
		WHERE embedding_symptom IS NOT NULL OR embedding_defect IS NOT NULL
		ORDER BY claim_id`)
	if err != nil {
		return fmt.Errorf("claims: walk embedded: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := s.scanClaim(rows)
		if err != nil {
			return fmt.Errorf("claims: walk scan: %w", err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetCatalogEntry fetches read-only catalog metadata for a part number.
func (s *Store) GetCatalogEntry(ctx context.Context, partNumber string) (*domain.PartCatalogEntry, error) {
	var (
		e      domain.PartCatalogEntry
		series []string
	)
	err := s.db.QueryRow(ctx, `
		SELECT part_number, part_name, COALESCE(description,''), COALESCE(category,''),
		       COALESCE(compatible_series, '{}'), COALESCE(price,0), COALESCE(weight,0)
		FROM part_catalog WHERE part_number = $1`, partNumber).
		Scan(&e.PartNumber, &e.PartName, &e.Description, &e.Category, &series, &e.Price, &e.Weight)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NewOpError("catalog.get", partNumber, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("claims: catalog %s: %w", partNumber, err)
	}
	e.CompatibleSeries = domain.NewSeriesSet(series)
	return &e, nil
}

// scanClaim scans one claim row in claimColumns order.
func (s *Store) scanClaim(row pgx.Row) (*domain.Claim, error) {
	var (
		c                    domain.Claim
		raw                  []byte
		createdAt, updatedAt time.Time
	)
	err := row.Scan(&c.ClaimID, &c.SeriesName, &c.SubSeries, &c.SubAssembly,
		&c.SymptomText, &c.DefectText, &c.SymptomTextClean, &c.DefectTextClean,
		&raw, &c.SymptomEmbedding, &c.DefectEmbedding, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt, c.UpdatedAt = createdAt, updatedAt
	c.Parts, _ = ParsePartDict(raw)
	return &c, nil
}

// ParsePartDict leniently decodes a stored part dict. Legacy rows hold either
// a JSON object of part number to quantity (quantity as number or numeric
// string) or the newer ordered line array. Invalid lines are dropped, and
// object keys are sorted so the result is deterministic. dropped reports how
// many lines were discarded.
func ParsePartDict(raw []byte) (dict domain.PartDict, dropped int) {
	if len(raw) == 0 {
		return nil, 0
	}

	var lines []domain.PartLine
	if err := json.Unmarshal(raw, &lines); err == nil {
		for _, l := range lines {
			if valid, qty := normalizeLine(l.PartNumber, float64(l.Quantity)); valid {
				dict = append(dict, domain.PartLine{PartNumber: strings.TrimSpace(l.PartNumber), Quantity: qty})
			} else {
				dropped++
			}
		}
		return dict, dropped
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, 1
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		qty, ok := asQuantity(obj[k])
		if !ok {
			dropped++
			continue
		}
		if valid, q := normalizeLine(k, qty); valid {
			dict = append(dict, domain.PartLine{PartNumber: strings.TrimSpace(k), Quantity: q})
		} else {
			dropped++
		}
	}
	return dict, dropped
}

func normalizeLine(partNumber string, qty float64) (bool, int) {
	pn := strings.TrimSpace(partNumber)
	if pn == "" || strings.EqualFold(pn, "nan") || qty < 1 {
		return false, 0
	}
	return true, int(qty)
}

func asQuantity(v any) (float64, bool) {
	switch q := v.(type) {
	case float64:
		return q, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(q), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
