// Package recommend turns a free-text fault description into a ranked,
// confidence-scored parts recommendation. It embeds the text, queries the
// symptom and defect neighborhoods independently, resolves each neighbor
// claim to its consumed parts, and aggregates the evidence per part number.
//
// The pipeline is read-only: nothing is mutated until the bridge acts on an
// accepted recommendation, so cancellation needs no compensation here.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/AgriFixAI/agrifix-mvp/engine/domain"
	"github.com/AgriFixAI/agrifix-mvp/engine/semantic"
	"github.com/AgriFixAI/agrifix-mvp/pkg/embed"
	"github.com/AgriFixAI/agrifix-mvp/pkg/fn"
	"github.com/AgriFixAI/agrifix-mvp/pkg/metrics"
)

// NeighborSearcher abstracts the vector index.
type NeighborSearcher interface {
	Query(ctx context.Context, kind domain.EmbeddingKind, vector []float32, k int, series string) ([]semantic.Neighbor, error)
}

// PartsResolver abstracts the claim store read path.
type PartsResolver interface {
	GetPartsForClaim(ctx context.Context, claimID string) (domain.PartDict, error)
}

// EmbeddingCache caches query-text embeddings. Implementations must treat
// misses and errors alike; the provider is the source of truth.
type EmbeddingCache interface {
	Get(ctx context.Context, text string) ([]float32, bool)
	Put(ctx context.Context, text string, vec []float32)
}

// Options holds the aggregation tunables. The symptom channel outweighs the
// defect channel because the reported fault text matches symptoms directly.
type Options struct {
	SymptomWeight   float64
	DefectWeight    float64
	TopK            int
	SimilarityFloor float64
	MaxParts        int
	// ConfidenceScale controls how fast the saturating normalization
	// approaches 1; confidence = 1 - exp(-score/scale).
	ConfidenceScale float64
	SearchTimeout   time.Duration
}

// DefaultOptions returns the tuned defaults.
func DefaultOptions() Options {
	return Options{
		SymptomWeight:   0.7,
		DefectWeight:    0.3,
		TopK:            20,
		SimilarityFloor: 0.65,
		MaxParts:        5,
		ConfidenceScale: 1.0,
		SearchTimeout:   5 * time.Second,
	}
}

// Query is one recommendation request.
type Query struct {
	Text   string `json:"text"`
	Series string `json:"series,omitempty"`
}

// Part is one ranked line of a recommendation.
type Part struct {
	PartNumber        string  `json:"part_number"`
	Score             float64 `json:"score"`
	Confidence        float64 `json:"confidence"`
	EstimatedQuantity int     `json:"estimated_quantity"`
	Rationale         string  `json:"rationale"`
}

// Recommendation is the ranked output for one query. NoSignal distinguishes
// "no similar claims found" from a system failure, which is an error instead.
type Recommendation struct {
	Parts         []Part  `json:"parts"`
	Confidence    float64 `json:"confidence"`
	NoSignal      bool    `json:"no_signal"`
	NeighborCount int     `json:"neighbor_count"`
}

// Service is the recommendation aggregator.
type Service struct {
	embedder embed.Embedder
	search   NeighborSearcher
	parts    PartsResolver
	cache    EmbeddingCache
	opts     Options
	logger   *slog.Logger

	recsTotal  *metrics.Counter
	recsEmpty  *metrics.Counter
	recLatency *metrics.Histogram
}

// New creates a recommendation Service. cache and reg may be nil.
func New(embedder embed.Embedder, search NeighborSearcher, parts PartsResolver, cache EmbeddingCache, opts Options, reg *metrics.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		embedder: embedder,
		search:   search,
		parts:    parts,
		cache:    cache,
		opts:     opts,
		logger:   logger,
	}
	if reg != nil {
		s.recsTotal = reg.Counter("recommend_requests_total", "Recommendation requests served")
		s.recsEmpty = reg.Counter("recommend_empty_total", "Recommendations with no signal")
		s.recLatency = reg.Histogram("recommend_duration_seconds", "End-to-end recommendation latency", nil)
	}
	return s
}

// channel pairs an embedding kind with its aggregation weight.
type channel struct {
	kind   domain.EmbeddingKind
	weight float64
}

func (s *Service) channels() []channel {
	return []channel{
		{domain.KindSymptom, s.opts.SymptomWeight},
		{domain.KindDefect, s.opts.DefectWeight},
	}
}

// Recommend runs the full pipeline for one query.
func (s *Service) Recommend(ctx context.Context, q Query) (*Recommendation, error) {
	start := time.Now()
	if strings.TrimSpace(q.Text) == "" {
		return nil, domain.NewValidationError("text", "", domain.ErrEmptySymptom)
	}
	s.logger.Info("recommend start", "text_len", len(q.Text), "series", q.Series)

	// 1. Embed the fault description. Provider failure is fatal to the
	// request; the caller must see it, not an empty result.
	vector, err := s.embedQuery(ctx, q.Text)
	if err != nil {
		return nil, domain.NewOpError("recommend.embed", fmt.Sprintf("text_len=%d", len(q.Text)),
			fmt.Errorf("%w: %s", domain.ErrEmbeddingUnavailable, err))
	}

	// 2. Query both neighborhoods concurrently; the channels are independent.
	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	chans := s.channels()
	results := fn.FanOutResult(
		func() fn.Result[[]semantic.Neighbor] {
			return fn.FromPair(s.search.Query(searchCtx, chans[0].kind, vector, s.opts.TopK, q.Series))
		},
		func() fn.Result[[]semantic.Neighbor] {
			return fn.FromPair(s.search.Query(searchCtx, chans[1].kind, vector, s.opts.TopK, q.Series))
		},
	)
	neighborhoods, err2 := results.Unwrap()
	if err2 != nil {
		return nil, fmt.Errorf("recommend: neighbor search: %w", err2)
	}

	// 3-6. Aggregate into ranked parts.
	rec := s.aggregate(ctx, chans, neighborhoods)

	if s.recsTotal != nil {
		s.recsTotal.Inc()
		if rec.NoSignal {
			s.recsEmpty.Inc()
		}
		s.recLatency.Since(start)
	}
	s.logger.Info("recommend done",
		"parts", len(rec.Parts), "neighbors", rec.NeighborCount,
		"confidence", rec.Confidence, "duration", time.Since(start))
	return rec, nil
}

func (s *Service) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if s.cache != nil {
		if vec, ok := s.cache.Get(ctx, text); ok {
			return vec, nil
		}
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(ctx, text, vec)
	}
	return vec, nil
}

// partEvidence accumulates weighted evidence for one part number.
type partEvidence struct {
	score    float64
	hits     int
	quantity int
}

// aggregate folds ranked neighbor lists from both channels into a single
// ranked part list. Claims with empty or missing part sets are skipped, not
// fatal; the decay 1/(1+rank) rewards consensus across many high-similarity
// claims over a single top hit.
func (s *Service) aggregate(ctx context.Context, chans []channel, neighborhoods [][]semantic.Neighbor) *Recommendation {
	evidence := make(map[string]*partEvidence)
	partsByClaim := make(map[string]domain.PartDict)
	neighborTotal := 0

	for ci, neighbors := range neighborhoods {
		weight := chans[ci].weight
		for rank, n := range neighbors {
			if float64(n.Similarity) < s.opts.SimilarityFloor {
				continue
			}
			neighborTotal++

			dict, seen := partsByClaim[n.ClaimID]
			if !seen {
				var err error
				dict, err = s.parts.GetPartsForClaim(ctx, n.ClaimID)
				if err != nil {
					// Indexed claim missing from the store: stale index
					// entry, skip rather than fail the recommendation.
					s.logger.Warn("recommend: neighbor claim unresolved", "claim_id", n.ClaimID, "err", err)
					dict = nil
				}
				partsByClaim[n.ClaimID] = dict
			}
			if len(dict) == 0 {
				continue
			}

			decay := 1.0 / float64(1+rank)
			contribution := float64(n.Similarity) * weight * decay
			for _, line := range dict {
				ev := evidence[line.PartNumber]
				if ev == nil {
					ev = &partEvidence{}
					evidence[line.PartNumber] = ev
				}
				ev.score += contribution
				ev.hits++
				ev.quantity += line.Quantity
			}
		}
	}

	if len(evidence) == 0 {
		return &Recommendation{NoSignal: true, NeighborCount: neighborTotal}
	}

	ranked := make([]Part, 0, len(evidence))
	for pn, ev := range evidence {
		avgQty := int(math.Round(float64(ev.quantity) / float64(ev.hits)))
		if avgQty < 1 {
			avgQty = 1
		}
		ranked = append(ranked, Part{
			PartNumber:        pn,
			Score:             ev.score,
			Confidence:        s.confidence(ev.score),
			EstimatedQuantity: avgQty,
			Rationale:         fmt.Sprintf("%d hits across %d similar claims", ev.hits, neighborTotal),
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].PartNumber < ranked[j].PartNumber
	})
	if s.opts.MaxParts > 0 && len(ranked) > s.opts.MaxParts {
		ranked = ranked[:s.opts.MaxParts]
	}

	return &Recommendation{
		Parts:         ranked,
		Confidence:    ranked[0].Confidence,
		NeighborCount: neighborTotal,
	}
}

// confidence maps an unbounded aggregate score into [0,1) with a saturating
// curve, so consensus across many hits approaches 1 without a
// corpus-dependent min-max pass.
func (s *Service) confidence(score float64) float64 {
	scale := s.opts.ConfidenceScale
	if scale <= 0 {
		scale = 1
	}
	return 1 - math.Exp(-score/scale)
}

// IsNoSignal reports whether an error-free recommendation carries no usable
// evidence. Callers must distinguish this from a failed computation.
func IsNoSignal(rec *Recommendation, err error) bool {
	return err == nil && rec != nil && rec.NoSignal
}

// IsEmbeddingUnavailable reports whether err is the fatal upstream failure.
func IsEmbeddingUnavailable(err error) bool {
	return errors.Is(err, domain.ErrEmbeddingUnavailable)
}
