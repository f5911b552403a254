// Package ingest loads historical claims into the claim store and the vector
// index. It serves two entry points: a NATS subscription for records arriving
// from the claims export feed, and a bulk path for offline loads.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/AgriFixAI/agrifix-mvp/engine/domain"
	"github.com/AgriFixAI/agrifix-mvp/engine/semantic"
	"github.com/AgriFixAI/agrifix-mvp/pkg/embed"
	"github.com/AgriFixAI/agrifix-mvp/pkg/fn"
	"github.com/AgriFixAI/agrifix-mvp/pkg/metrics"
	"github.com/AgriFixAI/agrifix-mvp/pkg/natsutil"
)

// ClaimWriter is the claim store write path.
type ClaimWriter interface {
	InsertClaim(ctx context.Context, c *domain.Claim) error
}

// VectorWriter is the vector index write path.
type VectorWriter interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// Options holds the ingestion tunables.
type Options struct {
	// EmbedBatchSize caps texts per provider call on the bulk path.
	EmbedBatchSize int
	// Workers bounds concurrent claim inserts on the bulk path.
	Workers int
	// MaxRetries bounds attempts per claim on the subscription path before
	// the record goes to the dead-letter subject.
	MaxRetries int
	Subject    string
	DLQSubject string
}

// DefaultOptions returns the tuned defaults.
func DefaultOptions() Options {
	return Options{
		EmbedBatchSize: 100,
		Workers:        4,
		MaxRetries:     3,
		Subject:        "claims.ingest",
		DLQSubject:     "claims.ingest.dlq",
	}
}

// DeadLetter wraps a claim that exhausted its ingest retries.
type DeadLetter struct {
	Claim    domain.Claim `json:"claim"`
	Error    string       `json:"error"`
	Attempts int          `json:"attempts"`
}

// Pipeline runs validate -> clean -> embed -> persist -> index for claims.
type Pipeline struct {
	embedder embed.Embedder
	store    ClaimWriter
	index    VectorWriter
	opts     Options
	logger   *slog.Logger

	ingested *metrics.Counter
	failed   *metrics.Counter
	latency  *metrics.Histogram
}

// New creates an ingestion Pipeline. reg may be nil.
func New(embedder embed.Embedder, store ClaimWriter, index VectorWriter, opts Options, reg *metrics.Registry, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{embedder: embedder, store: store, index: index, opts: opts, logger: logger}
	if reg != nil {
		p.ingested = reg.Counter("ingest_claims_total", "Claims ingested into store and index")
		p.failed = reg.Counter("ingest_failures_total", "Claims that failed ingestion")
		p.latency = reg.Histogram("ingest_claim_duration_seconds", "Per-claim ingest latency", nil)
	}
	return p
}

// IngestOne runs the full pipeline for a single claim.
func (p *Pipeline) IngestOne(ctx context.Context, c domain.Claim) error {
	start := time.Now()
	stage := fn.TracedStage("ingest.claim",
		fn.Then(p.prepareStage(), fn.Then(p.embedStage(), p.persistStage())))
	_, err := stage(ctx, c).Unwrap()

	if p.latency != nil {
		p.latency.Since(start)
	}
	if err != nil {
		if p.failed != nil {
			p.failed.Inc()
		}
		return err
	}
	if p.ingested != nil {
		p.ingested.Inc()
	}
	return nil
}

// prepareStage validates the raw record and derives the cleaned text that
// gets embedded.
func (p *Pipeline) prepareStage() fn.Stage[domain.Claim, domain.Claim] {
	return func(ctx context.Context, c domain.Claim) fn.Result[domain.Claim] {
		if err := domain.ValidateClaim(&c); err != nil {
			return fn.Err[domain.Claim](err)
		}
		c.SymptomTextClean = CleanText(c.SymptomText)
		c.DefectTextClean = CleanText(c.DefectText)
		if c.SymptomTextClean == "" {
			return fn.Err[domain.Claim](domain.NewValidationError("symptom_text", c.SymptomText, domain.ErrEmptySymptom))
		}
		return fn.Ok(c)
	}
}

// embedStage fills in missing embeddings. Claims re-ingested with vectors
// already present (offline backfill) skip the provider call.
func (p *Pipeline) embedStage() fn.Stage[domain.Claim, domain.Claim] {
	return func(ctx context.Context, c domain.Claim) fn.Result[domain.Claim] {
		var texts []string
		if c.SymptomEmbedding == nil {
			texts = append(texts, c.SymptomTextClean)
		}
		wantDefect := c.DefectEmbedding == nil && c.DefectTextClean != ""
		if wantDefect {
			texts = append(texts, c.DefectTextClean)
		}
		if len(texts) == 0 {
			return fn.Ok(c)
		}

		vecs, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fn.Err[domain.Claim](fmt.Errorf("ingest: embed %s: %w", c.ClaimID, err))
		}
		i := 0
		if c.SymptomEmbedding == nil {
			c.SymptomEmbedding = vecs[i]
			i++
		}
		if wantDefect {
			c.DefectEmbedding = vecs[i]
		}
		return fn.Ok(c)
	}
}

// persistStage upserts the claim row, then its vectors. Ordering matters: a
// claim indexed before it is stored would surface as an unresolvable
// neighbor.
func (p *Pipeline) persistStage() fn.Stage[domain.Claim, domain.Claim] {
	return func(ctx context.Context, c domain.Claim) fn.Result[domain.Claim] {
		if err := p.store.InsertClaim(ctx, &c); err != nil {
			return fn.Err[domain.Claim](err)
		}
		if err := p.index.Upsert(ctx, Records(&c)); err != nil {
			return fn.Err[domain.Claim](err)
		}
		return fn.Ok(c)
	}
}

// Records builds the vector records for every embedded channel of a claim.
func Records(c *domain.Claim) []semantic.VectorRecord {
	var recs []semantic.VectorRecord
	for _, kind := range domain.Kinds {
		if vec := c.Embedding(kind); vec != nil {
			recs = append(recs, semantic.VectorRecord{
				ClaimID:   c.ClaimID,
				Kind:      kind,
				Embedding: vec,
				Series:    c.SeriesName,
			})
		}
	}
	return recs
}

// Report summarizes a bulk ingestion run.
type Report struct {
	Total    int
	Ingested int
	Failed   int
}

// IngestBulk loads claims in EmbedBatchSize chunks: one provider call per
// chunk and channel, bounded-concurrency inserts, one index upsert per
// chunk. Failures are counted and skipped, never fatal to the run; only
// context cancellation stops it.
func (p *Pipeline) IngestBulk(ctx context.Context, claimsIn []domain.Claim) (Report, error) {
	rep := Report{Total: len(claimsIn)}
	batch := p.opts.EmbedBatchSize
	if batch < 1 {
		batch = DefaultOptions().EmbedBatchSize
	}

	for start := 0; start < len(claimsIn); start += batch {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		end := min(start+batch, len(claimsIn))
		chunk := claimsIn[start:end]

		prepared := make([]domain.Claim, 0, len(chunk))
		for _, c := range chunk {
			res := p.prepareStage()(ctx, c)
			v, err := res.Unwrap()
			if err != nil {
				p.logger.Warn("ingest: invalid claim skipped", "claim_id", c.ClaimID, "err", err)
				rep.Failed++
				continue
			}
			prepared = append(prepared, v)
		}
		if len(prepared) == 0 {
			continue
		}

		embedded, err := p.embedChunk(ctx, prepared)
		if err != nil {
			p.logger.Error("ingest: embed chunk failed, skipping", "from", start, "size", len(prepared), "err", err)
			rep.Failed += len(prepared)
			continue
		}

		results := fn.ParMapResult(embedded, p.opts.Workers, func(c domain.Claim) fn.Result[domain.Claim] {
			if err := p.store.InsertClaim(ctx, &c); err != nil {
				return fn.Err[domain.Claim](err)
			}
			return fn.Ok(c)
		})
		var recs []semantic.VectorRecord
		for i, res := range results {
			v, err := res.Unwrap()
			if err != nil {
				p.logger.Warn("ingest: store failed", "claim_id", embedded[i].ClaimID, "err", err)
				rep.Failed++
				continue
			}
			recs = append(recs, Records(&v)...)
			rep.Ingested++
		}

		if len(recs) > 0 {
			if err := p.index.Upsert(ctx, recs); err != nil {
				// Rows are stored but unindexed; the backfill job repairs this.
				p.logger.Error("ingest: index upsert failed", "records", len(recs), "err", err)
			}
		}
	}

	if p.ingested != nil {
		p.ingested.Add(int64(rep.Ingested))
	}
	if p.failed != nil {
		p.failed.Add(int64(rep.Failed))
	}
	return rep, nil
}

// embedChunk fills missing embeddings for a prepared chunk with one provider
// call per channel.
func (p *Pipeline) embedChunk(ctx context.Context, chunk []domain.Claim) ([]domain.Claim, error) {
	for _, kind := range domain.Kinds {
		var (
			texts []string
			idx   []int
		)
		for i := range chunk {
			if chunk[i].Embedding(kind) != nil {
				continue
			}
			text := chunk[i].SymptomTextClean
			if kind == domain.KindDefect {
				text = chunk[i].DefectTextClean
			}
			if text == "" {
				continue
			}
			texts = append(texts, text)
			idx = append(idx, i)
		}
		if len(texts) == 0 {
			continue
		}
		vecs, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			if kind == domain.KindDefect {
				chunk[i].DefectEmbedding = vecs[j]
			} else {
				chunk[i].SymptomEmbedding = vecs[j]
			}
		}
	}
	return chunk, nil
}

// ingestRetry retries transient failures; validation errors go straight to
// the dead-letter subject.
func (p *Pipeline) ingestRetry() fn.RetryOpts {
	return fn.RetryOpts{
		MaxAttempts: p.opts.MaxRetries,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Jitter:      true,
		RetryIf: func(err error) bool {
			var ve *domain.ValidationError
			return !errors.As(err, &ve)
		},
	}
}

// Run subscribes to the ingest subject and processes claims until ctx is
// done. Claims that exhaust their retries are published to the DLQ subject
// with the final error attached.
func (p *Pipeline) Run(ctx context.Context, nc *nats.Conn) error {
	sub, err := natsutil.Subscribe(nc, p.opts.Subject, func(msgCtx context.Context, c domain.Claim) {
		res := fn.Retry(msgCtx, p.ingestRetry(), func(ctx context.Context) fn.Result[struct{}] {
			return fn.FromPair(struct{}{}, p.IngestOne(ctx, c))
		})
		if _, err := res.Unwrap(); err != nil {
			p.logger.Error("ingest: claim dead-lettered", "claim_id", c.ClaimID, "err", err)
			dl := DeadLetter{Claim: c, Error: err.Error(), Attempts: p.opts.MaxRetries}
			if pubErr := natsutil.Publish(msgCtx, nc, p.opts.DLQSubject, dl); pubErr != nil {
				p.logger.Error("ingest: DLQ publish failed", "claim_id", c.ClaimID, "err", pubErr)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("ingest: subscribe %s: %w", p.opts.Subject, err)
	}
	p.logger.Info("ingest subscription active", "subject", p.opts.Subject)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("ingest: drain: %w", err)
	}
	return nil
}
