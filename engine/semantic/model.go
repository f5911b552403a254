package semantic

import "github.com/AgriFixAI/agrifix-mvp/engine/domain"

// Neighbor is a single k-NN hit against one embedding channel.
type Neighbor struct {
	ClaimID    string  `json:"claim_id"`
	Similarity float32 `json:"similarity"`
	Series     string  `json:"series,omitempty"`
}

// VectorRecord is one claim embedding to store in the index.
type VectorRecord struct {
	ClaimID   string
	Kind      domain.EmbeddingKind
	Embedding []float32
	Series    string
}
