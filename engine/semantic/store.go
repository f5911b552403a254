// Package semantic owns all Qdrant operations for the claim vector index.
// Each embedding channel (symptom, defect) lives in its own collection so
// the two neighborhoods can be queried independently.
package semantic

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AgriFixAI/agrifix-mvp/engine/domain"
)

const (
	// MaxTopK caps neighbor queries to bound aggregation cost.
	MaxTopK = 50
	// DefaultTopK is used when a caller passes k <= 0.
	DefaultTopK = 20
)

// pointsAPI is the slice of pb.PointsClient the index uses. Tests inject
// hand-rolled mocks.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsAPI is the slice of pb.CollectionsClient the index uses.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorIndex is the sole owner of all Qdrant operations.
type VectorIndex struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	base        string
}

// New creates a VectorIndex connected to Qdrant at the given gRPC address.
// base is the collection name prefix; channels become "<base>_symptom" and
// "<base>_defect".
func New(addr, base string) (*VectorIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		base:        base,
	}, nil
}

// NewWithClients creates a VectorIndex with injected clients (tests).
func NewWithClients(points pointsAPI, collections collectionsAPI, base string) *VectorIndex {
	return &VectorIndex{points: points, collections: collections, base: base}
}

// Close closes the underlying gRPC connection.
func (v *VectorIndex) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

func (v *VectorIndex) collection(kind domain.EmbeddingKind) string {
	return v.base + "_" + string(kind)
}

// EnsureCollections creates the per-channel collections if absent.
// Cosine distance; magnitude carries no meaning for this embedding model.
func (v *VectorIndex) EnsureCollections(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	existing := make(map[string]bool, len(list.GetCollections()))
	for _, c := range list.GetCollections() {
		existing[c.GetName()] = true
	}

	for _, kind := range domain.Kinds {
		name := v.collection(kind)
		if existing[name] {
			continue
		}
		_, err = v.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: name,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     uint64(domain.EmbeddingDim),
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("semantic: create collection %s: %w", name, err)
		}
	}
	return nil
}

// DropCollections deletes both channel collections. Used by offline rebuild.
func (v *VectorIndex) DropCollections(ctx context.Context) error {
	for _, kind := range domain.Kinds {
		name := v.collection(kind)
		if _, err := v.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
			return fmt.Errorf("semantic: delete collection %s: %w", name, err)
		}
	}
	return nil
}

// PointID derives a stable Qdrant UUID from a claim id, so re-upserts of the
// same claim overwrite rather than duplicate.
func PointID(claimID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("agrifix/claim/"+claimID)).String()
}

// Upsert stores claim embeddings into the channel collections. Records are
// grouped by kind; a record with a nil embedding is skipped.
func (v *VectorIndex) Upsert(ctx context.Context, records []VectorRecord) error {
	byKind := make(map[domain.EmbeddingKind][]*pb.PointStruct)
	for _, r := range records {
		if len(r.Embedding) == 0 {
			continue
		}
		payload := map[string]*pb.Value{
			"claim_id": {Kind: &pb.Value_StringValue{StringValue: r.ClaimID}},
		}
		if r.Series != "" {
			payload["series"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: r.Series}}
		}
		byKind[r.Kind] = append(byKind[r.Kind], &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ClaimID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Embedding},
				},
			},
			Payload: payload,
		})
	}

	wait := true
	for kind, points := range byKind {
		_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: v.collection(kind),
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("semantic: upsert %d points into %s: %w", len(points), v.collection(kind), err)
		}
	}
	return nil
}

// DeleteByClaimID removes a claim's point from both channel collections.
// Used when re-ingesting corrected records.
func (v *VectorIndex) DeleteByClaimID(ctx context.Context, claimID string) error {
	wait := true
	for _, kind := range domain.Kinds {
		_, err := v.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: v.collection(kind),
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Filter{
					Filter: &pb.Filter{
						Must: []*pb.Condition{fieldMatch("claim_id", claimID)},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("semantic: delete claim %s from %s: %w", claimID, v.collection(kind), err)
		}
	}
	return nil
}

// Query performs k-NN search on one channel. Results are ordered by
// similarity descending; ties break by ascending claim id so identical
// queries against an unchanged index return identical output. An empty index
// yields an empty slice, not an error.
func (v *VectorIndex) Query(ctx context.Context, kind domain.EmbeddingKind, vector []float32, k int, series string) ([]Neighbor, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	if k > MaxTopK {
		k = MaxTopK
	}

	req := &pb.SearchPoints{
		CollectionName: v.collection(kind),
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if series != "" {
		req.Filter = &pb.Filter{Must: []*pb.Condition{fieldMatch("series", series)}}
	}

	resp, err := v.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", v.collection(kind), err)
	}

	neighbors := make([]Neighbor, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		claimID := r.GetPayload()["claim_id"].GetStringValue()
		if claimID == "" {
			// Legacy points without payload fall back to the raw point id.
			claimID = r.GetId().GetUuid()
		}
		neighbors = append(neighbors, Neighbor{
			ClaimID:    claimID,
			Similarity: r.GetScore(),
			Series:     r.GetPayload()["series"].GetStringValue(),
		})
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].ClaimID < neighbors[j].ClaimID
	})
	return neighbors, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
