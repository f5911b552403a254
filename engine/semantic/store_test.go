package semantic

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/AgriFixAI/agrifix-mvp/engine/domain"
)

// --- Mocks ---

type mockPoints struct {
	upsertReqs []*pb.UpsertPoints
	upsertResp *pb.PointsOperationResponse
	upsertErr  error
	deleteReqs []*pb.DeletePoints
	deleteResp *pb.PointsOperationResponse
	deleteErr  error
	searchReqs []*pb.SearchPoints
	searchResp *pb.SearchResponse
	searchErr  error
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertReqs = append(m.upsertReqs, in)
	return m.upsertResp, m.upsertErr
}
func (m *mockPoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.deleteReqs = append(m.deleteReqs, in)
	return m.deleteResp, m.deleteErr
}
func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReqs = append(m.searchReqs, in)
	return m.searchResp, m.searchErr
}

type mockCollections struct {
	listResp   *pb.ListCollectionsResponse
	listErr    error
	created    []string
	createResp *pb.CollectionOperationResponse
	createErr  error
	deleteResp *pb.CollectionOperationResponse
	deleteErr  error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}
func (m *mockCollections) Create(_ context.Context, in *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created = append(m.created, in.GetCollectionName())
	return m.createResp, m.createErr
}
func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return m.deleteResp, m.deleteErr
}

func scored(uuid string, score float32, claimID string) *pb.ScoredPoint {
	p := &pb.ScoredPoint{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid}},
		Score:   score,
		Payload: map[string]*pb.Value{},
	}
	if claimID != "" {
		p.Payload["claim_id"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: claimID}}
	}
	return p
}

// --- Tests ---

func TestEnsureCollections_CreatesMissing(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "test_symptom"}},
		},
		createResp: &pb.CollectionOperationResponse{Result: true},
	}
	vi := NewWithClients(&mockPoints{}, cols, "test")
	if err := vi.EnsureCollections(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.created) != 1 || cols.created[0] != "test_defect" {
		t.Fatalf("expected only test_defect created, got %v", cols.created)
	}
}

func TestEnsureCollections_ListError(t *testing.T) {
	cols := &mockCollections{listErr: errors.New("rpc fail")}
	vi := NewWithClients(&mockPoints{}, cols, "test")
	if err := vi.EnsureCollections(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDropCollections(t *testing.T) {
	cols := &mockCollections{deleteResp: &pb.CollectionOperationResponse{Result: true}}
	vi := NewWithClients(&mockPoints{}, cols, "test")
	if err := vi.DropCollections(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPointID_Stable(t *testing.T) {
	a := PointID("CLM-001")
	b := PointID("CLM-001")
	c := PointID("CLM-002")
	if a != b {
		t.Errorf("same claim id produced different points: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different claim ids produced the same point")
	}
}

func TestUpsert_GroupsByKind(t *testing.T) {
	pts := &mockPoints{upsertResp: &pb.PointsOperationResponse{}}
	vi := NewWithClients(pts, &mockCollections{}, "test")

	records := []VectorRecord{
		{ClaimID: "c1", Kind: domain.KindSymptom, Embedding: []float32{1, 0}, Series: "M7"},
		{ClaimID: "c1", Kind: domain.KindDefect, Embedding: []float32{0, 1}, Series: "M7"},
		{ClaimID: "c2", Kind: domain.KindSymptom, Embedding: nil}, // skipped
	}
	if err := vi.Upsert(context.Background(), records); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pts.upsertReqs) != 2 {
		t.Fatalf("expected 2 upsert calls (one per kind), got %d", len(pts.upsertReqs))
	}
	for _, req := range pts.upsertReqs {
		if len(req.GetPoints()) != 1 {
			t.Errorf("collection %s: expected 1 point, got %d", req.GetCollectionName(), len(req.GetPoints()))
		}
		payload := req.GetPoints()[0].GetPayload()
		if payload["claim_id"].GetStringValue() != "c1" {
			t.Errorf("missing claim_id payload in %s", req.GetCollectionName())
		}
		if payload["series"].GetStringValue() != "M7" {
			t.Errorf("missing series payload in %s", req.GetCollectionName())
		}
	}
}

func TestUpsert_Error(t *testing.T) {
	pts := &mockPoints{upsertErr: errors.New("fail")}
	vi := NewWithClients(pts, &mockCollections{}, "test")
	records := []VectorRecord{{ClaimID: "c1", Kind: domain.KindSymptom, Embedding: []float32{1}}}
	if err := vi.Upsert(context.Background(), records); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeleteByClaimID_BothCollections(t *testing.T) {
	pts := &mockPoints{deleteResp: &pb.PointsOperationResponse{}}
	vi := NewWithClients(pts, &mockCollections{}, "test")
	if err := vi.DeleteByClaimID(context.Background(), "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pts.deleteReqs) != 2 {
		t.Fatalf("expected deletes in both collections, got %d", len(pts.deleteReqs))
	}
}

func TestQuery_MapsResults(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				scored("p1", 0.95, "CLM-001"),
				scored("p2", 0.80, "CLM-002"),
			},
		},
	}
	vi := NewWithClients(pts, &mockCollections{}, "test")
	got, err := vi.Query(context.Background(), domain.KindSymptom, []float32{1, 0}, 5, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(got))
	}
	if got[0].ClaimID != "CLM-001" || got[0].Similarity != 0.95 {
		t.Errorf("wrong first neighbor: %+v", got[0])
	}
}

func TestQuery_TiesBreakByClaimID(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				scored("p1", 0.9, "CLM-B"),
				scored("p2", 0.9, "CLM-A"),
				scored("p3", 0.95, "CLM-C"),
			},
		},
	}
	vi := NewWithClients(pts, &mockCollections{}, "test")
	got, err := vi.Query(context.Background(), domain.KindSymptom, []float32{1}, 5, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"CLM-C", "CLM-A", "CLM-B"}
	for i, w := range want {
		if got[i].ClaimID != w {
			t.Fatalf("position %d: want %s, got %s (full: %+v)", i, w, got[i].ClaimID, got)
		}
	}
}

func TestQuery_EmptyIndex(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{}}
	vi := NewWithClients(pts, &mockCollections{}, "test")
	got, err := vi.Query(context.Background(), domain.KindDefect, []float32{1}, 5, "")
	if err != nil {
		t.Fatalf("empty index must not error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no neighbors, got %d", len(got))
	}
}

func TestQuery_ClampsK(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{}}
	vi := NewWithClients(pts, &mockCollections{}, "test")

	if _, err := vi.Query(context.Background(), domain.KindSymptom, []float32{1}, 0, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := vi.Query(context.Background(), domain.KindSymptom, []float32{1}, 999, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := pts.searchReqs[0].GetLimit(); got != DefaultTopK {
		t.Errorf("k<=0 should clamp to %d, got %d", DefaultTopK, got)
	}
	if got := pts.searchReqs[1].GetLimit(); got != MaxTopK {
		t.Errorf("huge k should clamp to %d, got %d", MaxTopK, got)
	}
}

func TestQuery_SeriesFilter(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{}}
	vi := NewWithClients(pts, &mockCollections{}, "test")
	if _, err := vi.Query(context.Background(), domain.KindSymptom, []float32{1}, 5, "M7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	filter := pts.searchReqs[0].GetFilter()
	if filter == nil || len(filter.GetMust()) != 1 {
		t.Fatal("expected a series filter condition")
	}
	fc := filter.GetMust()[0].GetField()
	if fc.GetKey() != "series" || fc.GetMatch().GetKeyword() != "M7" {
		t.Errorf("wrong filter: %v", fc)
	}
}

func TestQuery_PayloadFallbackToPointID(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{scored("raw-uuid", 0.7, "")},
		},
	}
	vi := NewWithClients(pts, &mockCollections{}, "test")
	got, err := vi.Query(context.Background(), domain.KindSymptom, []float32{1}, 5, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0].ClaimID != "raw-uuid" {
		t.Errorf("expected point id fallback, got %s", got[0].ClaimID)
	}
}

func TestQuery_Error(t *testing.T) {
	pts := &mockPoints{searchErr: errors.New("fail")}
	vi := NewWithClients(pts, &mockCollections{}, "test")
	if _, err := vi.Query(context.Background(), domain.KindSymptom, []float32{1}, 5, ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestFieldMatch(t *testing.T) {
	cond := fieldMatch("claim_id", "c9")
	fc := cond.GetField()
	if fc.Key != "claim_id" {
		t.Fatalf("expected claim_id, got %s", fc.Key)
	}
	if fc.Match.GetKeyword() != "c9" {
		t.Fatalf("expected c9, got %s", fc.Match.GetKeyword())
	}
}
