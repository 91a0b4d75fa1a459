package semantic

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/RepoPilot/repopilot-mvp/engine/domain"
)

// --- Mocks ---

type mockPoints struct {
	upsertResp *pb.PointsOperationResponse
	upsertErr  error
	searchResp *pb.SearchResponse
	searchErr  error

	upsertCalls int
	lastUpsert  *pb.UpsertPoints
}

func (m *mockPoints) Upsert(_ context.Context, req *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertCalls++
	m.lastUpsert = req
	return m.upsertResp, m.upsertErr
}
func (m *mockPoints) Search(_ context.Context, _ *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	return m.searchResp, m.searchErr
}

type mockCollections struct {
	existing   []string
	listErr    error
	createErr  error
	deleteErr  error
	createReqs []*pb.CreateCollection
	deleted    []string
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	descs := make([]*pb.CollectionDescription, len(m.existing))
	for i, n := range m.existing {
		descs[i] = &pb.CollectionDescription{Name: n}
	}
	return &pb.ListCollectionsResponse{Collections: descs}, nil
}
func (m *mockCollections) Create(_ context.Context, req *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.createReqs = append(m.createReqs, req)
	m.existing = append(m.existing, req.GetCollectionName())
	return &pb.CollectionOperationResponse{Result: true}, nil
}
func (m *mockCollections) Delete(_ context.Context, req *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	m.deleted = append(m.deleted, req.GetCollectionName())
	return &pb.CollectionOperationResponse{Result: true}, nil
}

// --- Tests ---

func TestEnsureCollection_AlreadyExists(t *testing.T) {
	cols := &mockCollections{existing: []string{"acme-widgets"}}
	vs := NewWithClients(&mockPoints{}, cols, nil)

	if err := vs.EnsureCollection(context.Background(), "acme-widgets", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.createReqs) != 0 {
		t.Fatalf("expected no create calls, got %d", len(cols.createReqs))
	}
}

func TestEnsureCollection_Creates(t *testing.T) {
	cols := &mockCollections{}
	vs := NewWithClients(&mockPoints{}, cols, nil)

	if err := vs.EnsureCollection(context.Background(), "acme-widgets", 3072); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.createReqs) != 1 {
		t.Fatalf("expected 1 create call, got %d", len(cols.createReqs))
	}
	params := cols.createReqs[0].GetVectorsConfig().GetParams()
	if params.GetSize() != 3072 {
		t.Fatalf("got dims %d, want 3072", params.GetSize())
	}
	if params.GetDistance() != pb.Distance_Cosine {
		t.Fatalf("got distance %v, want cosine", params.GetDistance())
	}
}

func TestEnsureCollection_CreateError(t *testing.T) {
	cols := &mockCollections{createErr: errors.New("quota")}
	vs := NewWithClients(&mockPoints{}, cols, nil)

	err := vs.EnsureCollection(context.Background(), "acme-widgets", 4)
	if !errors.Is(err, domain.ErrIndexProvisioningFailed) {
		t.Fatalf("expected ErrIndexProvisioningFailed, got %v", err)
	}
}

func TestUpsert_EnsuresFirst(t *testing.T) {
	pts := &mockPoints{upsertResp: &pb.PointsOperationResponse{}}
	cols := &mockCollections{}
	vs := NewWithClients(pts, cols, nil)

	records := []VectorRecord{
		{ID: "00000000-0000-0000-0000-000000000001", Embedding: []float32{1, 2, 3}, Payload: map[string]any{"text": "hello", "chunk_index": 0}},
	}
	if err := vs.Upsert(context.Background(), "acme-widgets", records); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.createReqs) != 1 {
		t.Fatalf("upsert should have ensured the collection")
	}
	if pts.upsertCalls != 1 {
		t.Fatalf("expected 1 upsert call, got %d", pts.upsertCalls)
	}
	if got := len(pts.lastUpsert.GetPoints()); got != 1 {
		t.Fatalf("expected 1 point, got %d", got)
	}
}

func TestUpsert_ProviderRejects(t *testing.T) {
	pts := &mockPoints{upsertErr: errors.New("dimension mismatch")}
	cols := &mockCollections{existing: []string{"acme-widgets"}}
	vs := NewWithClients(pts, cols, nil)

	err := vs.Upsert(context.Background(), "acme-widgets", []VectorRecord{{ID: "x", Embedding: []float32{1}}})
	if !errors.Is(err, domain.ErrUpsertFailed) {
		t.Fatalf("expected ErrUpsertFailed, got %v", err)
	}
}

func TestUpsert_EmptyBatch(t *testing.T) {
	pts := &mockPoints{}
	vs := NewWithClients(pts, &mockCollections{}, nil)
	if err := vs.Upsert(context.Background(), "acme-widgets", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pts.upsertCalls != 0 {
		t.Fatalf("empty batch should not call upsert")
	}
}

func TestSearch_MissingCollection(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, nil)

	_, err := vs.Search(context.Background(), "ghost-project", []float32{1, 2}, 5)
	if !errors.Is(err, domain.ErrIndexNotFound) {
		t.Fatalf("expected ErrIndexNotFound, got %v", err)
	}
}

func TestSearch_MapsPayload(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				{
					Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "abc"}},
					Score: 0.91,
					Payload: map[string]*pb.Value{
						"text":        {Kind: &pb.Value_StringValue{StringValue: "func main() {}"}},
						"chunk_index": {Kind: &pb.Value_IntegerValue{IntegerValue: 2}},
						"project":     {Kind: &pb.Value_StringValue{StringValue: "acme-widgets"}},
						"chunk_id":    {Kind: &pb.Value_StringValue{StringValue: "chunk-2"}},
					},
				},
			},
		},
	}
	cols := &mockCollections{existing: []string{"acme-widgets"}}
	vs := NewWithClients(pts, cols, nil)

	results, err := vs.Search(context.Background(), "acme-widgets", []float32{1, 2}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Text != "func main() {}" || r.ChunkIndex != 2 || r.Project != "acme-widgets" {
		t.Fatalf("payload not mapped: %+v", r)
	}
	if r.Meta["chunk_id"] != "chunk-2" {
		t.Fatalf("extra payload keys should land in Meta: %+v", r.Meta)
	}
}

func TestDeleteCollection_AbsentTolerated(t *testing.T) {
	cols := &mockCollections{}
	vs := NewWithClients(&mockPoints{}, cols, nil)

	if err := vs.DeleteCollection(context.Background(), "gone"); err != nil {
		t.Fatalf("deleting an absent collection should not error: %v", err)
	}
	if len(cols.deleted) != 0 {
		t.Fatalf("no delete call expected for absent collection")
	}
}

func TestDeleteCollection_Deletes(t *testing.T) {
	cols := &mockCollections{existing: []string{"acme-widgets"}}
	vs := NewWithClients(&mockPoints{}, cols, nil)

	if err := vs.DeleteCollection(context.Background(), "acme-widgets"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cols.deleted) != 1 || cols.deleted[0] != "acme-widgets" {
		t.Fatalf("expected delete of acme-widgets, got %v", cols.deleted)
	}
}
