package semantic

import (
	"context"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
)

// --- Mocks ---

type mockPoints struct {
	upsertErr   error
	searchResp  *pb.SearchResponse
	searchErrs  []error // consumed in order, then nil
	searchCalls int
	lastSearch  *pb.SearchPoints
	lastUpsert  *pb.UpsertPoints
	indexed     []string
}

func (m *mockPoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.lastUpsert = in
	return &pb.PointsOperationResponse{}, m.upsertErr
}

func (m *mockPoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.lastSearch = in
	m.searchCalls++
	if len(m.searchErrs) > 0 {
		err := m.searchErrs[0]
		m.searchErrs = m.searchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return m.searchResp, nil
}

func (m *mockPoints) CreateFieldIndex(_ context.Context, in *pb.CreateFieldIndexCollection, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.indexed = append(m.indexed, in.GetFieldName())
	return &pb.PointsOperationResponse{}, nil
}

type mockCollections struct {
	listResp  *pb.ListCollectionsResponse
	listErr   error
	createErr error
	created   int
	deleteErr error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	if m.listResp == nil {
		return &pb.ListCollectionsResponse{}, m.listErr
	}
	return m.listResp, m.listErr
}

func (m *mockCollections) Create(_ context.Context, _ *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.created++
	return &pb.CollectionOperationResponse{Result: true}, m.createErr
}

func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{Result: true}, m.deleteErr
}

func strVal(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
func intVal(n int64) *pb.Value  { return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}} }
func boolVal(b bool) *pb.Value  { return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: b}} }

func listVal(ss ...string) *pb.Value {
	vals := make([]*pb.Value, len(ss))
	for i, s := range ss {
		vals[i] = strVal(s)
	}
	return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
}

// --- Tests ---

func TestClose_NoConn(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "test", 4)
	require.NoError(t, vs.Close())
	assert.Equal(t, 4, vs.Dimensions())
}

func TestEnsureCollection_AlreadyExists(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "test"}},
		},
	}
	pts := &mockPoints{}
	vs := NewWithClients(pts, cols, "test", 4)
	require.NoError(t, vs.EnsureCollection(context.Background()))
	assert.Zero(t, cols.created)
	assert.Empty(t, pts.indexed)
}

func TestEnsureCollection_CreatesWithIndexes(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "other"}},
		},
	}
	pts := &mockPoints{}
	vs := NewWithClients(pts, cols, "test", 128)
	require.NoError(t, vs.EnsureCollection(context.Background()))
	assert.Equal(t, 1, cols.created)
	assert.ElementsMatch(t, []string{domain.FieldTags, domain.FieldCreatedAt, domain.FieldIsPublic}, pts.indexed)
}

func TestEnsureCollection_ListUnavailable(t *testing.T) {
	cols := &mockCollections{listErr: status.Error(codes.Unavailable, "connection refused")}
	vs := NewWithClients(&mockPoints{}, cols, "test", 4)
	assert.ErrorIs(t, vs.EnsureCollection(context.Background()), domain.ErrStoreUnavailable)
}

func TestEnsureCollection_CreateRace(t *testing.T) {
	cols := &mockCollections{createErr: status.Error(codes.AlreadyExists, "exists")}
	vs := NewWithClients(&mockPoints{}, cols, "test", 4)
	assert.NoError(t, vs.EnsureCollection(context.Background()), "AlreadyExists should be tolerated")
}

func TestUpsertSegments_Empty(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "test", 4)
	assert.NoError(t, vs.UpsertSegments(context.Background(), nil))
}

func TestUpsertSegments_Success(t *testing.T) {
	pts := &mockPoints{}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)

	seg := domain.Segment{
		ID:           domain.SegmentID("video-1", 0),
		Content:      "forklift near exit",
		Tags:         []string{"safety"},
		CreatedAt:    time.Unix(1760000000, 0),
		AllowedUsers: []string{"bob"},
		Embedding:    []float32{1, 0, 0, 0},
	}
	require.NoError(t, vs.UpsertSegments(context.Background(), []domain.Segment{seg}))
	require.Len(t, pts.lastUpsert.GetPoints(), 1)
	p := pts.lastUpsert.GetPoints()[0]
	assert.Equal(t, seg.ID, p.GetId().GetUuid())
	assert.Equal(t, int64(1760000000), p.GetPayload()[domain.FieldCreatedAt].GetIntegerValue(), "created_at stored as unix seconds")
	tags := p.GetPayload()[domain.FieldTags].GetListValue().GetValues()
	require.Len(t, tags, 1)
	assert.Equal(t, "safety", tags[0].GetStringValue())
}

func TestUpsertSegments_DimensionMismatch(t *testing.T) {
	vs := NewWithClients(&mockPoints{}, &mockCollections{}, "test", 4)
	err := vs.UpsertSegments(context.Background(), []domain.Segment{{ID: "x", Embedding: []float32{1, 0}}})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestNearest_Success(t *testing.T) {
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{
				{
					Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "p1"}},
					Score: 0.9,
					Payload: map[string]*pb.Value{
						domain.FieldContent:      strVal("smoke near dock"),
						domain.FieldCreatedAt:    intVal(1760000000),
						domain.FieldIsPublic:     boolVal(true),
						domain.FieldTags:         listVal("fire"),
						domain.FieldAllowedUsers: listVal(),
						"camera":                 strVal("cam-7"),
					},
				},
			},
		},
	}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)
	hits, err := vs.Nearest(context.Background(), []float32{1, 0, 0, 0}, 5, domain.Filters{})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	h := hits[0]
	assert.Equal(t, "p1", h.ID)
	assert.InDelta(t, 0.1, h.Distance, 1e-4, "cosine distance")
	assert.Equal(t, "smoke near dock", h.Payload[domain.FieldContent])
	assert.Equal(t, int64(1760000000), h.Payload[domain.FieldCreatedAt])
	assert.Nil(t, pts.lastSearch.GetFilter())
	assert.Equal(t, uint64(5), pts.lastSearch.GetLimit())
}

func TestNearest_FiltersArePreconditions(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{}}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)
	since := time.Unix(1760000000, 0)
	_, err := vs.Nearest(context.Background(), []float32{1, 0, 0, 0}, 10, domain.Filters{Tags: []string{"fire", "smoke"}, Since: since})
	require.NoError(t, err)

	must := pts.lastSearch.GetFilter().GetMust()
	require.Len(t, must, 2)
	tags := must[0].GetField()
	assert.Equal(t, domain.FieldTags, tags.GetKey())
	assert.Len(t, tags.GetMatch().GetKeywords().GetStrings(), 2)
	rng := must[1].GetField()
	assert.Equal(t, domain.FieldCreatedAt, rng.GetKey())
	assert.Equal(t, float64(since.Unix()), rng.GetRange().GetGte())
}

func TestNearest_SinceRoundsUpToWholeSecond(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{}}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)
	since := time.Unix(1760000000, 250*int64(time.Millisecond))
	_, err := vs.Nearest(context.Background(), []float32{1, 0, 0, 0}, 10, domain.Filters{Since: since})
	require.NoError(t, err)

	must := pts.lastSearch.GetFilter().GetMust()
	require.Len(t, must, 1)
	assert.Equal(t, float64(1760000001), must[0].GetField().GetRange().GetGte(),
		"a segment stored at second 1760000000 may predate the cutoff")
}

func TestSinceSeconds(t *testing.T) {
	base := time.Unix(1760000000, 0)
	assert.Equal(t, int64(1760000000), sinceSeconds(base))
	assert.Equal(t, int64(1760000001), sinceSeconds(base.Add(time.Nanosecond)))
	assert.Equal(t, int64(1760000001), sinceSeconds(base.Add(999*time.Millisecond)))
	assert.Equal(t, int64(1760000000), sinceSeconds(base.Add(-time.Second+time.Millisecond)))
}

func TestNearest_Unavailable(t *testing.T) {
	pts := &mockPoints{searchErrs: []error{status.Error(codes.Unavailable, "down")}}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)
	_, err := vs.Nearest(context.Background(), []float32{1, 0, 0, 0}, 5, domain.Filters{})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 1, pts.searchCalls, "no retry inside the store")
}

func TestNearest_NotFoundProvisionsAndRetriesOnce(t *testing.T) {
	notFound := status.Error(codes.NotFound, "collection test not found")
	pts := &mockPoints{
		searchErrs: []error{notFound},
		searchResp: &pb.SearchResponse{},
	}
	cols := &mockCollections{}
	vs := NewWithClients(pts, cols, "test", 4)
	_, err := vs.Nearest(context.Background(), []float32{1, 0, 0, 0}, 5, domain.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 1, cols.created)
	assert.Equal(t, 2, pts.searchCalls)
}

func TestNearest_NotFoundTwiceSurfaces(t *testing.T) {
	notFound := status.Error(codes.NotFound, "collection test not found")
	pts := &mockPoints{searchErrs: []error{notFound, notFound}}
	vs := NewWithClients(pts, &mockCollections{}, "test", 4)
	_, err := vs.Nearest(context.Background(), []float32{1, 0, 0, 0}, 5, domain.Filters{})
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 2, pts.searchCalls)
}

func TestDistanceFromScore(t *testing.T) {
	assert.Equal(t, 2.5, distanceFromScore(pb.Distance_Euclid, 2.5), "euclid score passes through")
	assert.Zero(t, distanceFromScore(pb.Distance_Cosine, 1), "cosine 1.0 is distance 0")
}

func TestFromValue_Struct(t *testing.T) {
	v := &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: map[string]*pb.Value{"k": strVal("v")}}}}
	got, ok := fromValue(v).(map[string]any)
	require.True(t, ok, "struct converts to a map")
	assert.Equal(t, "v", got["k"])
	assert.Nil(t, fromValue(&pb.Value{}))
}
