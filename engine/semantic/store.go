// Package semantic is the Qdrant-backed candidate index. It owns collection
// provisioning, segment upserts and the filtered nearest-neighbour query.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
)

// pointsAPI is the subset of pb.PointsClient used by the store.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient used by the store.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	dims        int
	metric      pb.Distance
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr, collection string, dims int) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	vs := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dims)
	vs.conn = conn
	return vs, nil
}

// NewWithClients builds a store over existing clients. Used by tests.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string, dims int) *VectorStore {
	return &VectorStore{
		points:      points,
		collections: collections,
		collection:  collection,
		dims:        dims,
		metric:      pb.Distance_Cosine,
	}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// Dimensions is the embedding length the collection was provisioned with.
func (v *VectorStore) Dimensions() int { return v.dims }

// EnsureCollection creates the collection and its payload indexes if the
// collection doesn't exist. Safe to call repeatedly.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return classify("list collections", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(v.dims),
					Distance: v.metric,
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return classify("create collection "+v.collection, err)
	}

	indexes := []struct {
		field string
		typ   pb.FieldType
	}{
		{domain.FieldTags, pb.FieldType_FieldTypeKeyword},
		{domain.FieldCreatedAt, pb.FieldType_FieldTypeInteger},
		{domain.FieldIsPublic, pb.FieldType_FieldTypeBool},
	}
	wait := true
	for _, idx := range indexes {
		_, err := v.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: v.collection,
			Wait:           &wait,
			FieldName:      idx.field,
			FieldType:      idx.typ.Enum(),
		})
		if err != nil {
			return classify("index "+idx.field, err)
		}
	}
	return nil
}

// DeleteCollection deletes the collection.
func (v *VectorStore) DeleteCollection(ctx context.Context) error {
	_, err := v.collections.Delete(ctx, &pb.DeleteCollection{
		CollectionName: v.collection,
	})
	if err != nil {
		return classify("delete collection "+v.collection, err)
	}
	return nil
}

// UpsertSegments writes segments and their embeddings. Point IDs are the
// segments' deterministic IDs, so re-ingestion overwrites in place.
func (v *VectorStore) UpsertSegments(ctx context.Context, segs []domain.Segment) error {
	if len(segs) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(segs))
	for i, s := range segs {
		if len(s.Embedding) != v.dims {
			return fmt.Errorf("semantic: upsert %s: %w", s.ID, &domain.DimensionError{Want: v.dims, Got: len(s.Embedding)})
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: s.ID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: s.Embedding},
				},
			},
			Payload: toPayload(domain.SegmentPayload(s)),
		}
	}

	wait := true
	req := &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points:         points,
	}
	return v.provisioned(ctx, fmt.Sprintf("upsert %d points", len(points)), func() error {
		_, err := v.points.Upsert(ctx, req)
		return err
	})
}

// Nearest performs a filtered k-NN search. Tag and recency filters are sent
// as Qdrant must-conditions so that ineligible points never consume the limit.
func (v *VectorStore) Nearest(ctx context.Context, embedding []float32, limit int, f domain.Filters) ([]domain.Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         embedding,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         buildFilter(f),
	}

	var resp *pb.SearchResponse
	err := v.provisioned(ctx, "search", func() error {
		var err error
		resp, err = v.points.Search(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	hits := make([]domain.Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		hits[i] = domain.Hit{
			ID:       pointID(r.GetId()),
			Distance: distanceFromScore(v.metric, r.GetScore()),
			Payload:  fromPayload(r.GetPayload()),
		}
	}
	return hits, nil
}

// provisioned runs op; if the collection is missing it provisions it once and
// retries op once. A second failure is surfaced.
func (v *VectorStore) provisioned(ctx context.Context, opName string, op func() error) error {
	err := classify(opName, op())
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if perr := v.EnsureCollection(ctx); perr != nil {
		return perr
	}
	return classify(opName, op())
}

func buildFilter(f domain.Filters) *pb.Filter {
	if f.IsZero() {
		return nil
	}
	var must []*pb.Condition
	if len(f.Tags) > 0 {
		must = append(must, fieldMatchAny(domain.FieldTags, f.Tags))
	}
	if !f.Since.IsZero() {
		must = append(must, fieldAtLeast(domain.FieldCreatedAt, float64(sinceSeconds(f.Since))))
	}
	return &pb.Filter{Must: must}
}

// sinceSeconds converts a cutoff to the payload's whole-second created_at.
// Stored values are truncated, so a fractional cutoff rounds up: nothing
// created before the cutoff can match, at the cost of dropping segments from
// the same second that came after it.
func sinceSeconds(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}

func fieldMatchAny(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}},
				},
			},
		},
	}
}

func fieldAtLeast(key string, floor float64) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Range: &pb.Range{Gte: &floor},
			},
		},
	}
}

// classify maps gRPC failures onto the engine's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Unavailable("semantic: "+op, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return domain.Unavailable("semantic: "+op, err)
	case codes.NotFound:
		return fmt.Errorf("semantic: %s: %w: %v", op, domain.ErrNotFound, err)
	default:
		return fmt.Errorf("semantic: %s: %w", op, err)
	}
}
