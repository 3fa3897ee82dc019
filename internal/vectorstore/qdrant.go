package vectorstore

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// QdrantStore wraps gRPC connections to Qdrant's collections and points services.
type QdrantStore struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

var _ Store = (*QdrantStore)(nil)

// scrollPage bounds a single scroll request.
const scrollPage = 256

// NewQdrantStore dials the Qdrant gRPC endpoint and returns a ready store.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &QdrantStore{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates the named collection if it does not already exist.
func (c *QdrantStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Upsert inserts or updates points in the given collection.
func (c *QdrantStore) Upsert(ctx context.Context, collection string, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &pb.PointStruct{
			Id:      uuidID(p.ID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: toPayload(p.Payload),
		})
	}
	wait := true
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, mapErr(err))
	}
	return nil
}

// Search performs a nearest-neighbor search and returns the top results.
func (c *QdrantStore) Search(ctx context.Context, collection string, vector []float32, limit int) ([]SearchResult, error) {
	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, mapErr(err))
	}
	results := make([]SearchResult, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		results = append(results, SearchResult{
			ID:      pointID(r.GetId()),
			Score:   r.GetScore(),
			Payload: fromPayload(r.GetPayload()),
		})
	}
	return results, nil
}

// Scroll pages through a collection without fetching vectors.
func (c *QdrantStore) Scroll(ctx context.Context, collection string, limit int) ([]Record, error) {
	var (
		out    []Record
		offset *pb.PointId
	)
	for {
		page := uint32(scrollPage)
		if limit > 0 && limit-len(out) < scrollPage {
			page = uint32(limit - len(out))
		}
		resp, err := c.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: collection,
			Offset:         offset,
			Limit:          &page,
			WithPayload:    withPayload(),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", collection, mapErr(err))
		}
		for _, p := range resp.GetResult() {
			out = append(out, Record{ID: pointID(p.GetId()), Payload: fromPayload(p.GetPayload())})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
	}
}

// ScrollPage reads one page, resuming at the point id in offset.
func (c *QdrantStore) ScrollPage(ctx context.Context, collection, offset string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = scrollPage
	}
	page := uint32(limit)
	req := &pb.ScrollPoints{
		CollectionName: collection,
		Limit:          &page,
		WithPayload:    withPayload(),
	}
	if offset != "" {
		req.Offset = uuidID(offset)
	}
	resp, err := c.points.Scroll(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("scroll %s: %w", collection, mapErr(err))
	}
	out := &Page{Records: make([]Record, 0, len(resp.GetResult()))}
	for _, p := range resp.GetResult() {
		out.Records = append(out.Records, Record{ID: pointID(p.GetId()), Payload: fromPayload(p.GetPayload())})
	}
	if next := resp.GetNextPageOffset(); next != nil {
		out.Next = pointID(next)
	}
	return out, nil
}

// SetPayload merges keys into one point's payload.
func (c *QdrantStore) SetPayload(ctx context.Context, collection, id string, payload map[string]any) error {
	wait := true
	_, err := c.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: collection,
		Wait:           &wait,
		Payload:        toPayload(payload),
		PointsSelector: selectIDs(id),
	})
	if err != nil {
		return fmt.Errorf("set payload %s/%s: %w", collection, id, mapErr(err))
	}
	return nil
}

// Delete removes points by id.
func (c *QdrantStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	wait := true
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         selectIDs(ids...),
	})
	if err != nil {
		return fmt.Errorf("delete points %s: %w", collection, mapErr(err))
	}
	return nil
}

// Count returns the exact number of points in a collection.
func (c *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	return c.count(ctx, collection, nil)
}

func (c *QdrantStore) count(ctx context.Context, collection string, filter *pb.Filter) (int, error) {
	exact := true
	resp, err := c.points.Count(ctx, &pb.CountPoints{
		CollectionName: collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, mapErr(err))
	}
	return int(resp.GetResult().GetCount()), nil
}

// CollectionInfo reports point count, archived count and vector size.
func (c *QdrantStore) CollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	resp, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		return nil, fmt.Errorf("collection info %s: %w", name, mapErr(err))
	}
	info := resp.GetResult()
	archived, err := c.count(ctx, name, &pb.Filter{
		Must: []*pb.Condition{{
			ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
				Key:   ArchivedKey,
				Match: &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: true}},
			}},
		}},
	})
	if err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:      name,
		Points:    int(info.GetPointsCount()),
		Archived:  archived,
		Dimension: int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
	}, nil
}

// ListCollections returns every collection name on the server.
func (c *QdrantStore) ListCollections(ctx context.Context) ([]string, error) {
	resp, err := c.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	names := make([]string, 0, len(resp.GetCollections()))
	for _, d := range resp.GetCollections() {
		names = append(names, d.GetName())
	}
	return names, nil
}

// DeleteCollection drops a collection and all its points.
func (c *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	_, err := c.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", name, mapErr(err))
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (c *QdrantStore) Close() error {
	return c.conn.Close()
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func uuidID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func pointID(id *pb.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func selectIDs(ids ...string) *pb.PointsSelector {
	list := make([]*pb.PointId, 0, len(ids))
	for _, id := range ids {
		list = append(list, uuidID(id))
	}
	return &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: list}},
	}
}

func mapErr(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %v", ErrCollectionNotFound, err)
	}
	return err
}

func toPayload(m map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(m))
	for k, v := range m {
		out[k] = toValue(v)
	}
	return out
}

func toValue(v any) *pb.Value {
	switch x := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{NullValue: pb.NullValue_NULL_VALUE}}
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: x}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: x}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(x)}}
	case int32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(x)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: x}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(x)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: x}}
	case time.Time:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: x.UTC().Format(time.RFC3339Nano)}}
	case []string:
		vals := make([]*pb.Value, 0, len(x))
		for _, s := range x {
			vals = append(vals, toValue(s))
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
	case []any:
		vals := make([]*pb.Value, 0, len(x))
		for _, e := range x {
			vals = append(vals, toValue(e))
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
	case map[string]any:
		return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: toPayload(x)}}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(x)}}
	}
}

func fromPayload(m map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_ListValue:
		list := make([]any, 0, len(k.ListValue.GetValues()))
		for _, e := range k.ListValue.GetValues() {
			list = append(list, fromValue(e))
		}
		return list
	case *pb.Value_StructValue:
		return fromPayload(k.StructValue.GetFields())
	default:
		return nil
	}
}
