package semantic

import (
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
)

// toValue converts a Go payload value into a Qdrant value.
func toValue(val any) *pb.Value {
	switch tv := val.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case time.Time:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv.Unix()}}
	case []string:
		vals := make([]*pb.Value, len(tv))
		for i, s := range tv {
			vals[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

// fromValue converts a Qdrant value back into a plain Go value.
func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_ListValue:
		out := make([]any, len(k.ListValue.GetValues()))
		for i, item := range k.ListValue.GetValues() {
			out[i] = fromValue(item)
		}
		return out
	case *pb.Value_StructValue:
		out := make(map[string]any, len(k.StructValue.GetFields()))
		for key, item := range k.StructValue.GetFields() {
			out[key] = fromValue(item)
		}
		return out
	default:
		return nil
	}
}

func toPayload(p map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(p))
	for k, v := range p {
		out[k] = toValue(v)
	}
	return out
}

func fromPayload(p map[string]*pb.Value) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = fromValue(v)
	}
	return out
}

// pointID renders a Qdrant point ID as a string.
func pointID(id *pb.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprint(id.GetNum())
}

// distanceFromScore converts a Qdrant score into a distance where smaller
// means more similar. Cosine and dot scores are similarities; euclid and
// manhattan scores are already distances.
func distanceFromScore(metric pb.Distance, score float32) float64 {
	switch metric {
	case pb.Distance_Euclid, pb.Distance_Manhattan:
		return float64(score)
	default:
		return 1 - float64(score)
	}
}
