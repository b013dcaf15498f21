package domain

import (
	"fmt"
	"math"
	"time"
)

// Payload keys written by ingestion and read back by the ranker.
const (
	FieldContent      = "content"
	FieldTags         = "tags"
	FieldIndex        = "segment_index"
	FieldTotal        = "segment_total"
	FieldCreatedAt    = "created_at"
	FieldIsPublic     = "is_public"
	FieldAllowedUsers = "allowed_users"
	FieldOwner        = "owner"
	FieldSourceID     = "source_id"
)

var knownFields = map[string]bool{
	FieldContent: true, FieldTags: true, FieldIndex: true, FieldTotal: true,
	FieldCreatedAt: true, FieldIsPublic: true, FieldAllowedUsers: true,
	FieldOwner: true, FieldSourceID: true,
}

// CandidateFromHit validates a raw hit payload and returns a fully populated
// Candidate. Required fields are content, created_at and is_public; a missing
// or mistyped field yields a *MissingFieldError and no partial record.
func CandidateFromHit(h Hit) (Candidate, error) {
	seg, err := SegmentFromPayload(h.ID, h.Payload)
	if err != nil {
		return Candidate{}, err
	}
	if math.IsNaN(h.Distance) {
		return Candidate{}, &MissingFieldError{ID: h.ID, Field: "distance", Cause: "is NaN"}
	}
	return Candidate{ID: h.ID, Distance: h.Distance, Segment: seg}, nil
}

// SegmentFromPayload decodes a segment's attributes from a store payload.
func SegmentFromPayload(id string, p map[string]any) (Segment, error) {
	seg := Segment{ID: id}
	missing := func(field, cause string) error {
		return &MissingFieldError{ID: id, Field: field, Cause: cause}
	}

	raw, ok := p[FieldContent]
	if !ok {
		return Segment{}, missing(FieldContent, "is missing")
	}
	if seg.Content, ok = raw.(string); !ok {
		return Segment{}, missing(FieldContent, fmt.Sprintf("has type %T", raw))
	}

	raw, ok = p[FieldCreatedAt]
	if !ok {
		return Segment{}, missing(FieldCreatedAt, "is missing")
	}
	ts, err := asTime(raw)
	if err != nil {
		return Segment{}, missing(FieldCreatedAt, err.Error())
	}
	seg.CreatedAt = ts

	raw, ok = p[FieldIsPublic]
	if !ok {
		return Segment{}, missing(FieldIsPublic, "is missing")
	}
	if seg.IsPublic, ok = raw.(bool); !ok {
		return Segment{}, missing(FieldIsPublic, fmt.Sprintf("has type %T", raw))
	}

	if raw, ok := p[FieldTags]; ok {
		if seg.Tags, err = asStrings(raw); err != nil {
			return Segment{}, missing(FieldTags, err.Error())
		}
	}
	if raw, ok := p[FieldAllowedUsers]; ok {
		if seg.AllowedUsers, err = asStrings(raw); err != nil {
			return Segment{}, missing(FieldAllowedUsers, err.Error())
		}
	}
	if raw, ok := p[FieldIndex]; ok {
		if seg.Index, err = asInt(raw); err != nil {
			return Segment{}, missing(FieldIndex, err.Error())
		}
	}
	if raw, ok := p[FieldTotal]; ok {
		if seg.Total, err = asInt(raw); err != nil {
			return Segment{}, missing(FieldTotal, err.Error())
		}
	}
	seg.Owner, _ = p[FieldOwner].(string)
	seg.SourceID, _ = p[FieldSourceID].(string)

	for k, v := range p {
		if knownFields[k] {
			continue
		}
		if s, ok := v.(string); ok {
			if seg.Meta == nil {
				seg.Meta = make(map[string]string)
			}
			seg.Meta[k] = s
		}
	}
	return seg, nil
}

// SegmentPayload is the inverse of SegmentFromPayload.
func SegmentPayload(s Segment) map[string]any {
	p := map[string]any{
		FieldContent:      s.Content,
		FieldTags:         nonNil(s.Tags),
		FieldIndex:        s.Index,
		FieldTotal:        s.Total,
		FieldCreatedAt:    s.CreatedAt.Unix(),
		FieldIsPublic:     s.IsPublic,
		FieldAllowedUsers: nonNil(s.AllowedUsers),
	}
	if s.Owner != "" {
		p[FieldOwner] = s.Owner
	}
	if s.SourceID != "" {
		p[FieldSourceID] = s.SourceID
	}
	for k, v := range s.Meta {
		if !knownFields[k] {
			p[k] = v
		}
	}
	return p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case float64:
		sec, frac := math.Modf(t)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("is not RFC3339: %q", t)
		}
		return ts, nil
	default:
		return time.Time{}, fmt.Errorf("has type %T", v)
	}
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("is not integral: %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("has type %T", v)
	}
}

func asStrings(v any) ([]string, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for i, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d has type %T", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("has type %T", v)
	}
}
