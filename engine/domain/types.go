// Package domain defines the segment, candidate and alert-record types shared by
// the ranking, access-control and alerting engines, along with the error
// taxonomy and payload validation used at every store boundary.
package domain

import (
	"slices"
	"time"
)

// Segment is a unit of indexed content. Segments are written by an external
// ingestion pipeline and are read-only to the engine.
type Segment struct {
	ID           string            `json:"id"`
	SourceID     string            `json:"source_id,omitempty"`
	Content      string            `json:"content"`
	Tags         []string          `json:"tags,omitempty"`
	Index        int               `json:"segment_index"`
	Total        int               `json:"segment_total"`
	CreatedAt    time.Time         `json:"created_at"`
	IsPublic     bool              `json:"is_public"`
	AllowedUsers []string          `json:"allowed_users,omitempty"`
	Owner        string            `json:"owner,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
	Embedding    []float32         `json:"-"`
}

// Allows reports exact, case-sensitive membership of user in AllowedUsers.
func (s Segment) Allows(user string) bool {
	return slices.Contains(s.AllowedUsers, user)
}

// HasAnyTag reports whether the segment shares at least one tag with tags.
func (s Segment) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if slices.Contains(s.Tags, t) {
			return true
		}
	}
	return false
}

// Hit is a raw nearest-neighbour hit as returned by a vector index, before the
// payload has been validated.
type Hit struct {
	ID       string
	Distance float64
	Payload  map[string]any
}

// Candidate is a validated, ranked hit.
type Candidate struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
	Segment  Segment `json:"segment"`
}

// Similarity is 1 - distance. It only lands in [-1, 1] for normalized
// cosine-style metrics.
func (c Candidate) Similarity() float64 {
	return 1 - c.Distance
}

// Filters are pre-conditions applied inside the ranking query.
type Filters struct {
	// Tags matches segments sharing at least one tag. Empty means no tag filter.
	Tags []string
	// Since matches segments created at or after this instant. Zero means no cutoff.
	Since time.Time
}

// IsZero reports whether no filter is set.
func (f Filters) IsZero() bool {
	return len(f.Tags) == 0 && f.Since.IsZero()
}

// CooldownKey identifies the alert history of one (query, candidate) pair.
type CooldownKey struct {
	QueryText   string
	CandidateID string
}

// AlertRecord is an immutable record of one alert decision.
type AlertRecord struct {
	ID          string    `json:"id"`
	QueryText   string    `json:"query_text"`
	CandidateID string    `json:"candidate_id"`
	Score       float64   `json:"score"`
	Threshold   float64   `json:"threshold"`
	Sent        bool      `json:"sent"`
	ProviderID  string    `json:"provider_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Context     string    `json:"context"`
}

// Key returns the cooldown key of the record.
func (r AlertRecord) Key() CooldownKey {
	return CooldownKey{QueryText: r.QueryText, CandidateID: r.CandidateID}
}

// NewAlertRecord builds a record whose ID is derived from query, candidate and
// creation time.
func NewAlertRecord(query, candidateID string, score, threshold float64, sent bool, createdAt time.Time, context string) AlertRecord {
	return AlertRecord{
		ID:          AlertID(query, candidateID, createdAt),
		QueryText:   query,
		CandidateID: candidateID,
		Score:       score,
		Threshold:   threshold,
		Sent:        sent,
		CreatedAt:   createdAt,
		Context:     context,
	}
}
