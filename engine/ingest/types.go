package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
	"github.com/vast-data/cosmos-labs-sub001/pkg/fn"
)

// Source is one upstream source (a transcript, a recording) already split
// into segments by the producer.
type Source struct {
	SourceID     string            `json:"source_id"`
	Segments     []string          `json:"segments"`
	Tags         []string          `json:"tags,omitempty"`
	IsPublic     bool              `json:"is_public"`
	AllowedUsers []string          `json:"allowed_users,omitempty"`
	Owner        string            `json:"owner,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Meta         map[string]string `json:"meta,omitempty"`
}

func (s Source) validate() error {
	if strings.TrimSpace(s.SourceID) == "" {
		return fmt.Errorf("ingest: source_id is required: %w", domain.ErrInvalidArgument)
	}
	if len(s.Segments) == 0 {
		return fmt.Errorf("ingest: source %s has no segments: %w", s.SourceID, domain.ErrInvalidArgument)
	}
	for i, text := range s.Segments {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("ingest: source %s segment %d is empty: %w", s.SourceID, i, domain.ErrInvalidArgument)
		}
	}
	return nil
}

// segments expands s into index records. IDs depend only on the source ID and
// position, so re-ingesting a source overwrites its previous points. An unset
// CreatedAt takes now.
func (s Source) segments(now time.Time) []domain.Segment {
	created := s.CreatedAt
	if created.IsZero() {
		created = now
	}
	tags := fn.Unique(s.Tags)
	out := make([]domain.Segment, len(s.Segments))
	for i, text := range s.Segments {
		out[i] = domain.Segment{
			ID:           domain.SegmentID(s.SourceID, i),
			SourceID:     s.SourceID,
			Content:      strings.TrimSpace(text),
			Tags:         tags,
			Index:        i,
			Total:        len(s.Segments),
			CreatedAt:    created.UTC(),
			IsPublic:     s.IsPublic,
			AllowedUsers: s.AllowedUsers,
			Owner:        s.Owner,
			Meta:         s.Meta,
		}
	}
	return out
}
