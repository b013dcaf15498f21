package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	segmentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("segwatch/segment"))
	alertNamespace   = uuid.NewSHA1(uuid.NameSpaceURL, []byte("segwatch/alert"))
)

// SegmentID derives a stable point ID from a source identifier and the
// segment's index within it, so re-ingesting a source overwrites its points.
func SegmentID(sourceID string, index int) string {
	return uuid.NewSHA1(segmentNamespace, []byte(fmt.Sprintf("%s#%d", sourceID, index))).String()
}

// AlertID derives the alert record key. Creation time is part of the key so
// rapid successive checks of the same pair never collide.
func AlertID(query, candidateID string, createdAt time.Time) string {
	name := query + "\x00" + candidateID + "\x00" + createdAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}
