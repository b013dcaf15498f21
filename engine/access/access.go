// Package access decides which ranked candidates a requester may see.
package access

import "github.com/vast-data/cosmos-labs-sub001/engine/domain"

// Result is the visible prefix of a candidate list and the number of
// candidates denied before the scan stopped.
type Result struct {
	Visible []domain.Candidate
	Denied  int
	// Scanned is how many candidates were examined.
	Scanned int
}

// Visible applies the decision table to one segment.
//
// With includePublic false only explicit allow-list membership counts, so
// a public segment that does not list the requester is hidden. Otherwise
// public segments are visible to everyone and private ones require
// membership. Ownership is never special-cased.
func Visible(s domain.Segment, requester string, includePublic bool) bool {
	if !includePublic {
		return s.Allows(requester)
	}
	if s.IsPublic {
		return true
	}
	return s.Allows(requester)
}

// Filter scans candidates in order and keeps the visible ones until limit
// have been found. Denied counts only the candidates seen up to that point.
// A limit <= 0 scans everything.
func Filter(candidates []domain.Candidate, requester string, includePublic bool, limit int) Result {
	res := Result{Visible: make([]domain.Candidate, 0, min(len(candidates), max(limit, 0)))}
	for _, c := range candidates {
		if limit > 0 && len(res.Visible) >= limit {
			break
		}
		res.Scanned++
		if Visible(c.Segment, requester, includePublic) {
			res.Visible = append(res.Visible, c)
		} else {
			res.Denied++
		}
	}
	return res
}
