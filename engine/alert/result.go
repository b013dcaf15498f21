package alert

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
)

// Outcome is the terminal state of one ranked candidate.
type Outcome int

const (
	Discarded Outcome = iota
	Suppressed
	Alerted
	AlertedPartial

	// Internal outcomes for candidates whose processing aborted the query.
	cooldownFailed
	persistFailed
)

func (o Outcome) String() string {
	switch o {
	case Discarded:
		return "discarded"
	case Suppressed:
		return "suppressed"
	case Alerted:
		return "sent"
	case AlertedPartial:
		return "partial"
	default:
		return "failed"
	}
}

// MarshalText renders the outcome name in JSON summaries.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o Outcome) failedStage() string {
	if o == cooldownFailed {
		return "cooldown"
	}
	return "persist"
}

// CandidateResult records what happened to one ranked candidate.
type CandidateResult struct {
	CandidateID string        `json:"candidate_id"`
	Similarity  float64       `json:"similarity"`
	Outcome     Outcome       `json:"outcome"`
	Remaining   time.Duration `json:"remaining,omitempty"`
	RecordID    string        `json:"record_id,omitempty"`
	NotifyErr   string        `json:"notify_error,omitempty"`
}

// QueryResult aggregates one query's candidates.
type QueryResult struct {
	Query      string            `json:"query"`
	Threshold  float64           `json:"threshold"`
	Ranked     int               `json:"ranked"`
	Discarded  int               `json:"discarded"`
	Suppressed int               `json:"suppressed"`
	Alerted    int               `json:"alerted"`
	Partial    int               `json:"partial"`
	Candidates []CandidateResult `json:"candidates,omitempty"`
	Err        error             `json:"-"`
	Error      string            `json:"error,omitempty"`
}

func (q *QueryResult) record(c CandidateResult) {
	q.Candidates = append(q.Candidates, c)
	switch c.Outcome {
	case Discarded:
		q.Discarded++
	case Suppressed:
		q.Suppressed++
	case Alerted:
		q.Alerted++
	case AlertedPartial:
		q.Partial++
	}
}

// withDelivered returns q with every candidate in delivered reported under
// its delivering outcome. Delivered candidates missing from q, because the
// final attempt stopped before reaching them, are appended in order.
func (q QueryResult) withDelivered(delivered []CandidateResult) QueryResult {
	if len(delivered) == 0 {
		return q
	}
	byID := make(map[string]CandidateResult, len(delivered))
	for _, c := range delivered {
		byID[c.CandidateID] = c
	}

	out := q
	out.Candidates = nil
	out.Discarded, out.Suppressed, out.Alerted, out.Partial = 0, 0, 0, 0
	for _, c := range q.Candidates {
		if d, ok := byID[c.CandidateID]; ok {
			c = d
			delete(byID, c.CandidateID)
		}
		out.record(c)
	}
	for _, c := range delivered {
		if _, ok := byID[c.CandidateID]; ok {
			delete(byID, c.CandidateID)
			out.record(c)
		}
	}
	return out
}

func (q *QueryResult) setErr(err error) {
	q.Err = err
	if err != nil {
		q.Error = err.Error()
	}
}

// Summary is the outcome of one Evaluate run.
type Summary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	// AlertsSent counts only successfully delivered alerts.
	AlertsSent    int           `json:"alerts_sent"`
	AlertsPartial int           `json:"alerts_partial"`
	FailedQueries int           `json:"failed_queries"`
	Queries       []QueryResult `json:"queries"`
}

func (s *Summary) add(q QueryResult) {
	s.Queries = append(s.Queries, q)
	s.AlertsSent += q.Alerted
	s.AlertsPartial += q.Partial
	if q.Err != nil {
		s.FailedQueries++
	}
}

// QueryError reports a query whose processing was aborted.
type QueryError struct {
	Query string
	Stage string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("alert query %q: %s: %v", e.Query, e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Message renders the notification text for a candidate.
func Message(query string, c domain.Candidate, snippetRunes int) string {
	pct := int(math.Round(c.Similarity() * 100))
	var b strings.Builder
	fmt.Fprintf(&b, "[segwatch] %s: %d%% match", query, pct)
	if c.Segment.Total > 0 {
		fmt.Fprintf(&b, " in segment %d/%d", c.Segment.Index+1, c.Segment.Total)
	}
	if s := snippet(c.Segment.Content, snippetRunes); s != "" {
		b.WriteString(": ")
		b.WriteString(s)
	}
	return b.String()
}

func snippet(content string, n int) string {
	content = strings.Join(strings.Fields(content), " ")
	if n <= 0 || utf8.RuneCountInString(content) <= n {
		return content
	}
	r := []rune(content)
	return string(r[:n]) + "..."
}
