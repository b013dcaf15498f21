package metrics

// EngineSet holds the search and alerting metrics.
type EngineSet struct {
	Searches         *Counter
	SearchFailures   *Counter
	SearchDenied     *Counter
	SearchDuration   *Histogram
	CandidatesRanked *Counter
	SkippedMalformed *Counter
	OutOfRange       *Counter

	QueriesEvaluated *Counter
	QueryFailures    *Counter
	EvalDuration     *Histogram
	// Alerts is keyed by outcome: discarded, suppressed, sent, partial.
	Alerts *CounterVec
}

// NewEngineSet registers (or looks up) the engine metrics on r.
func NewEngineSet(r *Registry) *EngineSet {
	return &EngineSet{
		Searches:         r.Counter("segwatch_searches_total", "Search requests served."),
		SearchFailures:   r.Counter("segwatch_search_failures_total", "Search requests that failed."),
		SearchDenied:     r.Counter("segwatch_search_denied_total", "Candidates hidden by access control."),
		SearchDuration:   r.Histogram("segwatch_search_duration_seconds", "Search latency.", nil),
		CandidatesRanked: r.Counter("segwatch_candidates_ranked_total", "Candidates returned by the index."),
		SkippedMalformed: r.Counter("segwatch_candidates_malformed_total", "Candidates skipped for malformed payloads."),
		OutOfRange:       r.Counter("segwatch_similarity_out_of_range_total", "Candidates with similarity outside [-1, 1]."),
		QueriesEvaluated: r.Counter("segwatch_alert_queries_total", "Alert queries evaluated."),
		QueryFailures:    r.Counter("segwatch_alert_query_failures_total", "Alert queries aborted by an error."),
		EvalDuration:     r.Histogram("segwatch_alert_run_duration_seconds", "Alert run latency.", nil),
		Alerts:           r.CounterVec("segwatch_alerts_total", "Candidates by alert outcome.", "outcome"),
	}
}
