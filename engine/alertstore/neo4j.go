package alertstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
	"github.com/vast-data/cosmos-labs-sub001/pkg/repo"
)

const alertLabel = "AlertRecord"

// recordRepo is the slice of repo.Neo4jRepo used by the store.
type recordRepo interface {
	repo.Repository[domain.AlertRecord, string]
	EnsureUniqueID(ctx context.Context) error
}

// Neo4j stores alert records as :AlertRecord nodes.
type Neo4j struct {
	driver neo4j.DriverWithContext
	repo   recordRepo

	mu      sync.Mutex
	ensured bool
}

var _ Store = (*Neo4j)(nil)

// OpenNeo4j connects to Neo4j and verifies connectivity.
func OpenNeo4j(ctx context.Context, url, user, pass, database string) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, pass, ""))
	if err != nil {
		return nil, fmt.Errorf("alertstore: neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, domain.Unavailable("alertstore: neo4j connect", err)
	}
	r := repo.NewNeo4jRepo[domain.AlertRecord, string](driver, alertLabel, recordToMap, recordFromNeo4j,
		repo.WithDatabase[domain.AlertRecord, string](database))
	return &Neo4j{driver: driver, repo: r}, nil
}

func newNeo4jWithRepo(r recordRepo) *Neo4j {
	return &Neo4j{repo: r}
}

// Put writes rec unless a node with the same ID exists. The uniqueness
// constraint is created before the first write.
func (n *Neo4j) Put(ctx context.Context, rec domain.AlertRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("alertstore: put: empty id: %w", domain.ErrInvalidArgument)
	}
	if err := n.ensure(ctx); err != nil {
		return err
	}
	if err := n.repo.Put(ctx, rec); err != nil {
		return classifyNeo4j("put", err)
	}
	return nil
}

func (n *Neo4j) Latest(ctx context.Context, key domain.CooldownKey) (domain.AlertRecord, error) {
	rec, err := n.repo.Latest(ctx, map[string]any{
		"query_text":   key.QueryText,
		"candidate_id": key.CandidateID,
	}, "created_at")
	if err != nil {
		return domain.AlertRecord{}, classifyNeo4j("latest", err)
	}
	return rec, nil
}

func (n *Neo4j) Close() error {
	if n.driver == nil {
		return nil
	}
	return n.driver.Close(context.Background())
}

func (n *Neo4j) ensure(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ensured {
		return nil
	}
	if err := n.repo.EnsureUniqueID(ctx); err != nil {
		return classifyNeo4j("ensure constraint", err)
	}
	n.ensured = true
	return nil
}

func classifyNeo4j(op string, err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("alertstore: neo4j %s: %w", op, domain.ErrNotFound)
	case neo4j.IsConnectivityError(err), errors.Is(err, context.DeadlineExceeded):
		return domain.Unavailable("alertstore: neo4j "+op, err)
	default:
		return fmt.Errorf("alertstore: neo4j %s: %w", op, err)
	}
}

func recordToMap(r domain.AlertRecord) map[string]any {
	return map[string]any{
		"id":           r.ID,
		"query_text":   r.QueryText,
		"candidate_id": r.CandidateID,
		"score":        r.Score,
		"threshold":    r.Threshold,
		"sent":         r.Sent,
		"provider_id":  r.ProviderID,
		"created_at":   r.CreatedAt.UnixNano(),
		"context":      r.Context,
	}
}

func recordFromNeo4j(rec *neo4j.Record) (domain.AlertRecord, error) {
	if len(rec.Values) == 0 {
		return domain.AlertRecord{}, errors.New("alertstore: empty neo4j record")
	}
	var props map[string]any
	switch v := rec.Values[0].(type) {
	case neo4j.Node:
		props = v.Props
	case map[string]any:
		props = v
	default:
		return domain.AlertRecord{}, fmt.Errorf("alertstore: unexpected neo4j value %T", v)
	}

	d := propDecoder{props: props}
	d.id, _ = props["id"].(string)
	r := domain.AlertRecord{
		ID:          d.str("id", true),
		QueryText:   d.str("query_text", true),
		CandidateID: d.str("candidate_id", true),
		Score:       d.num("score"),
		Threshold:   d.num("threshold"),
		Sent:        d.flag("sent"),
		ProviderID:  d.str("provider_id", false),
		CreatedAt:   time.Unix(0, d.nanos("created_at")).UTC(),
		Context:     d.str("context", false),
	}
	if d.err != nil {
		return domain.AlertRecord{}, d.err
	}
	return r, nil
}

// propDecoder reads typed node properties and keeps the first failure.
type propDecoder struct {
	props map[string]any
	id    string
	err   error
}

func (d *propDecoder) fail(field, cause string) {
	if d.err == nil {
		d.err = &domain.MissingFieldError{ID: d.id, Field: field, Cause: cause}
	}
}

// lookup reports whether field is present; absent required fields are
// recorded as failures.
func (d *propDecoder) lookup(field string, required bool) (any, bool) {
	v, ok := d.props[field]
	if !ok || v == nil {
		if required {
			d.fail(field, "is missing")
		}
		return nil, false
	}
	return v, true
}

func (d *propDecoder) str(field string, required bool) string {
	v, ok := d.lookup(field, required)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		d.fail(field, fmt.Sprintf("has type %T", v))
	}
	return s
}

func (d *propDecoder) num(field string) float64 {
	v, ok := d.lookup(field, true)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	d.fail(field, fmt.Sprintf("has type %T", v))
	return 0
}

func (d *propDecoder) flag(field string) bool {
	v, ok := d.lookup(field, true)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		d.fail(field, fmt.Sprintf("has type %T", v))
	}
	return b
}

func (d *propDecoder) nanos(field string) int64 {
	v, ok := d.lookup(field, true)
	if !ok {
		return 0
	}
	n, ok := v.(int64)
	if !ok {
		d.fail(field, fmt.Sprintf("has type %T", v))
	}
	return n
}
