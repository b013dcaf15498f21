package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock infrastructure ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockResult) Next(ctx context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record {
	return m.records[m.idx-1]
}

type mockRunner struct {
	result  *mockResult
	err     error
	cyphers []string
	params  []map[string]any
	closed  int
}

func (m *mockRunner) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	if m.result == nil {
		return &mockResult{}, nil
	}
	return m.result, nil
}

func (m *mockRunner) Close(ctx context.Context) error {
	m.closed++
	return nil
}

type entity struct {
	ID   string
	Name string
	Seq  int64
}

func makeRecord(id, name string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{map[string]any{"id": id, "name": name}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(r *mockRunner) *Neo4jRepo[entity, string] {
	repo := NewNeo4jRepo[entity, string](
		nil, "Entity",
		func(e entity) map[string]any { return map[string]any{"id": e.ID, "name": e.Name, "seq": e.Seq} },
		func(rec *neo4j.Record) (entity, error) {
			if len(rec.Values) == 0 {
				return entity{}, errors.New("empty")
			}
			m, ok := rec.Values[0].(map[string]any)
			if !ok {
				return entity{}, errors.New("bad type")
			}
			return entity{ID: m["id"].(string), Name: m["name"].(string)}, nil
		},
	)
	repo.newSession = func(ctx context.Context) runner { return r }
	return repo
}

// --- Tests ---

func TestNewNeo4jRepoDefaults(t *testing.T) {
	r := NewNeo4jRepo[map[string]any, string](nil, "Node", nil, nil)
	assert.Equal(t, "id", r.idKey)

	r = NewNeo4jRepo[map[string]any, string](nil, "Node", nil, nil,
		WithIDKey[map[string]any, string]("uuid"),
		WithDatabase[map[string]any, string]("alerts"),
	)
	assert.Equal(t, "uuid", r.idKey)
	assert.Equal(t, "alerts", r.database)
}

func TestGet_Success(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("1", "Alice")}}}
	e, err := newTestRepo(r).Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, entity{ID: "1", Name: "Alice"}, e)
	assert.Equal(t, 1, r.closed, "session closed")
}

func TestGet_NotFound(t *testing.T) {
	_, err := newTestRepo(&mockRunner{}).Get(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_RunError(t *testing.T) {
	r := &mockRunner{err: errors.New("db down")}
	_, err := newTestRepo(r).Get(context.Background(), "x")
	assert.EqualError(t, err, "db down")
}

func TestGet_DecodeErrorSurfaces(t *testing.T) {
	bad := &neo4j.Record{Keys: []string{"n"}, Values: []any{"not a node"}}
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{bad}}}
	_, err := newTestRepo(r).Get(context.Background(), "1")
	assert.EqualError(t, err, "bad type")
}

func TestPut_MergeOnCreateOnly(t *testing.T) {
	r := &mockRunner{}
	require.NoError(t, newTestRepo(r).Put(context.Background(), entity{ID: "a1", Name: "fire"}))

	c := r.cyphers[0]
	assert.Contains(t, c, "MERGE (n:Entity {id: $id})")
	assert.Contains(t, c, "ON CREATE SET n = $props")
	assert.NotContains(t, c, "ON MATCH", "existing nodes must not be updated")
	assert.Equal(t, "a1", r.params[0]["id"])
}

func TestPut_RunError(t *testing.T) {
	r := &mockRunner{err: errors.New("db down")}
	assert.Error(t, newTestRepo(r).Put(context.Background(), entity{ID: "a1"}))
}

func TestLatest_BuildsOrderedQuery(t *testing.T) {
	r := &mockRunner{result: &mockResult{records: []*neo4j.Record{makeRecord("2", "newest")}}}
	e, err := newTestRepo(r).Latest(context.Background(), map[string]any{"query": "fire", "candidate": "seg-42"}, "seq")
	require.NoError(t, err)
	assert.Equal(t, "newest", e.Name)
	assert.Equal(t,
		"MATCH (n:Entity) WHERE n.candidate = $m0 AND n.query = $m1 RETURN n ORDER BY n.seq DESC LIMIT 1",
		r.cyphers[0])
	assert.Equal(t, "seg-42", r.params[0]["m0"])
	assert.Equal(t, "fire", r.params[0]["m1"])
}

func TestLatest_NotFound(t *testing.T) {
	_, err := newTestRepo(&mockRunner{}).Latest(context.Background(), map[string]any{"query": "q"}, "seq")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureUniqueID(t *testing.T) {
	r := &mockRunner{}
	require.NoError(t, newTestRepo(r).EnsureUniqueID(context.Background()))
	assert.Equal(t,
		"CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE",
		r.cyphers[0])
}

type fakeDriver struct {
	neo4j.DriverWithContext
	cfg neo4j.SessionConfig
}

type fakeSession struct {
	neo4j.SessionWithContext
}

func (d *fakeDriver) NewSession(_ context.Context, cfg neo4j.SessionConfig) neo4j.SessionWithContext {
	d.cfg = cfg
	return &fakeSession{}
}

func TestSession_UsesDriver(t *testing.T) {
	fd := &fakeDriver{}
	r := NewNeo4jRepo[string, string](fd, "N", nil, nil, WithDatabase[string, string]("alerts"))
	assert.IsType(t, &neo4jSessionAdapter{}, r.session(context.Background()))
	assert.Equal(t, "alerts", fd.cfg.DatabaseName)
}
