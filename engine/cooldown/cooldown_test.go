package cooldown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vast-data/cosmos-labs-sub001/engine/domain"
)

type mockHistory struct {
	recs  map[domain.CooldownKey]domain.AlertRecord
	err   error
	calls int
}

func (m *mockHistory) Latest(_ context.Context, key domain.CooldownKey) (domain.AlertRecord, error) {
	m.calls++
	if m.err != nil {
		return domain.AlertRecord{}, m.err
	}
	r, ok := m.recs[key]
	if !ok {
		return domain.AlertRecord{}, domain.ErrNotFound
	}
	return r, nil
}

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func trackerWith(recs ...domain.AlertRecord) (*Tracker, *mockHistory) {
	h := &mockHistory{recs: map[domain.CooldownKey]domain.AlertRecord{}}
	for _, r := range recs {
		h.recs[r.Key()] = r
	}
	return New(h, time.Second).WithClock(func() time.Time { return now }), h
}

func TestCheck_NoHistory(t *testing.T) {
	tr, _ := trackerWith()
	d, err := tr.Check(context.Background(), domain.CooldownKey{QueryText: "fire", CandidateID: "seg-1"}, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Suppressed)
	assert.Nil(t, d.Last)
}

func TestCheck_ScenarioB(t *testing.T) {
	rec := domain.NewAlertRecord("fire", "seg-42", 0.9, 0.5, true, now.Add(-2*time.Minute), "")
	tr, _ := trackerWith(rec)
	d, err := tr.Check(context.Background(), rec.Key(), 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Suppressed)
	assert.Equal(t, 3*time.Minute, d.Remaining)
}

func TestCheck_WindowProperty(t *testing.T) {
	const w = 10 * time.Minute
	for _, sent := range []bool{true, false} {
		t.Run("half window", func(t *testing.T) {
			rec := domain.NewAlertRecord("q", "c", 0.8, 0.5, sent, now.Add(-w/2), "")
			tr, _ := trackerWith(rec)
			d, err := tr.Check(context.Background(), rec.Key(), w)
			require.NoError(t, err)
			assert.True(t, d.Suppressed, "sent=%v", sent)
			assert.Equal(t, w/2, d.Remaining)
		})
		t.Run("one and a half windows", func(t *testing.T) {
			rec := domain.NewAlertRecord("q", "c", 0.8, 0.5, sent, now.Add(-3*w/2), "")
			tr, _ := trackerWith(rec)
			d, err := tr.Check(context.Background(), rec.Key(), w)
			require.NoError(t, err)
			assert.False(t, d.Suppressed, "sent=%v", sent)
			assert.Zero(t, d.Remaining)
		})
	}
}

func TestCheck_ExactBoundaryNotSuppressed(t *testing.T) {
	rec := domain.NewAlertRecord("q", "c", 0.8, 0.5, true, now.Add(-5*time.Minute), "")
	tr, _ := trackerWith(rec)
	d, err := tr.Check(context.Background(), rec.Key(), 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Suppressed)
}

func TestCheck_KeyIsExact(t *testing.T) {
	rec := domain.NewAlertRecord("fire", "seg-42", 0.9, 0.5, true, now.Add(-time.Minute), "")
	tr, _ := trackerWith(rec)
	for _, key := range []domain.CooldownKey{
		{QueryText: "Fire", CandidateID: "seg-42"},
		{QueryText: "fire ", CandidateID: "seg-42"},
		{QueryText: "fire", CandidateID: "seg-43"},
	} {
		d, err := tr.Check(context.Background(), key, 5*time.Minute)
		require.NoError(t, err)
		assert.False(t, d.Suppressed, "key %+v", key)
	}
}

func TestCheck_ZeroWindowSkipsLookup(t *testing.T) {
	tr, h := trackerWith()
	d, err := tr.Check(context.Background(), domain.CooldownKey{QueryText: "q", CandidateID: "c"}, 0)
	require.NoError(t, err)
	assert.False(t, d.Suppressed)
	assert.Zero(t, h.calls)
}

func TestCheck_StoreError(t *testing.T) {
	tr, h := trackerWith()
	h.err = domain.Unavailable("alertstore: latest", errors.New("locked"))
	_, err := tr.Check(context.Background(), domain.CooldownKey{QueryText: "q", CandidateID: "c"}, time.Minute)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
