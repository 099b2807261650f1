package service

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/meterbill/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_Queries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, 0, 10)
	require.NoError(t, f.st.CreateAPI(ctx, &domain.API{ID: "api-2", Name: "Translate", CostPerRequest: 3, PlanID: f.planID}))

	day := func(d int) time.Time { return time.Date(2026, 3, d, 9, 0, 0, 0, time.UTC) }
	appendAt(t, f.st, domain.RequestRecord{ID: "r1", UserID: f.userID, APIID: f.apiID, RequestedAt: day(1), Cost: 10})
	appendAt(t, f.st, domain.RequestRecord{ID: "r2", UserID: f.userID, APIID: "api-2", RequestedAt: day(2), Cost: 3})
	appendAt(t, f.st, domain.RequestRecord{ID: "r3", UserID: f.userID, APIID: f.apiID, RequestedAt: day(3), Cost: 10})

	l := NewLedgerService(f.st)

	rec, err := l.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "api-2", rec.APIID)

	byUser, err := l.ListByUser(ctx, f.userID)
	require.NoError(t, err)
	assert.Len(t, byUser, 3)

	byAPI, err := l.ListByAPI(ctx, f.apiID)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r3"}, ids(byAPI))

	ranged, err := l.ListByDateRange(ctx, domain.TimeRange{From: day(2), To: day(3)})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3"}, ids(ranged))

	combined, err := l.List(ctx, domain.RequestFilter{APIID: f.apiID, Range: domain.TimeRange{To: day(2)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(combined))
}

func TestLedger_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, 0, 10)
	l := NewLedgerService(f.st)

	_, err := l.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = l.ListByUser(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = l.ListByAPI(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = l.ListByDateRange(ctx, domain.TimeRange{From: fixedNow, To: fixedNow.Add(-time.Hour)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	empty, err := l.ListByUser(ctx, f.userID)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func ids(recs []domain.RequestRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
