package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/meterbill/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededMemory(t *testing.T, balance, free int64) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore(nil)
	require.NoError(t, s.CreatePlan(ctx, &domain.Plan{ID: "p1", Name: "Basic", FreeRequests: free}))
	require.NoError(t, s.CreateAPI(ctx, &domain.API{ID: "a1", Name: "Search", CostPerRequest: 10, PlanID: "p1"}))
	plan := "p1"
	require.NoError(t, s.CreateUser(ctx, &domain.User{ID: "u1", Name: "Ada", Email: "ada@example.com", Role: domain.RoleUser, Balance: balance, PlanID: &plan}))
	return s
}

func TestMemory_TryDebitIsConditional(t *testing.T) {
	s := seededMemory(t, 50, 0)
	ctx := context.Background()

	var okCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithTx(ctx, func(tx Tx) error {
				ok, err := tx.TryDebit(ctx, "u1", 30)
				if ok {
					okCount.Add(1)
				}
				return err
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), okCount.Load())
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.Balance)
}

func TestMemory_TryDebitRejectsNegative(t *testing.T) {
	s := seededMemory(t, 50, 0)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.TryDebit(ctx, "u1", -1)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMemory_TryConsumeFreeAllowance(t *testing.T) {
	s := seededMemory(t, 0, 2)
	ctx := context.Background()

	var results []bool
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			ok, err := tx.TryConsumeFreeAllowance(ctx, "p1")
			results = append(results, ok)
			return err
		}))
	}
	assert.Equal(t, []bool{true, true, false}, results)

	p, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.FreeRequests)
}

func TestMemory_RollbackUndoesEveryMutation(t *testing.T) {
	s := seededMemory(t, 100, 1)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.TryConsumeFreeAllowance(ctx, "p1")
		require.NoError(t, err)
		_, err = tx.TryDebit(ctx, "u1", 40)
		require.NoError(t, err)
		require.NoError(t, tx.AppendRequest(ctx, &domain.RequestRecord{ID: "r1", UserID: "u1", APIID: "a1", RequestedAt: time.Now(), Cost: 40}))
		claimed, err := tx.ClaimIdempotencyKey(ctx, "k1", "hash")
		require.NoError(t, err)
		require.Nil(t, claimed)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	u, _ := s.GetUser(ctx, "u1")
	assert.Equal(t, int64(100), u.Balance)
	p, _ := s.GetPlan(ctx, "p1")
	assert.Equal(t, int64(1), p.FreeRequests)
	_, err = s.GetRequest(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The key claim was rolled back too.
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		claimed, err := tx.ClaimIdempotencyKey(ctx, "k1", "other")
		assert.Nil(t, claimed)
		return err
	}))
}

func TestMemory_IdempotencyClaimReturnsOwner(t *testing.T) {
	s := seededMemory(t, 100, 0)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.ClaimIdempotencyKey(ctx, "k1", "h1"); err != nil {
			return err
		}
		if err := tx.AppendRequest(ctx, &domain.RequestRecord{ID: "r1", UserID: "u1", APIID: "a1", RequestedAt: time.Now()}); err != nil {
			return err
		}
		return tx.CompleteIdempotencyKey(ctx, "k1", "r1", true)
	}))

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		owner, err := tx.ClaimIdempotencyKey(ctx, "k1", "h2")
		require.NotNil(t, owner)
		assert.Equal(t, "h1", owner.RequestHash)
		assert.Equal(t, "r1", owner.RequestID)
		assert.True(t, owner.FreeAllowance)
		return err
	}))
}

func TestMemory_AppendRequestChecksReferences(t *testing.T) {
	s := seededMemory(t, 100, 0)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.AppendRequest(ctx, &domain.RequestRecord{ID: "r1", UserID: "ghost", APIID: "a1"})
	})
	assert.ErrorIs(t, err, domain.ErrPersistence)

	err = s.WithTx(ctx, func(tx Tx) error {
		if err := tx.AppendRequest(ctx, &domain.RequestRecord{ID: "r1", UserID: "u1", APIID: "a1"}); err != nil {
			return err
		}
		return tx.AppendRequest(ctx, &domain.RequestRecord{ID: "r1", UserID: "u1", APIID: "a1"})
	})
	assert.ErrorIs(t, err, domain.ErrPersistence)

	recs, err := s.ListRequests(ctx, domain.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemory_ListRequestsInclusiveRange(t *testing.T) {
	s := seededMemory(t, 100, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for i, id := range []string{"r1", "r2", "r3"} {
			rec := &domain.RequestRecord{ID: id, UserID: "u1", APIID: "a1", RequestedAt: base.Add(time.Duration(i) * time.Hour), Cost: int64(i)}
			if err := tx.AppendRequest(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	}))

	recs, err := s.ListRequests(ctx, domain.RequestFilter{Range: domain.TimeRange{From: base, To: base.Add(time.Hour)}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "r1", recs[0].ID)
	assert.Equal(t, "r2", recs[1].ID)

	totals, err := s.RequestTotals(ctx, domain.TimeRange{From: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestTotals{Count: 2, Sum: 3}, totals)
}

func TestMemory_DeletePlan(t *testing.T) {
	s := seededMemory(t, 100, 0)
	ctx := context.Background()

	assert.ErrorIs(t, s.DeletePlan(ctx, "p1"), domain.ErrConflict)

	require.NoError(t, s.CreatePlan(ctx, &domain.Plan{ID: "p2", Name: "Spare"}))
	p2 := "p2"
	require.NoError(t, s.SetUserPlan(ctx, "u1", &p2))
	require.NoError(t, s.DeletePlan(ctx, "p2"))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, u.PlanID)
	assert.ErrorIs(t, s.DeletePlan(ctx, "p2"), domain.ErrNotFound)
}

func TestMemory_GetUserReturnsCopy(t *testing.T) {
	s := seededMemory(t, 100, 0)
	ctx := context.Background()

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	*u.PlanID = "tampered"
	u.Balance = 0

	again, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "p1", *again.PlanID)
	assert.Equal(t, int64(100), again.Balance)
}

func TestMemory_CountUsersExcludesRole(t *testing.T) {
	s := seededMemory(t, 100, 0)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &domain.User{ID: "admin", Name: "Root", Email: "root@example.com", Role: domain.RoleAdmin}))

	n, err := s.CountUsers(ctx, domain.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_CountUsersCreatedInclusive(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	s := NewMemoryStore(func() time.Time { return clock })

	for i, id := range []string{"u1", "u2", "u3"} {
		clock = start.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.CreateUser(ctx, &domain.User{ID: id, Name: id, Email: id + "@example.com", Role: domain.RoleAdmin}))
	}

	n, err := s.CountUsersCreated(ctx, domain.TimeRange{From: start, To: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountUsersCreated(ctx, domain.TimeRange{From: start.Add(time.Nanosecond), To: start.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPersistenceError(t *testing.T) {
	pgErr := &pgconn.PgError{Code: codeDeadlockDetected}
	err := persistErr("commit", pgErr)

	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, codeDeadlockDetected, pgCode(err))
	assert.Same(t, err, persistErr("again", err))
	assert.NoError(t, persistErr("noop", nil))

	assert.False(t, IsRetryable(persistErr("exec", &pgconn.PgError{Code: codeUniqueViolation})))
	assert.False(t, IsRetryable(errors.New("plain")))
}
