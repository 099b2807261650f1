package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/meterbill/internal/domain"
)

// MemoryStore is an in-process Store. Transactions are serialized on a
// single lock and rolled back from an undo log, so every check-and-mutate
// in a Tx is atomic with respect to all other transactions.
type MemoryStore struct {
	mu         sync.RWMutex
	plans      map[string]domain.Plan
	apis       map[string]domain.API
	users      map[string]domain.User
	requests   []domain.RequestRecord
	requestIdx map[string]int
	idem       map[string]domain.IdempotencyRecord
	now        func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		plans:      make(map[string]domain.Plan),
		apis:       make(map[string]domain.API),
		users:      make(map[string]domain.User),
		requestIdx: make(map[string]int),
		idem:       make(map[string]domain.IdempotencyRecord),
		now:        now,
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	tx := &memTx{s: s}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
		s.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return persistErr("tx begin", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Plans

func (s *MemoryStore) CreatePlan(ctx context.Context, p *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		return fmt.Errorf("plan %s: %w", p.ID, domain.ErrConflict)
	}
	p.CreatedAt = s.now().UTC()
	s.plans[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, domain.ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plans := make([]domain.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		return byCreated(plans[i].CreatedAt, plans[i].ID, plans[j].CreatedAt, plans[j].ID)
	})
	return plans, nil
}

func (s *MemoryStore) UpdatePlan(ctx context.Context, p *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.plans[p.ID]
	if !ok {
		return fmt.Errorf("plan %s: %w", p.ID, domain.ErrNotFound)
	}
	p.CreatedAt = cur.CreatedAt
	s.plans[p.ID] = *p
	return nil
}

func (s *MemoryStore) DeletePlan(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return fmt.Errorf("plan %s: %w", id, domain.ErrNotFound)
	}
	for _, a := range s.apis {
		if a.PlanID == id {
			return fmt.Errorf("plan %s has registered apis: %w", id, domain.ErrConflict)
		}
	}
	for uid, u := range s.users {
		if u.PlanID != nil && *u.PlanID == id {
			u.PlanID = nil
			s.users[uid] = u
		}
	}
	delete(s.plans, id)
	return nil
}

// APIs

func (s *MemoryStore) CreateAPI(ctx context.Context, a *domain.API) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[a.PlanID]; !ok {
		return fmt.Errorf("plan %s: %w", a.PlanID, domain.ErrNotFound)
	}
	if _, ok := s.apis[a.ID]; ok {
		return fmt.Errorf("api %s: %w", a.ID, domain.ErrConflict)
	}
	a.CreatedAt = s.now().UTC()
	s.apis[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAPI(ctx context.Context, id string) (*domain.API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAPILocked(id)
}

func (s *MemoryStore) ListAPIs(ctx context.Context) ([]domain.API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apis := make([]domain.API, 0, len(s.apis))
	for _, a := range s.apis {
		apis = append(apis, a)
	}
	sort.Slice(apis, func(i, j int) bool {
		return byCreated(apis[i].CreatedAt, apis[i].ID, apis[j].CreatedAt, apis[j].ID)
	})
	return apis, nil
}

// Users

func (s *MemoryStore) CreateUser(ctx context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, domain.ErrConflict)
	}
	if u.PlanID != nil {
		if _, ok := s.plans[*u.PlanID]; !ok {
			return fmt.Errorf("plan %s: %w", *u.PlanID, domain.ErrNotFound)
		}
	}
	if u.Balance < 0 {
		return fmt.Errorf("user %s: balance must not be negative: %w", u.ID, domain.ErrInvalidInput)
	}
	u.CreatedAt = s.now().UTC()
	s.users[u.ID] = cloneUser(*u)
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUserLocked(id)
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, cloneUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		return byCreated(users[i].CreatedAt, users[i].ID, users[j].CreatedAt, users[j].ID)
	})
	return users, nil
}

func (s *MemoryStore) SetUserPlan(ctx context.Context, userID string, planID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if planID != nil {
		if _, ok := s.plans[*planID]; !ok {
			return fmt.Errorf("plan %s: %w", *planID, domain.ErrNotFound)
		}
		id := *planID
		planID = &id
	}
	u.PlanID = planID
	s.users[userID] = u
	return nil
}

// Request ledger

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*domain.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRequestLocked(id)
}

func (s *MemoryStore) ListRequests(ctx context.Context, f domain.RequestFilter) ([]domain.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := []domain.RequestRecord{}
	for _, r := range s.requests {
		if f.Match(r) {
			records = append(records, r)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return byCreated(records[i].RequestedAt, records[i].ID, records[j].RequestedAt, records[j].ID)
	})
	return records, nil
}

func (s *MemoryStore) RequestTotals(ctx context.Context, r domain.TimeRange) (domain.RequestTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t domain.RequestTotals
	for _, rec := range s.requests {
		if r.Contains(rec.RequestedAt) {
			t.Count++
			t.Sum += rec.Cost
		}
	}
	return t, nil
}

func (s *MemoryStore) CountUsers(ctx context.Context, excludeRole string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, u := range s.users {
		if u.Role != excludeRole {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountUsersCreated(ctx context.Context, r domain.TimeRange) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, u := range s.users {
		if r.Contains(u.CreatedAt) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) getAPILocked(id string) (*domain.API, error) {
	a, ok := s.apis[id]
	if !ok {
		return nil, fmt.Errorf("api %s: %w", id, domain.ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) getUserLocked(id string) (*domain.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	u = cloneUser(u)
	return &u, nil
}

func (s *MemoryStore) getRequestLocked(id string) (*domain.RequestRecord, error) {
	i, ok := s.requestIdx[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	r := s.requests[i]
	return &r, nil
}

// memTx runs with MemoryStore.mu held for writing.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetAPI(ctx context.Context, id string) (*domain.API, error) {
	return t.s.getAPILocked(id)
}

func (t *memTx) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return t.s.getUserLocked(id)
}

func (t *memTx) GetRequest(ctx context.Context, id string) (*domain.RequestRecord, error) {
	return t.s.getRequestLocked(id)
}

func (t *memTx) TryConsumeFreeAllowance(ctx context.Context, planID string) (bool, error) {
	p, ok := t.s.plans[planID]
	if !ok {
		return false, fmt.Errorf("plan %s: %w", planID, domain.ErrNotFound)
	}
	if p.FreeRequests <= 0 {
		return false, nil
	}
	p.FreeRequests--
	t.s.plans[planID] = p
	t.undo = append(t.undo, func() {
		p := t.s.plans[planID]
		p.FreeRequests++
		t.s.plans[planID] = p
	})
	return true, nil
}

func (t *memTx) TryDebit(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("%w: negative debit", domain.ErrInvalidInput)
	}
	u, ok := t.s.users[userID]
	if !ok {
		return false, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	if u.Balance < amount {
		return false, nil
	}
	u.Balance -= amount
	t.s.users[userID] = u
	t.undo = append(t.undo, func() {
		u := t.s.users[userID]
		u.Balance += amount
		t.s.users[userID] = u
	})
	return true, nil
}

func (t *memTx) AppendRequest(ctx context.Context, rec *domain.RequestRecord) error {
	if _, ok := t.s.requestIdx[rec.ID]; ok {
		return persistErr("append request", fmt.Errorf("duplicate request id %s", rec.ID))
	}
	if _, ok := t.s.users[rec.UserID]; !ok {
		return persistErr("append request", fmt.Errorf("unknown user %s", rec.UserID))
	}
	if _, ok := t.s.apis[rec.APIID]; !ok {
		return persistErr("append request", fmt.Errorf("unknown api %s", rec.APIID))
	}
	t.s.requestIdx[rec.ID] = len(t.s.requests)
	t.s.requests = append(t.s.requests, *rec)
	t.undo = append(t.undo, func() {
		delete(t.s.requestIdx, rec.ID)
		t.s.requests = t.s.requests[:len(t.s.requests)-1]
	})
	return nil
}

func (t *memTx) ClaimIdempotencyKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	if rec, ok := t.s.idem[key]; ok {
		return &rec, nil
	}
	t.s.idem[key] = domain.IdempotencyRecord{Key: key, RequestHash: requestHash}
	t.undo = append(t.undo, func() { delete(t.s.idem, key) })
	return nil, nil
}

func (t *memTx) CompleteIdempotencyKey(ctx context.Context, key, requestID string, freeAllowance bool) error {
	rec, ok := t.s.idem[key]
	if !ok {
		return persistErr("complete idempotency key", fmt.Errorf("key %s not claimed", key))
	}
	prev := rec
	rec.RequestID = requestID
	rec.FreeAllowance = freeAllowance
	t.s.idem[key] = rec
	t.undo = append(t.undo, func() { t.s.idem[key] = prev })
	return nil
}

func cloneUser(u domain.User) domain.User {
	if u.PlanID != nil {
		id := *u.PlanID
		u.PlanID = &id
	}
	return u
}

func byCreated(ti time.Time, idi string, tj time.Time, idj string) bool {
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return idi < idj
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
