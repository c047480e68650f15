package fiscal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/domain/shared"
	"github.com/erp/fiscalsync/internal/infrastructure/persistence"
	"github.com/erp/fiscalsync/internal/infrastructure/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockLotStore is a mock implementation of fiscal.LotStore
type MockLotStore struct {
	mock.Mock
}

func (m *MockLotStore) FindByExternalID(ctx context.Context, id string) ([]fiscal.Lease, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]fiscal.Lease), args.Error(1)
}

func (m *MockLotStore) Create(ctx context.Context, id string) (*fiscal.Lease, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fiscal.Lease), args.Error(1)
}

func (m *MockLotStore) Claim(ctx context.Context, id string) (*fiscal.Lease, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fiscal.Lease), args.Error(1)
}

func (m *MockLotStore) Complete(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockLotStore) Fail(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockLotStore) ListCandidates(ctx context.Context, filter fiscal.CandidateFilter) ([]fiscal.Lease, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]fiscal.Lease), args.Error(1)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedSyncer rejects the ids in reject and counts calls per id
type scriptedSyncer struct {
	mu     sync.Mutex
	reject map[string]bool
	calls  []string
}

func newScriptedSyncer(reject ...string) *scriptedSyncer {
	s := &scriptedSyncer{reject: map[string]bool{}}
	for _, id := range reject {
		s.reject[id] = true
	}
	return s
}

func (s *scriptedSyncer) Sync(_ context.Context, id string) (fiscal.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	if s.reject[id] {
		return fiscal.SyncResult{}, errors.New("rejected: " + id)
	}
	return fiscal.SyncResult{TrackingID: "trk-" + id, Status: "ACCEPTED"}, nil
}

func (s *scriptedSyncer) setReject(id string, reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[id] = reject
}

type harness struct {
	svc    *LotService
	stores map[fiscal.Family]*persistence.GormLotRepository
	syncer *scriptedSyncer
	clock  *testClock
}

func newHarness(t *testing.T, reject ...string) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, persistence.EnsureLotTables(db))

	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	stores := persistence.NewLotStores(db, persistence.WithClock(clock.Now))
	syncer := newScriptedSyncer(reject...)

	reg := strategy.NewLotRegistry()
	for f, store := range stores {
		reg.MustRegister(fiscal.FamilyBinding{Family: f, Store: store, Syncer: syncer})
	}
	return &harness{
		svc:    NewLotService(reg, zap.NewNop()),
		stores: stores,
		syncer: syncer,
		clock:  clock,
	}
}

func (h *harness) state(t *testing.T, f fiscal.Family, id string) fiscal.LeaseState {
	t.Helper()
	leases, err := h.stores[f].FindByExternalID(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, leases, 1, "lease %s", id)
	return leases[0].State
}

func mockService(t *testing.T, store *MockLotStore, syncer fiscal.DocumentSyncer) *LotService {
	t.Helper()
	reg := strategy.NewLotRegistry()
	for _, f := range fiscal.Families() {
		reg.MustRegister(fiscal.FamilyBinding{Family: f, Store: store, Syncer: syncer})
	}
	return NewLotService(reg, zap.NewNop())
}

func TestRegisterOrClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("new id creates a processing lease", func(t *testing.T) {
		h := newHarness(t)
		reg, err := h.svc.RegisterOrClaim(ctx, "42", fiscal.FamilyInvoice)
		require.NoError(t, err)
		assert.True(t, reg.Created)
		assert.Equal(t, "PROCESSING", reg.Lease.State)
		assert.Equal(t, fiscal.StateProcessing, h.state(t, fiscal.FamilyInvoice, "42"))
	})

	t.Run("second registration inside the window conflicts without a second row", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.RegisterOrClaim(ctx, "42", fiscal.FamilyInvoice)
		require.NoError(t, err)

		h.clock.Advance(time.Minute)
		_, err = h.svc.RegisterOrClaim(ctx, "42", fiscal.FamilyInvoice)
		require.Error(t, err)
		assert.True(t, errors.Is(err, fiscal.ErrLeaseHeld))

		leases, err := h.stores[fiscal.FamilyInvoice].FindByExternalID(ctx, "42")
		require.NoError(t, err)
		assert.Len(t, leases, 1)
	})

	t.Run("claim after expiry refreshes the window strictly later", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.svc.RegisterOrClaim(ctx, "42", fiscal.FamilyDebitNote)
		require.NoError(t, err)

		h.clock.Advance(fiscal.LeaseDuration + time.Second)
		second, err := h.svc.RegisterOrClaim(ctx, "42", fiscal.FamilyDebitNote)
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.True(t, second.Lease.LeaseStartedAt.After(first.Lease.LeaseStartedAt))
		assert.True(t, second.Lease.LeaseExpiresAt.After(first.Lease.LeaseExpiresAt))
		assert.Equal(t, fiscal.LeaseDuration, second.Lease.LeaseExpiresAt.Sub(second.Lease.LeaseStartedAt))
	})

	t.Run("concurrent registrations of a new id have one winner", func(t *testing.T) {
		h := newHarness(t)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
			held    int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.svc.RegisterOrClaim(ctx, "race", fiscal.FamilyInvoice)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case errors.Is(err, fiscal.ErrLeaseHeld):
					held++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
		assert.Equal(t, 7, held)
	})

	t.Run("empty id is invalid", func(t *testing.T) {
		store := &MockLotStore{}
		_, err := mockService(t, store, newScriptedSyncer()).RegisterOrClaim(ctx, "", fiscal.FamilyInvoice)
		assert.True(t, errors.Is(err, shared.ErrInvalidInput))
		store.AssertExpectations(t)
	})

	t.Run("store failure is internal", func(t *testing.T) {
		store := &MockLotStore{}
		store.On("FindByExternalID", mock.Anything, "42").Return(nil, errors.New("db down"))

		_, err := mockService(t, store, newScriptedSyncer()).RegisterOrClaim(ctx, "42", fiscal.FamilyInvoice)
		require.Error(t, err)
		assert.True(t, errors.Is(err, fiscal.ErrPersistence))
		var de *shared.DomainError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "INTERNAL_ERROR", de.Code)
	})

	t.Run("lost insert race is a conflict", func(t *testing.T) {
		store := &MockLotStore{}
		store.On("FindByExternalID", mock.Anything, "42").Return([]fiscal.Lease{}, nil)
		store.On("Create", mock.Anything, "42").Return(nil, shared.ErrAlreadyExists)

		_, err := mockService(t, store, newScriptedSyncer()).RegisterOrClaim(ctx, "42", fiscal.FamilyInvoice)
		assert.True(t, errors.Is(err, fiscal.ErrLeaseHeld))
		store.AssertExpectations(t)
	})
}

func TestFinish(t *testing.T) {
	ctx := context.Background()

	t.Run("missing lease is not found and creates nothing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.Finish(ctx, "404", fiscal.FamilyInvoice, true)
		require.Error(t, err)
		var de *shared.DomainError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "NOT_FOUND", de.Code)

		leases, err := h.stores[fiscal.FamilyInvoice].FindByExternalID(ctx, "404")
		require.NoError(t, err)
		assert.Empty(t, leases)
	})

	t.Run("success marks done, failure marks error", func(t *testing.T) {
		h := newHarness(t)
		for _, id := range []string{"ok", "ko"} {
			_, err := h.svc.RegisterOrClaim(ctx, id, fiscal.FamilyCreditNote)
			require.NoError(t, err)
		}

		res, err := h.svc.Finish(ctx, "ok", fiscal.FamilyCreditNote, true)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		_, err = h.svc.Finish(ctx, "ko", fiscal.FamilyCreditNote, false)
		require.NoError(t, err)

		assert.Equal(t, fiscal.StateDone, h.state(t, fiscal.FamilyCreditNote, "ok"))
		assert.Equal(t, fiscal.StateError, h.state(t, fiscal.FamilyCreditNote, "ko"))
	})

	t.Run("late failure after done is not applied", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.RegisterOrClaim(ctx, "7", fiscal.FamilyInvoice)
		require.NoError(t, err)
		_, err = h.svc.Finish(ctx, "7", fiscal.FamilyInvoice, true)
		require.NoError(t, err)

		res, err := h.svc.Finish(ctx, "7", fiscal.FamilyInvoice, false)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, fiscal.StateDone, h.state(t, fiscal.FamilyInvoice, "7"))
	})
}

func TestReconcileBatch(t *testing.T) {
	ctx := context.Background()
	svc := mockService(t, &MockLotStore{}, newScriptedSyncer())

	t.Run("partial failure does not stop the batch", func(t *testing.T) {
		syncer := newScriptedSyncer("2")
		report, err := svc.ReconcileBatch(ctx, syncer, []string{"1", "2", "3"})
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "3"}, report.SucceededIDs())
		assert.Equal(t, []string{"2"}, report.FailedIDs())
		assert.Equal(t, "rejected: 2", report.Failed[0].Message)
		assert.Equal(t, []string{"1", "2", "3"}, syncer.calls)
		assert.Equal(t, "trk-1", report.Succeeded[0].Result.TrackingID)
	})

	t.Run("panic is reported as internal", func(t *testing.T) {
		boom := fiscal.SyncerFunc(func(context.Context, string) (fiscal.SyncResult, error) {
			panic("authority client bug")
		})
		report, err := svc.ReconcileBatch(ctx, boom, []string{"1"})
		assert.Nil(t, report)
		require.Error(t, err)
		assert.True(t, errors.Is(err, fiscal.ErrBatchAborted))
		assert.Contains(t, err.Error(), "authority client bug")
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := svc.ReconcileBatch(cctx, newScriptedSyncer(), []string{"1"})
		assert.True(t, errors.Is(err, context.Canceled))
		assert.True(t, errors.Is(err, fiscal.ErrBatchAborted))
	})
}

func TestReconcileFamily(t *testing.T) {
	ctx := context.Background()

	t.Run("partial failure persists each outcome", func(t *testing.T) {
		h := newHarness(t, "2")
		for _, id := range []string{"1", "2", "3"} {
			_, err := h.svc.RegisterOrClaim(ctx, id, fiscal.FamilyInvoice)
			require.NoError(t, err)
		}

		report, err := h.svc.ReconcileFamily(ctx, []string{"1", "2", "3"}, fiscal.FamilyInvoice)
		require.NoError(t, err)
		assert.Equal(t, fiscal.FamilyInvoice, report.Family)
		assert.Equal(t, []string{"1", "3"}, report.SucceededIDs())
		assert.Equal(t, []string{"2"}, report.FailedIDs())

		assert.Equal(t, fiscal.StateDone, h.state(t, fiscal.FamilyInvoice, "1"))
		assert.Equal(t, fiscal.StateError, h.state(t, fiscal.FamilyInvoice, "2"))
		assert.Equal(t, fiscal.StateDone, h.state(t, fiscal.FamilyInvoice, "3"))
	})

	t.Run("empty batch writes nothing", func(t *testing.T) {
		store := &MockLotStore{}
		syncer := newScriptedSyncer()
		report, err := mockService(t, store, syncer).ReconcileFamily(ctx, nil, fiscal.FamilyCreditNote)
		require.NoError(t, err)
		assert.Empty(t, report.Succeeded)
		assert.Empty(t, report.Failed)
		assert.Empty(t, syncer.calls)
		store.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
		store.AssertNotCalled(t, "Fail", mock.Anything, mock.Anything)
	})

	t.Run("unknown family touches no store", func(t *testing.T) {
		store := &MockLotStore{}
		syncer := newScriptedSyncer()
		svc := mockService(t, store, syncer)

		_, err := svc.ReconcileFamily(ctx, []string{"1"}, "99")
		require.Error(t, err)
		var de *shared.DomainError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "INVALID_FAMILY", de.Code)

		_, err = svc.RegisterOrClaim(ctx, "1", "99")
		assert.True(t, errors.Is(err, fiscal.ErrUnknownFamily))
		_, err = svc.Finish(ctx, "1", "99", true)
		assert.True(t, errors.Is(err, fiscal.ErrUnknownFamily))

		assert.Empty(t, syncer.calls)
		assert.Empty(t, store.Calls)
	})

	t.Run("per-id persistence errors do not stop the loop", func(t *testing.T) {
		store := &MockLotStore{}
		store.On("Complete", mock.Anything, "1").Return(false, errors.New("deadlock"))
		store.On("Fail", mock.Anything, "2").Return(true, nil)
		store.On("Complete", mock.Anything, "3").Return(true, nil)

		report, err := mockService(t, store, newScriptedSyncer("2")).ReconcileFamily(ctx, []string{"1", "2", "3"}, fiscal.FamilyInvoice)
		require.NoError(t, err)
		assert.Equal(t, 1, report.PersistErrors)
		store.AssertExpectations(t)
	})

	t.Run("aborted batch writes nothing", func(t *testing.T) {
		store := &MockLotStore{}
		boom := fiscal.SyncerFunc(func(context.Context, string) (fiscal.SyncResult, error) { panic("boom") })
		reg := strategy.NewLotRegistry()
		reg.MustRegister(fiscal.FamilyBinding{Family: fiscal.FamilyInvoice, Store: store, Syncer: boom})

		_, err := NewLotService(reg, zap.NewNop()).ReconcileFamily(ctx, []string{"1", "2"}, fiscal.FamilyInvoice)
		assert.Error(t, err)
		assert.Empty(t, store.Calls)
	})

	t.Run("retry converges and leaves the candidate set", func(t *testing.T) {
		h := newHarness(t, "9")
		_, err := h.svc.RegisterOrClaim(ctx, "9", fiscal.FamilyDebitNote)
		require.NoError(t, err)

		_, err = h.svc.ReconcileFamily(ctx, []string{"9"}, fiscal.FamilyDebitNote)
		require.NoError(t, err)
		assert.Equal(t, fiscal.StateError, h.state(t, fiscal.FamilyDebitNote, "9"))

		candidates, err := h.svc.Candidates(ctx, fiscal.FamilyDebitNote, fiscal.CandidateFilter{IncludeActive: true})
		require.NoError(t, err)
		require.Len(t, candidates, 1)

		h.syncer.setReject("9", false)
		_, err = h.svc.ReconcileFamily(ctx, []string{"9"}, fiscal.FamilyDebitNote)
		require.NoError(t, err)
		assert.Equal(t, fiscal.StateDone, h.state(t, fiscal.FamilyDebitNote, "9"))

		candidates, err = h.svc.Candidates(ctx, fiscal.FamilyDebitNote, fiscal.CandidateFilter{IncludeActive: true})
		require.NoError(t, err)
		assert.Empty(t, candidates)
	})
}

func TestLookupAndSyncDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "bad")

	_, err := h.svc.Lookup(ctx, "1", fiscal.FamilyInvoice)
	assert.True(t, errors.Is(err, fiscal.ErrNoLease))

	_, err = h.svc.RegisterOrClaim(ctx, "1", fiscal.FamilyInvoice)
	require.NoError(t, err)
	lease, err := h.svc.Lookup(ctx, "1", fiscal.FamilyInvoice)
	require.NoError(t, err)
	assert.Equal(t, fiscal.StateProcessing, lease.State)

	res, err := h.svc.SyncDocument(ctx, "1", fiscal.FamilyInvoice)
	require.NoError(t, err)
	assert.Equal(t, "trk-1", res.TrackingID)

	_, err = h.svc.SyncDocument(ctx, "bad", fiscal.FamilyInvoice)
	assert.True(t, errors.Is(err, ErrSyncRejected))
	// the sync path never writes a lease
	leases, err := h.stores[fiscal.FamilyInvoice].FindByExternalID(ctx, "bad")
	require.NoError(t, err)
	assert.Empty(t, leases)
}
