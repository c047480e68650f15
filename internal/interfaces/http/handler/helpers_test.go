package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	appfiscal "github.com/erp/fiscalsync/internal/application/fiscal"
	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/infrastructure/persistence"
	"github.com/erp/fiscalsync/internal/infrastructure/strategy"
	"github.com/erp/fiscalsync/internal/interfaces/http/dto"
	"github.com/erp/fiscalsync/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := middleware.SetupValidator(); err != nil {
		panic(err)
	}
}

type rejectingSyncer struct {
	mu     sync.Mutex
	reject map[string]bool
	calls  []string
}

func (s *rejectingSyncer) Sync(_ context.Context, id string) (fiscal.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	if s.reject[id] {
		return fiscal.SyncResult{}, errors.New("authority refused " + id)
	}
	return fiscal.SyncResult{TrackingID: "trk-" + id, Status: "ACCEPTED"}, nil
}

type testEnv struct {
	lots   *appfiscal.LotService
	stores map[fiscal.Family]*persistence.GormLotRepository
	syncer *rejectingSyncer
}

func newTestEnv(t *testing.T, reject ...string) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, persistence.EnsureLotTables(db))

	syncer := &rejectingSyncer{reject: map[string]bool{}}
	for _, id := range reject {
		syncer.reject[id] = true
	}

	stores := persistence.NewLotStores(db)
	reg := strategy.NewLotRegistry()
	for f, store := range stores {
		reg.MustRegister(fiscal.FamilyBinding{Family: f, Store: store, Syncer: syncer})
	}
	return &testEnv{
		lots:   appfiscal.NewLotService(reg, zaptest.NewLogger(t)),
		stores: stores,
		syncer: syncer,
	}
}

func (e *testEnv) leases(t *testing.T, family fiscal.Family, id string) []fiscal.Lease {
	t.Helper()
	leases, err := e.stores[family].FindByExternalID(context.Background(), id)
	require.NoError(t, err)
	return leases
}

func newEngine(registrars ...interface{ RegisterRoutes(*gin.RouterGroup) }) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID())
	api := r.Group("/api/v1")
	for _, reg := range registrars {
		reg.RegisterRoutes(api)
	}
	return r
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// decode unmarshals the response envelope, decoding data into out when non-nil
func decode(t *testing.T, w *httptest.ResponseRecorder, out any) dto.Response {
	t.Helper()
	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *dto.ErrorInfo  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw), w.Body.String())
	if out != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return dto.Response{Success: raw.Success, Error: raw.Error}
}

func waitFor(t *testing.T, g *middleware.LotGuard) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Wait(ctx))
}

