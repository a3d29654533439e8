package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/services"
	"castwave/internal/infrastructure/middleware"
	"castwave/internal/infrastructure/monitoring"
	"castwave/internal/infrastructure/repositories/memory"
	"castwave/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockStateRepository struct {
	mock.Mock
}

func (m *MockStateRepository) Save(ctx context.Context, state *domain.BroadcastState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockStateRepository) Get(ctx context.Context) (*domain.BroadcastState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.BroadcastState), args.Error(1)
}

func (m *MockStateRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newSession(t *testing.T) *services.SessionService {
	t.Helper()
	session := services.NewSessionService(testutil.NewFakeEngine(), services.Options{Logger: zap.NewNop().Sugar()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go session.Run(ctx)
	return session
}

func newRouter(setup func(r gin.IRouter)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	setup(router)
	return router
}

func get(t *testing.T, router http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestBroadcastHandler_PublishedState(t *testing.T) {
	repo := memory.NewMemoryBroadcastRepository()
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(context.Background(), &domain.BroadcastState{
		Broadcaster: "peer-1",
		ViewerCount: 3,
		Producers: []domain.ProducerInfo{
			{ProducerID: "p-1", PeerID: "peer-1", Kind: domain.MediaKindVideo, Label: "camera"},
		},
		UpdatedAt: updated,
	}))

	handler := NewBroadcastHandler(repo, newSession(t))
	router := newRouter(handler.SetupRoutes)

	code, body := get(t, router, "/api/v1/broadcast")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "peer-1", body["broadcaster"])
	assert.Equal(t, true, body["live"])
	assert.Equal(t, float64(3), body["viewer_count"])
	assert.Equal(t, updated.Format(time.RFC3339Nano), body["updated_at"])

	producers := body["producers"].([]interface{})
	require.Len(t, producers, 1)
	assert.Equal(t, "p-1", producers[0].(map[string]interface{})["producerId"])
}

func TestBroadcastHandler_FallsBackToLiveSession(t *testing.T) {
	session := newSession(t)
	require.NoError(t, session.Join("peer-7"))
	require.NoError(t, session.SetBroadcaster("peer-7"))

	handler := NewBroadcastHandler(memory.NewMemoryBroadcastRepository(), session)
	router := newRouter(handler.SetupRoutes)

	code, body := get(t, router, "/api/v1/broadcast")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "peer-7", body["broadcaster"])
	assert.Equal(t, float64(0), body["viewer_count"])
	assert.Equal(t, []interface{}{}, body["producers"])
}

func TestBroadcastHandler_NoBroadcaster(t *testing.T) {
	handler := NewBroadcastHandler(memory.NewMemoryBroadcastRepository(), newSession(t))
	router := newRouter(handler.SetupRoutes)

	code, body := get(t, router, "/api/v1/broadcast")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["live"])
	assert.Equal(t, "", body["broadcaster"])
}

func TestBroadcastHandler_StoreFailure(t *testing.T) {
	repo := new(MockStateRepository)
	repo.On("Get", mock.Anything).Return(nil, errors.New("connection refused"))

	handler := NewBroadcastHandler(repo, newSession(t))
	router := newRouter(handler.SetupRoutes)

	code, body := get(t, router, "/api/v1/broadcast")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", body["error"])
	repo.AssertExpectations(t)
}

func TestHealthHandler_Health(t *testing.T) {
	handler := NewHealthHandler(monitoring.NewHealthChecker(), func() int { return 4 })
	router := newRouter(handler.SetupRoutes)

	code, body := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(4), body["connections"])
	assert.NotEmpty(t, body["uptime"])
}

func TestHealthHandler_Ready(t *testing.T) {
	checker := monitoring.NewHealthChecker()
	ready := true
	checker.AddCheck("media_engine", func(ctx context.Context) (bool, error) {
		if !ready {
			return false, domain.ErrEngineUnavailable
		}
		return true, nil
	}, time.Second)

	handler := NewHealthHandler(checker, func() int { return 0 })
	router := newRouter(handler.SetupRoutes)

	code, body := get(t, router, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	ready = false
	code, body = get(t, router, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}
