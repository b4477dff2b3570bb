package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
)

// MockAuditRepository is a mock implementation of repositories.AuditRepository
type MockAuditRepository struct {
	mock.Mock
	mu       sync.Mutex
	attempts int
	inserted []*models.AuditEntry
}

func (m *MockAuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	args := m.Called(ctx, entry)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if err := args.Error(0); err != nil {
		return err
	}
	m.inserted = append(m.inserted, entry)
	return nil
}

func (m *MockAuditRepository) GetByConstructID(ctx context.Context, constructID string, limit, offset int) ([]*models.AuditEntry, error) {
	args := m.Called(ctx, constructID, limit, offset)
	if entries := args.Get(0); entries != nil {
		return entries.([]*models.AuditEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) GetByManifestID(ctx context.Context, manifestID uuid.UUID) ([]*models.AuditEntry, error) {
	args := m.Called(ctx, manifestID)
	if entries := args.Get(0); entries != nil {
		return entries.([]*models.AuditEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) CountByConstructID(ctx context.Context, constructID string) (int64, error) {
	args := m.Called(ctx, constructID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	args := m.Called(tx)
	return args.Get(0).(repositories.AuditRepository)
}

func (m *MockAuditRepository) InsertAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *MockAuditRepository) Inserted() []*models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditEntry{}, m.inserted...)
}

// fastRetryConfig keeps retry tests quick
func fastRetryConfig() Config {
	return Config{
		BufferSize:    16,
		WorkerCount:   1,
		InsertTimeout: time.Second,
		RetryDelay:    5 * time.Millisecond,
		MaxAttempts:   3,
	}
}

func testEntry() *models.AuditEntry {
	return models.NewAuditEntry("vsi-nova", uuid.New(), models.AuditEventProposed, "user-1")
}

func TestAuditService_StartStop(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 2})

	require.NoError(t, service.Start())

	stats := service.GetStats()
	assert.True(t, stats.Started)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 10, stats.BufferSize)

	// Cannot start again
	assert.Error(t, service.Start())

	require.NoError(t, service.Stop(5*time.Second))
	assert.False(t, service.GetStats().Started)

	// Cannot stop again either
	assert.Error(t, service.Stop(time.Second))
}

func TestAuditService_RecordInsertsDirectly(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	// Record works without Start: the direct path needs no workers
	service := NewAuditService(mockRepo, zap.NewNop(), DefaultConfig())

	entry := testEntry()
	require.NoError(t, service.Record(context.Background(), entry))

	inserted := mockRepo.Inserted()
	require.Len(t, inserted, 1)
	assert.Equal(t, entry.ID, inserted[0].ID)
	assert.Equal(t, "vsi-nova", inserted[0].ConstructID)
	assert.Equal(t, models.AuditEventProposed, inserted[0].Event)
}

func TestAuditService_RecordFallsBackToRetry(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("store down")).Once()
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewAuditService(mockRepo, zap.NewNop(), fastRetryConfig())
	require.NoError(t, service.Start())
	defer service.Stop(5 * time.Second)

	// The failed insert does not surface; the entry lands via retry
	require.NoError(t, service.Record(context.Background(), testEntry()))

	assert.Eventually(t, func() bool {
		return len(mockRepo.Inserted()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, mockRepo.InsertAttempts(), 2)
}

func TestAuditService_RecordWithoutWorkersSurfacesFailure(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("store down"))

	service := NewAuditService(mockRepo, zap.NewNop(), DefaultConfig())

	err := service.Record(context.Background(), testEntry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")
}

func TestAuditService_RetryGivesUp(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("store down"))

	cfg := fastRetryConfig()
	service := NewAuditService(mockRepo, zap.NewNop(), cfg)
	require.NoError(t, service.Start())
	defer service.Stop(5 * time.Second)

	require.NoError(t, service.Record(context.Background(), testEntry()))

	// One direct attempt plus MaxAttempts retries, then the entry is abandoned
	assert.Eventually(t, func() bool {
		return mockRepo.InsertAttempts() == 1+cfg.MaxAttempts
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1+cfg.MaxAttempts, mockRepo.InsertAttempts())
}

func TestAuditService_RecordTransition(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewAuditService(mockRepo, zap.NewNop(), DefaultConfig())

	m := models.NewManifest("vsi-nova", "user-1", "ui.theme", "primary", "update", models.RiskLow, time.Hour)
	ctx := context.WithValue(context.Background(), chimiddleware.RequestIDKey, "req-42")

	err := service.RecordTransition(ctx, m, models.AuditEventApproved, "user-2", map[string]interface{}{
		"approved_by": "user-2",
	})
	require.NoError(t, err)

	inserted := mockRepo.Inserted()
	require.Len(t, inserted, 1)
	entry := inserted[0]
	assert.Equal(t, "vsi-nova", entry.ConstructID)
	assert.Equal(t, m.ID, entry.ManifestID)
	assert.Equal(t, models.AuditEventApproved, entry.Event)
	assert.Equal(t, "user-2", entry.UserID)
	assert.Equal(t, "req-42", entry.RequestID)
	assert.JSONEq(t, `{"approved_by":"user-2"}`, string(entry.Payload))
}

func TestAuditService_RecordTransitionWithoutPayload(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewAuditService(mockRepo, zap.NewNop(), DefaultConfig())

	m := models.NewManifest("vsi-nova", "user-1", "ui.theme", "primary", "update", models.RiskLow, time.Hour)
	require.NoError(t, service.RecordTransition(context.Background(), m, models.AuditEventExpired, "system", nil))

	inserted := mockRepo.Inserted()
	require.Len(t, inserted, 1)
	assert.Empty(t, inserted[0].Payload)
	assert.Empty(t, inserted[0].RequestID)
}

func TestAuditService_ConcurrentRecords(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewAuditService(mockRepo, zap.NewNop(), DefaultConfig())
	require.NoError(t, service.Start())
	defer service.Stop(5 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = service.Record(context.Background(), testEntry())
			}
		}()
	}
	wg.Wait()

	assert.Len(t, mockRepo.Inserted(), 100)
}

func TestAuditService_Logs(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	entries := []*models.AuditEntry{testEntry(), testEntry()}
	// Out-of-range limits clamp to the default before hitting the store
	mockRepo.On("GetByConstructID", mock.Anything, "vsi-nova", 100, 0).Return(entries, nil)

	service := NewAuditService(mockRepo, zap.NewNop(), DefaultConfig())

	got, err := service.Logs(context.Background(), "vsi-nova", 0, -5)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
	mockRepo.AssertExpectations(t)
}

func TestAuditService_Trail(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	manifestID := uuid.New()
	entries := []*models.AuditEntry{testEntry()}
	mockRepo.On("GetByManifestID", mock.Anything, manifestID).Return(entries, nil)

	service := NewAuditService(mockRepo, zap.NewNop(), DefaultConfig())

	got, err := service.Trail(context.Background(), manifestID)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestAuditService_Count(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("CountByConstructID", mock.Anything, "vsi-nova").Return(int64(7), nil)

	service := NewAuditService(mockRepo, zap.NewNop(), DefaultConfig())

	count, err := service.Count(context.Background(), "vsi-nova")
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

func TestAuditService_StopDrainsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("store down")).Once()
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewAuditService(mockRepo, zap.NewNop(), fastRetryConfig())
	require.NoError(t, service.Start())

	require.NoError(t, service.Record(context.Background(), testEntry()))

	require.Eventually(t, func() bool {
		return len(mockRepo.Inserted()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, service.Stop(5*time.Second))
}

func TestAuditService_StopTimeout(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("store down"))

	cfg := fastRetryConfig()
	cfg.RetryDelay = 10 * time.Second
	service := NewAuditService(mockRepo, zap.NewNop(), cfg)
	require.NoError(t, service.Start())

	// The worker is parked in its retry delay when Stop's deadline hits
	require.NoError(t, service.Record(context.Background(), testEntry()))
	require.Eventually(t, func() bool {
		return mockRepo.InsertAttempts() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	err := service.Stop(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1024, cfg.BufferSize)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 3*time.Second, cfg.InsertTimeout)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.Equal(t, 5, cfg.MaxAttempts)
}
