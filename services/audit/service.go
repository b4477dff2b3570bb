package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TitaniumShinobi/vsi-governance/models"
	"github.com/TitaniumShinobi/vsi-governance/repositories"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// retryEvent is an audit entry whose primary insert failed and is awaiting
// a background retry.
type retryEvent struct {
	Entry    *models.AuditEntry
	Attempts int
}

// AuditService owns the append-only audit trail. Writes go through Record:
// a durable insert on the caller's path, falling back to background retry
// workers so a store hiccup never blocks or loses a lifecycle transition.
type AuditService struct {
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	retryChan   chan *retryEvent
	workerCount int
	bufferSize  int
	cfg         Config
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	mu          sync.Mutex
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize    int           // Size of the retry buffer channel
	WorkerCount   int           // Number of concurrent retry workers
	InsertTimeout time.Duration // Per-insert deadline
	RetryDelay    time.Duration // Pause between retry attempts
	MaxAttempts   int           // Retry attempts before an entry is abandoned
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:    1024,
		WorkerCount:   2,
		InsertTimeout: 3 * time.Second,
		RetryDelay:    2 * time.Second,
		MaxAttempts:   5,
	}
}

// NewAuditService creates a new AuditService instance
func NewAuditService(auditRepo repositories.AuditRepository, logger *zap.Logger, config Config) *AuditService {
	ctx, cancel := context.WithCancel(context.Background())

	return &AuditService{
		auditRepo:   auditRepo,
		logger:      logger,
		retryChan:   make(chan *retryEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		cfg:         config,
		ctx:         ctx,
		cancel:      cancel,
		started:     false,
	}
}

// Start starts the background retry workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop gracefully stops the audit service.
// Waits for pending retries to drain, up to the timeout.
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_retries", len(s.retryChan)))

	// Close the retry channel (no more events will be accepted)
	close(s.retryChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record durably appends an audit entry. The insert happens on the caller's
// path with a bounded deadline; when the store is unavailable the entry is
// handed to the retry workers and Record still returns nil so the lifecycle
// transition that produced it is never rolled back.
func (s *AuditService) Record(ctx context.Context, entry *models.AuditEntry) error {
	insertCtx, cancel := context.WithTimeout(ctx, s.cfg.InsertTimeout)
	defer cancel()

	err := s.auditRepo.Insert(insertCtx, entry)
	if err == nil {
		return nil
	}

	s.logger.Warn("audit insert failed, scheduling retry",
		zap.Error(err),
		zap.String("event", string(entry.Event)),
		zap.String("manifest_id", entry.ManifestID.String()))

	return s.enqueueRetry(&retryEvent{Entry: entry})
}

// RecordTransition builds and records the audit entry for a manifest
// lifecycle event. The request ID is taken from the context when present.
func (s *AuditService) RecordTransition(ctx context.Context, m *models.Manifest, event models.AuditEvent, userID string, payload interface{}) error {
	entry := models.NewAuditEntry(m.ConstructID, m.ID, event, userID)
	if payload != nil {
		entry.WithPayload(payload)
	}
	if reqID := chimiddleware.GetReqID(ctx); reqID != "" {
		entry.WithRequestID(reqID)
	}
	return s.Record(ctx, entry)
}

// Logs retrieves a construct's audit entries in chronological order.
func (s *AuditService) Logs(ctx context.Context, constructID string, limit, offset int) ([]*models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.auditRepo.GetByConstructID(ctx, constructID, limit, offset)
}

// Trail retrieves the audit entries for one manifest in chronological order.
func (s *AuditService) Trail(ctx context.Context, manifestID uuid.UUID) ([]*models.AuditEntry, error) {
	return s.auditRepo.GetByManifestID(ctx, manifestID)
}

// Count returns the number of audit entries recorded for a construct.
func (s *AuditService) Count(ctx context.Context, constructID string) (int64, error) {
	return s.auditRepo.CountByConstructID(ctx, constructID)
}

// enqueueRetry hands an entry to the retry workers without blocking.
func (s *AuditService) enqueueRetry(ev *retryEvent) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.mu.Unlock()

	select {
	case s.retryChan <- ev:
		return nil
	default:
		s.logger.Error("audit retry buffer full, dropping entry",
			zap.String("event", string(ev.Entry.Event)),
			zap.String("manifest_id", ev.Entry.ManifestID.String()))
		return fmt.Errorf("audit retry buffer full")
	}
}

// worker drains the retry channel
func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit retry worker started", zap.Int("worker_id", id))

	for ev := range s.retryChan {
		if err := s.processEvent(ev); err != nil {
			s.logger.Error("audit entry abandoned after retries",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("event", string(ev.Entry.Event)),
				zap.String("manifest_id", ev.Entry.ManifestID.String()))
		}
	}

	s.logger.Debug("audit retry worker stopped", zap.Int("worker_id", id))
}

// processEvent retries a single entry until it lands or attempts run out.
// Retries happen inside the worker so nothing is ever sent back into a
// channel that may already be closed.
func (s *AuditService) processEvent(ev *retryEvent) error {
	var lastErr error
	for ev.Attempts < s.cfg.MaxAttempts {
		ev.Attempts++

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InsertTimeout)
		err := s.auditRepo.Insert(ctx, ev.Entry)
		cancel()

		if err == nil {
			s.logger.Debug("audit entry recovered by retry",
				zap.String("event", string(ev.Entry.Event)),
				zap.Int("attempts", ev.Attempts))
			return nil
		}
		lastErr = err

		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-s.ctx.Done():
			return fmt.Errorf("audit service stopped with entry pending: %w", lastErr)
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", ev.Attempts, lastErr)
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:     s.bufferSize,
		PendingRetries: len(s.retryChan),
		WorkerCount:    s.workerCount,
		Started:        s.started,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize     int
	PendingRetries int
	WorkerCount    int
	Started        bool
}
