package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/dispatch-core/models"
	"github.com/upb/dispatch-core/repositories"
)

// Event wraps a log entry queued for asynchronous persistence.
type Event struct {
	Log *models.AuditLog
}

// Service handles asynchronous audit logging. Entries are queued on a
// buffered channel and persisted by background workers so the request
// path never waits on storage.
type Service struct {
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	eventChan   chan *Event
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	mu          sync.Mutex
}

// Config holds configuration for the audit Service
type Config struct {
	BufferSize  int
	WorkerCount int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  10000,
		WorkerCount: 2,
	}
}

// NewService creates a new audit Service instance
func NewService(auditRepo repositories.AuditRepository, logger *zap.Logger, config Config) *Service {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		auditRepo:   auditRepo,
		logger:      logger,
		eventChan:   make(chan *Event, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the background workers
func (s *Service) Start() error {
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

// Stop drains pending events and stops the workers, waiting up to
// timeout.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))

	close(s.eventChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		s.cancel()
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record queues an entry without blocking. When the buffer is full the
// entry is dropped with a warning; the request path must not stall on
// audit pressure.
func (s *Service) Record(log *models.AuditLog) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	s.mu.Unlock()

	select {
	case s.eventChan <- &Event{Log: log}:
		return nil
	default:
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("action", string(log.Action)),
			zap.String("user_id", log.UserID))
		return fmt.Errorf("audit event buffer full")
	}
}

// Recent returns the most recent audit entries, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	return s.auditRepo.Recent(ctx, limit)
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(event.Log.Action)))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *Service) processEvent(event *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, event.Log); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started,
	}
}

// Convenience methods for recording common events

// RecordDispatchRequest records an incoming dispatch request.
func (s *Service) RecordDispatchRequest(userID, role, resource, requestID, ip, userAgent string) error {
	log := models.NewAuditLog(userID, models.AuditActionDispatchRequest, resource).
		WithRole(role).
		WithRequest(requestID, ip, userAgent)
	return s.Record(log)
}

// RecordDispatchCompleted records a finished dispatch with its provider
// and latency.
func (s *Service) RecordDispatchCompleted(userID, resource, requestID, provider string, latency time.Duration) error {
	log := models.NewAuditLog(userID, models.AuditActionDispatchCompleted, resource).
		WithRequest(requestID, "", "").
		WithProvider(provider, int(latency.Milliseconds()))
	return s.Record(log)
}

// RecordPolicyViolation records a request denied by policy.
func (s *Service) RecordPolicyViolation(userID, role, resource, policyID string, violations []string) error {
	log := models.NewAuditLog(userID, models.AuditActionPolicyViolation, resource).
		WithRole(role).
		WithDecision(models.DecisionDenied).
		WithPolicy(policyID).
		WithDetails(map[string]interface{}{"violations": violations})
	return s.Record(log)
}

// RecordOutputHalted records a mid-stream validation halt.
func (s *Service) RecordOutputHalted(userID, resource, provider, reason string) error {
	log := models.NewAuditLog(userID, models.AuditActionOutputHalted, resource).
		WithDecision(models.DecisionHalted).
		WithDetails(map[string]interface{}{"reason": reason, "provider": provider})
	return s.Record(log)
}

// RecordToolInvoked records one tool call made during a dispatch.
func (s *Service) RecordToolInvoked(userID, tool string, failed bool) error {
	log := models.NewAuditLog(userID, models.AuditActionToolInvoked, tool)
	if failed {
		log.WithError("tool execution failed")
	}
	return s.Record(log)
}
