package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	keyWorkerStatus   = "worker_status"
	keyCircuitBreaker = "circuit_breaker"
)

type WorkerStatus string

const (
	WorkerActive WorkerStatus = "active"
	WorkerPaused WorkerStatus = "paused"
)

type BreakerStatus string

const (
	BreakerClosed BreakerStatus = "closed"
	BreakerOpen   BreakerStatus = "open"
)

// CircuitBreaker is the persisted breaker state.
type CircuitBreaker struct {
	Status       BreakerStatus `json:"status"`
	FailureCount int           `json:"failure_count"`
	Threshold    int           `json:"threshold"`
	OpenedAt     *time.Time    `json:"opened_at,omitempty"`
}

// Service is the typed read/write API over process-wide worker state.
// Read-modify-write sequences are serialized within one process only.
type Service struct {
	backend   Backend
	threshold int
	now       func() time.Time
	mu        sync.Mutex
}

func NewService(backend Backend, threshold int) *Service {
	if threshold < 1 {
		threshold = 1
	}
	return &Service{backend: backend, threshold: threshold, now: time.Now}
}

func (s *Service) WorkerStatus(ctx context.Context) (WorkerStatus, error) {
	var status WorkerStatus
	found, err := s.get(ctx, keyWorkerStatus, &status)
	if err != nil {
		return "", err
	}
	if !found || status == "" {
		return WorkerActive, nil
	}
	return status, nil
}

func (s *Service) SetWorkerStatus(ctx context.Context, status WorkerStatus) error {
	if status != WorkerActive && status != WorkerPaused {
		return fmt.Errorf("unknown worker status %q", status)
	}
	return s.set(ctx, keyWorkerStatus, status)
}

func (s *Service) CircuitBreaker(ctx context.Context) (CircuitBreaker, error) {
	breaker := CircuitBreaker{Status: BreakerClosed}
	if _, err := s.get(ctx, keyCircuitBreaker, &breaker); err != nil {
		return CircuitBreaker{}, err
	}
	if breaker.Status == "" {
		breaker.Status = BreakerClosed
	}
	breaker.Threshold = s.threshold
	return breaker, nil
}

// RecordFailure counts one failed attempt and opens the breaker once the
// threshold of consecutive failures is reached.
func (s *Service) RecordFailure(ctx context.Context) (CircuitBreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	breaker, err := s.CircuitBreaker(ctx)
	if err != nil {
		return CircuitBreaker{}, err
	}
	breaker.FailureCount++
	if breaker.Status == BreakerClosed && breaker.FailureCount >= s.threshold {
		opened := s.now().UTC()
		breaker.Status = BreakerOpen
		breaker.OpenedAt = &opened
	}
	if err := s.set(ctx, keyCircuitBreaker, breaker); err != nil {
		return CircuitBreaker{}, err
	}
	return breaker, nil
}

// RecordSuccess clears the consecutive failure count of a closed breaker.
func (s *Service) RecordSuccess(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	breaker, err := s.CircuitBreaker(ctx)
	if err != nil {
		return err
	}
	if breaker.Status != BreakerClosed || breaker.FailureCount == 0 {
		return nil
	}
	breaker.FailureCount = 0
	return s.set(ctx, keyCircuitBreaker, breaker)
}

func (s *Service) ResetCircuitBreaker(ctx context.Context) (CircuitBreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	breaker := CircuitBreaker{Status: BreakerClosed, Threshold: s.threshold}
	if err := s.set(ctx, keyCircuitBreaker, breaker); err != nil {
		return CircuitBreaker{}, err
	}
	return breaker, nil
}

// CanProcess reports whether workers may claim new jobs, with the reason when not.
func (s *Service) CanProcess(ctx context.Context) (bool, string, error) {
	status, err := s.WorkerStatus(ctx)
	if err != nil {
		return false, "", err
	}
	if status == WorkerPaused {
		return false, "worker paused", nil
	}
	breaker, err := s.CircuitBreaker(ctx)
	if err != nil {
		return false, "", err
	}
	if breaker.Status == BreakerOpen {
		return false, "circuit breaker open", nil
	}
	return true, "", nil
}

func (s *Service) get(ctx context.Context, key string, dest any) (bool, error) {
	raw, found, err := s.backend.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Service) set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
