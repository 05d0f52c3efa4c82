package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/dnnhal/pkg/nnapi"
)

const (
	executionQueued    = "queued"
	executionCompleted = "completed"
	executionFailed    = "failed"
)

// ExecutionStore keeps the most recent executions. Once more than capacity
// records exist the oldest finished ones are dropped; queued records are
// never evicted.
type ExecutionStore struct {
	mu       sync.Mutex
	capacity int
	records  map[string]*Execution
	order    []string
}

func NewExecutionStore(capacity int) *ExecutionStore {
	return &ExecutionStore{
		capacity: max(capacity, 1),
		records:  make(map[string]*Execution),
	}
}

func (s *ExecutionStore) Create(model string, now time.Time) Execution {
	rec := &Execution{
		ID:        newExecutionID(),
		Object:    "execution",
		Model:     model,
		Status:    executionQueued,
		CreatedAt: now.Unix(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.evictLocked()
	return *rec
}

// Complete records the final status of execution id.
func (s *ExecutionStore) Complete(id string, status nnapi.ErrorStatus, outputs []ExecutionOutput, elapsed time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.Result = status.String()
	rec.Status = executionCompleted
	if status != nnapi.StatusNone {
		rec.Status = executionFailed
		outputs = nil
	}
	rec.Outputs = outputs
	completedAt := now.Unix()
	rec.CompletedAt = &completedAt
	rec.ElapsedMs = float64(elapsed.Microseconds()) / 1000
	s.evictLocked()
}

func (s *ExecutionStore) Get(id string) (Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Execution{}, false
	}
	return *rec, true
}

func (s *ExecutionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ExecutionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *ExecutionStore) evictLocked() {
	excess := len(s.records) - s.capacity
	if excess <= 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if excess > 0 && s.records[id].Status != executionQueued {
			delete(s.records, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func newExecutionID() string {
	return "exec_" + uuid.NewString()
}
