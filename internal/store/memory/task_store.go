// Package memory provides an in-memory task store for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/madiyarbolatuly/browserd/internal/browser"
)

// TaskStore keeps task records and results in process memory.
type TaskStore struct {
	clock browser.Clock

	mu      sync.RWMutex
	tasks   map[string]browser.TaskRecord
	results map[string]browser.Result
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore(clock browser.Clock) *TaskStore {
	return &TaskStore{
		clock:   clock,
		tasks:   make(map[string]browser.TaskRecord),
		results: make(map[string]browser.Result),
	}
}

// CreateTask stores a new task record. Duplicate ids are rejected.
func (s *TaskStore) CreateTask(_ context.Context, rec browser.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[rec.ID]; exists {
		return fmt.Errorf("task %s already exists", rec.ID)
	}
	if rec.Status == "" {
		rec.Status = browser.TaskStatusQueued
	}
	if rec.Submitted.IsZero() {
		rec.Submitted = s.clock.Now()
	}
	s.tasks[rec.ID] = rec
	return nil
}

// UpdateTaskStatus advances a task's lifecycle state. A terminal status is
// written at most once; later transitions are rejected.
func (s *TaskStore) UpdateTaskStatus(_ context.Context, taskID string, status browser.TaskStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return browser.ErrTaskNotFound
	}
	if rec.Status.IsTerminal() {
		if rec.Status == status {
			return nil
		}
		return fmt.Errorf("task %s already %s", taskID, rec.Status)
	}
	rec.Status = status
	rec.ErrorText = errText
	now := s.clock.Now()
	if status == browser.TaskStatusRunning && rec.Started == nil {
		rec.Started = timePtr(now)
	}
	if status.IsTerminal() {
		rec.Finished = timePtr(now)
	}
	s.tasks[taskID] = rec
	return nil
}

// RecordResult stores the terminal result. First write wins.
func (s *TaskStore) RecordResult(_ context.Context, result browser.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[result.TaskID]; !ok {
		return browser.ErrTaskNotFound
	}
	if _, exists := s.results[result.TaskID]; exists {
		return errors.New("result already recorded")
	}
	s.results[result.TaskID] = result
	return nil
}

// GetTask returns the record for a task id.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (browser.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return browser.TaskRecord{}, browser.ErrTaskNotFound
	}
	return rec, nil
}

// GetResult returns the terminal result for a task id.
func (s *TaskStore) GetResult(_ context.Context, taskID string) (browser.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[taskID]
	if !ok {
		return browser.Result{}, browser.ErrTaskNotFound
	}
	return res, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
