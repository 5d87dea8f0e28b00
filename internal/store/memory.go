package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/runexec"
)

// Memory is an in-memory reference implementation of
// orchestrator.Store, distinct from internal/orchestrator/faketest.Store:
// this one is meant to be usable as a real (if non-durable) backend for
// single-process deployments, not merely a test fake.
type Memory struct {
	mu         sync.RWMutex
	workOrders map[string]*orchestrator.WorkOrder
	runs       map[string]*runexec.Run
	iterations map[string][]runexec.IterationData
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workOrders: make(map[string]*orchestrator.WorkOrder),
		runs:       make(map[string]*runexec.Run),
		iterations: make(map[string][]runexec.IterationData),
	}
}

func (m *Memory) SaveWorkOrder(ctx context.Context, wo *orchestrator.WorkOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wo
	m.workOrders[wo.ID] = &cp
	return nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wo, ok := m.workOrders[id]
	if !ok {
		return fmt.Errorf("work order %s not found", id)
	}
	wo.Status = status
	return nil
}

func (m *Memory) LoadWorkOrder(ctx context.Context, id string) (*orchestrator.WorkOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wo, ok := m.workOrders[id]
	if !ok {
		return nil, fmt.Errorf("work order %s not found", id)
	}
	cp := *wo
	return &cp, nil
}

func (m *Memory) ListWorkOrders(ctx context.Context) ([]*orchestrator.WorkOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*orchestrator.WorkOrder, 0, len(m.workOrders))
	for _, wo := range m.workOrders {
		cp := *wo
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SaveRun(ctx context.Context, run *runexec.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.RunID] = &cp
	return nil
}

func (m *Memory) SaveIteration(ctx context.Context, runID string, iter runexec.IterationData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterations[runID] = append(m.iterations[runID], iter)
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, workOrderID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wo, ok := m.workOrders[workOrderID]
	if !ok {
		return fmt.Errorf("work order %s not found", workOrderID)
	}
	wo.Status = orchestrator.StatusFailed
	return nil
}
