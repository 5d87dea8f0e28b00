package store

import (
	"context"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/orchestrator"
)

func TestMemory_SaveAndLoadWorkOrder(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	wo := &orchestrator.WorkOrder{ID: "WO-1", TaskPrompt: "do it", Status: orchestrator.StatusQueued, CreatedAt: time.Now()}
	if err := s.SaveWorkOrder(ctx, wo); err != nil {
		t.Fatalf("SaveWorkOrder() failed: %v", err)
	}

	loaded, err := s.LoadWorkOrder(ctx, "WO-1")
	if err != nil {
		t.Fatalf("LoadWorkOrder() failed: %v", err)
	}
	if loaded.TaskPrompt != wo.TaskPrompt {
		t.Errorf("TaskPrompt = %s, want %s", loaded.TaskPrompt, wo.TaskPrompt)
	}

	// LoadWorkOrder must return a defensive copy.
	loaded.TaskPrompt = "mutated"
	reloaded, err := s.LoadWorkOrder(ctx, "WO-1")
	if err != nil {
		t.Fatalf("LoadWorkOrder() failed: %v", err)
	}
	if reloaded.TaskPrompt != wo.TaskPrompt {
		t.Error("caller mutation of a loaded work order leaked into the store")
	}
}

func TestMemory_LoadWorkOrder_NotFound(t *testing.T) {
	s := NewMemory()
	if _, err := s.LoadWorkOrder(context.Background(), "missing"); err == nil {
		t.Error("expected error loading missing work order")
	}
}

func TestMemory_UpdateStatus(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	wo := &orchestrator.WorkOrder{ID: "WO-1", Status: orchestrator.StatusQueued, CreatedAt: time.Now()}
	if err := s.SaveWorkOrder(ctx, wo); err != nil {
		t.Fatalf("SaveWorkOrder() failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, "WO-1", orchestrator.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	loaded, err := s.LoadWorkOrder(ctx, "WO-1")
	if err != nil {
		t.Fatalf("LoadWorkOrder() failed: %v", err)
	}
	if loaded.Status != orchestrator.StatusRunning {
		t.Errorf("Status = %s, want %s", loaded.Status, orchestrator.StatusRunning)
	}
}

func TestMemory_UpdateStatus_NotFound(t *testing.T) {
	s := NewMemory()
	if err := s.UpdateStatus(context.Background(), "missing", orchestrator.StatusRunning); err == nil {
		t.Error("expected error updating missing work order")
	}
}

func TestMemory_ListWorkOrders(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for _, id := range []string{"WO-1", "WO-2"} {
		if err := s.SaveWorkOrder(ctx, &orchestrator.WorkOrder{ID: id, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("SaveWorkOrder(%s) failed: %v", id, err)
		}
	}

	all, err := s.ListWorkOrders(ctx)
	if err != nil {
		t.Fatalf("ListWorkOrders() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}
}

func TestMemory_MarkFailed(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	wo := &orchestrator.WorkOrder{ID: "WO-1", Status: orchestrator.StatusRunning, CreatedAt: time.Now()}
	if err := s.SaveWorkOrder(ctx, wo); err != nil {
		t.Fatalf("SaveWorkOrder() failed: %v", err)
	}
	if err := s.MarkFailed(ctx, "WO-1", "boom"); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	loaded, err := s.LoadWorkOrder(ctx, "WO-1")
	if err != nil {
		t.Fatalf("LoadWorkOrder() failed: %v", err)
	}
	if loaded.Status != orchestrator.StatusFailed {
		t.Errorf("Status = %s, want %s", loaded.Status, orchestrator.StatusFailed)
	}
}
