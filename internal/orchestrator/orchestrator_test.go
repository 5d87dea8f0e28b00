package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/admission"
	"github.com/agentgate/agentgate/internal/buildfail"
	"github.com/agentgate/agentgate/internal/lease"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/orchestrator/faketest"
	"github.com/agentgate/agentgate/internal/proctrack"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/runexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, maxConcurrent int) (*orchestrator.Orchestrator, *queue.Queue) {
	t.Helper()
	q := queue.New(100, maxConcurrent)
	leases := lease.NewManager()
	tracker := proctrack.New()

	var orch *orchestrator.Orchestrator
	ctrl := admission.New(q, func(ctx context.Context, id string) error {
		return orch.Starter(ctx, id)
	})

	orch = orchestrator.New(orchestrator.Config{
		Queue:             q,
		Admission:         ctrl,
		Leases:            leases,
		Tracker:           tracker,
		Workspaces:        faketest.NewWorkspaces(),
		GatePlans:         faketest.NewGatePlans(),
		DriverFor:         func(agentType string) (orchestrator.AgentDriver, error) { return faketest.NewAgentDriver(), nil },
		Verifier:          faketest.NewVerifier(),
		Feedback:          faketest.NewFeedbackGenerator(),
		Store:             faketest.NewStore(),
		MaxConcurrentRuns: maxConcurrent,
	})
	orch.WireAdmission(ctrl)
	return orch, q
}

func TestExecute_DirectBypassSucceeds(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 1)

	wo := &orchestrator.WorkOrder{ID: "WO-1", TaskPrompt: "do it", MaxIterations: 1, RetriesEnabled: true}
	run, err := orch.Execute(context.Background(), wo)

	require.NoError(t, err)
	assert.Equal(t, runexec.ResultPassed, run.Result)
	assert.Equal(t, orchestrator.StatusSucceeded, wo.Status)
}

// blockingVerifier blocks Verify until release is closed, so a test can
// hold a run's single activeRuns slot open while asserting a concurrent
// Execute is rejected.
type blockingVerifier struct {
	release chan struct{}
}

func (v *blockingVerifier) Verify(ctx context.Context, snapshot runexec.Snapshot, plan orchestrator.GatePlan, runID string, iteration int, timeoutMs int64, skip []string) (buildfail.VerificationReport, error) {
	<-v.release
	return buildfail.VerificationReport{Levels: []buildfail.VerificationLevel{{Name: "unit", Passed: true}}}, nil
}

func TestExecute_ConcurrencyExceededRejectsWhenFull(t *testing.T) {
	q := queue.New(100, 1)
	leases := lease.NewManager()
	tracker := proctrack.New()
	release := make(chan struct{})

	var orch *orchestrator.Orchestrator
	ctrl := admission.New(q, func(ctx context.Context, id string) error { return orch.Starter(ctx, id) })
	orch = orchestrator.New(orchestrator.Config{
		Queue:             q,
		Admission:         ctrl,
		Leases:            leases,
		Tracker:           tracker,
		Workspaces:        faketest.NewWorkspaces(),
		GatePlans:         faketest.NewGatePlans(),
		DriverFor:         func(agentType string) (orchestrator.AgentDriver, error) { return faketest.NewAgentDriver(), nil },
		Verifier:          &blockingVerifier{release: release},
		Feedback:          faketest.NewFeedbackGenerator(),
		Store:             faketest.NewStore(),
		MaxConcurrentRuns: 1,
	})
	orch.WireAdmission(ctrl)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = orch.Execute(context.Background(), &orchestrator.WorkOrder{ID: "WO-blocker", TaskPrompt: "x", MaxIterations: 1, RetriesEnabled: true})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for orch.ActiveRunCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, orch.ActiveRunCount())

	_, err := orch.Execute(context.Background(), &orchestrator.WorkOrder{ID: "WO-rejected", TaskPrompt: "y"})
	assert.Error(t, err)

	close(release)
	<-done
}

func TestSubmit_EnqueuesAndAdmissionStartsIt(t *testing.T) {
	orch, q := newTestOrchestrator(t, 1)

	wo := &orchestrator.WorkOrder{TaskPrompt: "submitted task", MaxIterations: 1, RetriesEnabled: true}
	id, status, err := orch.Submit(context.Background(), wo)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusQueued, status)
	assert.True(t, q.Contains(id))

	ctrlTick := admission.New(q, func(ctx context.Context, wid string) error { return orch.Starter(ctx, wid) })
	ctrlTick.Tick(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := orch.Get(id)
		require.NoError(t, err)
		if got.Status == orchestrator.StatusSucceeded {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("work order never reached Succeeded after admission tick")
}

func TestCancel_RemovesWaitingWorkOrder(t *testing.T) {
	orch, q := newTestOrchestrator(t, 0) // maxConcurrent 0: nothing is ever admitted

	wo := &orchestrator.WorkOrder{TaskPrompt: "never runs"}
	id, _, err := orch.Submit(context.Background(), wo)
	require.NoError(t, err)
	require.True(t, q.Contains(id))

	require.NoError(t, orch.Cancel(context.Background(), id))

	got, err := orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCanceled, got.Status)
	assert.False(t, q.Contains(id))
}

func TestCancel_UnknownWorkOrderIsNotFound(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 1)
	err := orch.Cancel(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestList_FiltersByStatusAndPaginates(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 0)

	var ids []string
	for i := 0; i < 5; i++ {
		wo := &orchestrator.WorkOrder{TaskPrompt: "t"}
		id, _, err := orch.Submit(context.Background(), wo)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all := orch.List(orchestrator.ListFilter{})
	assert.Len(t, all, 5)

	page := orch.List(orchestrator.ListFilter{Limit: 2})
	assert.Len(t, page, 2)

	queued := orch.List(orchestrator.ListFilter{Status: orchestrator.StatusQueued})
	assert.Len(t, queued, 5)

	none := orch.List(orchestrator.ListFilter{Status: orchestrator.StatusSucceeded})
	assert.Len(t, none, 0)
}

func TestPurge_DryRunDoesNotDelete(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 1)

	wo := &orchestrator.WorkOrder{ID: "WO-done", TaskPrompt: "t", MaxIterations: 1, RetriesEnabled: true}
	_, err := orch.Execute(context.Background(), wo)
	require.NoError(t, err)

	result := orch.Purge(context.Background(), orchestrator.PurgeFilter{DryRun: true})
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 0, result.Deleted)

	_, err = orch.Get("WO-done")
	assert.NoError(t, err)
}

func TestPurge_DeletesTerminalWorkOrders(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 1)

	wo := &orchestrator.WorkOrder{ID: "WO-done", TaskPrompt: "t", MaxIterations: 1, RetriesEnabled: true}
	_, err := orch.Execute(context.Background(), wo)
	require.NoError(t, err)

	result := orch.Purge(context.Background(), orchestrator.PurgeFilter{})
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 1, result.Deleted)

	_, err = orch.Get("WO-done")
	assert.Error(t, err)
}

func TestQueueHealth_ReflectsAcceptingAndCapacity(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 2)

	health := orch.QueueHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.Stats.Accepting)
	assert.Equal(t, 0.0, health.Utilization)
}

func TestKill_UnknownWorkOrderIsNotFound(t *testing.T) {
	orch, _ := newTestOrchestrator(t, 1)
	err := orch.Kill(context.Background(), "does-not-exist", true)
	assert.Error(t, err)
}
