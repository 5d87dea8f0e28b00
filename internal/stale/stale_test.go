package stale

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/proctrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	running []RunningWorkOrder
}

func (l *fakeLister) ListRunning() []RunningWorkOrder { return l.running }

type fakeQueue struct {
	canceled []string
}

func (q *fakeQueue) ForceCancel(id string) { q.canceled = append(q.canceled, id) }

type fakeStore struct {
	failed map[string]string
}

func (s *fakeStore) MarkFailed(ctx context.Context, id, message string) error {
	if s.failed == nil {
		s.failed = make(map[string]string)
	}
	s.failed[id] = message
	return nil
}

// Seed scenario 8: a running work order's PID vanishes; the sweep
// classifies it dead, force-kills, marks it Failed, removes it from the
// queue, and emits staleDetected then staleHandled.
func TestSeed8_DeadProcessIsReclaimed(t *testing.T) {
	tracker := proctrack.New()
	tracker.Register("WO-1", 999999) // a PID that does not exist

	lister := &fakeLister{running: []RunningWorkOrder{
		{WorkOrderID: "WO-1", StartedAt: time.Now()},
	}}
	q := &fakeQueue{}
	store := &fakeStore{}

	det := New(lister, tracker, q, store)
	det.Sweep(context.Background())

	assert.Contains(t, q.canceled, "WO-1")
	require.Contains(t, store.failed, "WO-1")
	assert.Contains(t, store.failed["WO-1"], "Stale detection")
}

func TestSweep_HealthyProcessIsIgnored(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill() }()

	tracker := proctrack.New()
	tracker.Register("WO-1", cmd.Process.Pid)

	lister := &fakeLister{running: []RunningWorkOrder{
		{WorkOrderID: "WO-1", StartedAt: time.Now()},
	}}
	q := &fakeQueue{}
	store := &fakeStore{}

	det := New(lister, tracker, q, store)
	det.Sweep(context.Background())

	assert.Empty(t, q.canceled)
	assert.Empty(t, store.failed)
}

func TestSweep_ExceedsMaxRunningTimeIsStale(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill() }()

	tracker := proctrack.New()
	tracker.Register("WO-1", cmd.Process.Pid)

	maxMs := int64(1)
	lister := &fakeLister{running: []RunningWorkOrder{
		{WorkOrderID: "WO-1", StartedAt: time.Now().Add(-time.Hour), MaxRunningTimeMs: &maxMs},
	}}
	q := &fakeQueue{}
	store := &fakeStore{}

	det := New(lister, tracker, q, store)
	det.Sweep(context.Background())

	assert.Contains(t, q.canceled, "WO-1")
	require.Contains(t, store.failed, "WO-1")
}

func TestSweep_NoTrackerEntryIsDead(t *testing.T) {
	tracker := proctrack.New()
	lister := &fakeLister{running: []RunningWorkOrder{
		{WorkOrderID: "WO-orphan", StartedAt: time.Now()},
	}}
	q := &fakeQueue{}
	store := &fakeStore{}

	det := New(lister, tracker, q, store)
	det.Sweep(context.Background())

	assert.Contains(t, q.canceled, "WO-orphan")
}
