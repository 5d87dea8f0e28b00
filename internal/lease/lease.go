// Package lease implements the Lease Manager: mutual exclusion over
// workspaces so at most one run operates on a given workspace at a time.
//
// The renewal-ticker shape is grounded on the teacher's
// internal/executor.HeartbeatRunner (ticker + stop channel + mutex-guarded
// state), repurposed from heartbeat-for-orphan-detection into
// TTL-renewal-for-mutual-exclusion.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	agerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/google/uuid"
)

// Lease is a scoped exclusive hold on a workspace.
type Lease struct {
	ID                string
	WorkspaceID       string
	HolderWorkOrderID string
	ExpiresAt         time.Time
}

// DefaultRenewalInterval is how often a RenewalRunner renews a lease by
// default; shorter than the default TTL so a single missed renewal never
// drops mutual exclusion.
const DefaultRenewalInterval = 10 * time.Minute

// Manager is the Lease Manager.
type Manager struct {
	mu      sync.Mutex
	leases  map[string]*Lease // keyed by workspaceID
	ttls    map[string]time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger; nil defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithNowFunc overrides the clock (tests only).
func WithNowFunc(f func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = f }
}

// NewManager creates a Lease Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		leases: make(map[string]*Lease),
		ttls:   make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.nowFunc == nil {
		m.nowFunc = time.Now
	}
	return m
}

// Acquire returns a new lease for workspaceID, or ErrLeaseUnavailable if an
// unexpired lease already exists for it.
func (m *Manager) Acquire(workspaceID, holderWorkOrderID string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if existing, ok := m.leases[workspaceID]; ok && existing.ExpiresAt.After(now) {
		return nil, agerrors.ErrLeaseUnavailable(workspaceID)
	}

	lease := &Lease{
		ID:                uuid.NewString(),
		WorkspaceID:       workspaceID,
		HolderWorkOrderID: holderWorkOrderID,
		ExpiresAt:         now.Add(ttl),
	}
	m.leases[workspaceID] = lease
	m.ttls[workspaceID] = ttl
	return cloneLease(lease), nil
}

// Renew resets the lease's ExpiresAt to now plus its original TTL. Returns an error
// if the lease (or its workspace) is no longer the current holder's.
func (m *Manager) Renew(leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for workspaceID, lease := range m.leases {
		if lease.ID == leaseID {
			ttl := m.ttls[workspaceID]
			lease.ExpiresAt = m.nowFunc().Add(ttl)
			return nil
		}
	}
	return agerrors.ErrLeaseUnavailable(leaseID)
}

// Release drops the lease for workspaceID, regardless of exit path. Safe
// to call even if no lease is held.
func (m *Manager) Release(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, workspaceID)
	delete(m.ttls, workspaceID)
}

// Get returns a copy of the current lease for workspaceID, or nil.
func (m *Manager) Get(workspaceID string) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[workspaceID]
	if !ok {
		return nil
	}
	return cloneLease(lease)
}

func cloneLease(l *Lease) *Lease {
	cp := *l
	return &cp
}

// RenewalRunner periodically renews a lease on a fixed cadence while a run
// is active, grounded on the teacher's HeartbeatRunner. A failed renewal
// logs a warning and continues; a fully expired lease may be acquired by
// another caller, and the next successful renewal resolves the race.
type RenewalRunner struct {
	manager  *Manager
	leaseID  string
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRenewalRunner creates a RenewalRunner for leaseID.
func NewRenewalRunner(manager *Manager, leaseID string, interval time.Duration, logger *slog.Logger) *RenewalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultRenewalInterval
	}
	return &RenewalRunner{
		manager:  manager,
		leaseID:  leaseID,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the renewal loop in a goroutine. It runs until Stop is
// called or ctx is canceled.
func (r *RenewalRunner) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the renewal loop to stop and waits for it to finish.
func (r *RenewalRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *RenewalRunner) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.manager.Renew(r.leaseID); err != nil {
				r.logger.Warn("lease renewal failed", "lease_id", r.leaseID, "error", err)
			}
		}
	}
}
