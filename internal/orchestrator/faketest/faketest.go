// Package faketest provides minimal fake implementations of the
// Orchestrator's external collaborator interfaces, for use by the
// Orchestrator test suite. No network, disk, or process I/O
// is ever performed by anything in this package.
package faketest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentgate/agentgate/internal/buildfail"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/runexec"
)

// Workspaces is a WorkspaceManager that hands out in-memory workspace
// records without touching disk.
type Workspaces struct {
	mu       sync.Mutex
	counter  int64
	Released []string
}

func NewWorkspaces() *Workspaces { return &Workspaces{} }

func (w *Workspaces) nextID() string {
	n := atomic.AddInt64(&w.counter, 1)
	return fmt.Sprintf("ws-%d", n)
}

func (w *Workspaces) Create(ctx context.Context, source orchestrator.WorkspaceSource) (orchestrator.Workspace, error) {
	id := w.nextID()
	return orchestrator.Workspace{ID: id, RootPath: "/tmp/" + id}, nil
}

func (w *Workspaces) CreateFromGit(ctx context.Context, repoURL, ref string) (orchestrator.Workspace, error) {
	return w.Create(ctx, orchestrator.WorkspaceSource{Kind: "git", Ref: ref})
}

func (w *Workspaces) CreateFromGitHub(ctx context.Context, owner, repo string, prNumber int) (orchestrator.Workspace, error) {
	return w.Create(ctx, orchestrator.WorkspaceSource{Kind: "github"})
}

func (w *Workspaces) CreateFresh(ctx context.Context) (orchestrator.Workspace, error) {
	return w.Create(ctx, orchestrator.WorkspaceSource{Kind: "fresh"})
}

func (w *Workspaces) Release(ctx context.Context, workspaceID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Released = append(w.Released, workspaceID)
	return nil
}

// GatePlans is a GatePlanResolver returning a fixed single-level plan.
type GatePlans struct {
	Levels []string
}

func NewGatePlans() *GatePlans { return &GatePlans{Levels: []string{"unit"}} }

func (g *GatePlans) ResolveGatePlan(ctx context.Context, rootPath, source string) (orchestrator.GatePlan, error) {
	return orchestrator.GatePlan{Levels: g.Levels}, nil
}

// AgentDriver is an AgentDriver that always succeeds, recording every
// request it was handed.
type AgentDriver struct {
	mu       sync.Mutex
	Requests []orchestrator.AgentRequest
	Result   runexec.AgentResult
	Err      error
}

func NewAgentDriver() *AgentDriver {
	return &AgentDriver{Result: runexec.AgentResult{Success: true, ExitCode: 0, SessionID: "fake-session"}}
}

func (a *AgentDriver) Execute(ctx context.Context, req orchestrator.AgentRequest) (runexec.AgentResult, error) {
	a.mu.Lock()
	a.Requests = append(a.Requests, req)
	a.mu.Unlock()
	if a.Err != nil {
		return runexec.AgentResult{}, a.Err
	}
	return a.Result, nil
}

func (a *AgentDriver) IsAvailable(ctx context.Context) bool { return true }
func (a *AgentDriver) Capabilities() []string               { return []string{"fake"} }

// Verifier always returns a single passing level unless Report is set.
type Verifier struct {
	Report *buildfail.VerificationReport
	Err    error
}

func NewVerifier() *Verifier { return &Verifier{} }

func (v *Verifier) Verify(ctx context.Context, snapshot runexec.Snapshot, plan orchestrator.GatePlan, runID string, iteration int, timeoutMs int64, skip []string) (buildfail.VerificationReport, error) {
	if v.Err != nil {
		return buildfail.VerificationReport{}, v.Err
	}
	if v.Report != nil {
		return *v.Report, nil
	}
	return buildfail.VerificationReport{Levels: []buildfail.VerificationLevel{{Name: "unit", Passed: true}}}, nil
}

// FeedbackGenerator returns a fixed feedback string.
type FeedbackGenerator struct {
	Text string
}

func NewFeedbackGenerator() *FeedbackGenerator { return &FeedbackGenerator{Text: "try again"} }

func (f *FeedbackGenerator) Generate(ctx context.Context, report buildfail.VerificationReport, iteration int) (string, error) {
	return f.Text, nil
}

// Store is an in-memory Store fake.
type Store struct {
	mu         sync.Mutex
	WorkOrders map[string]*orchestrator.WorkOrder
	Runs       map[string]*runexec.Run
	Iterations map[string][]runexec.IterationData
	Statuses   map[string]string
}

func NewStore() *Store {
	return &Store{
		WorkOrders: make(map[string]*orchestrator.WorkOrder),
		Runs:       make(map[string]*runexec.Run),
		Iterations: make(map[string][]runexec.IterationData),
		Statuses:   make(map[string]string),
	}
}

func (s *Store) SaveWorkOrder(ctx context.Context, wo *orchestrator.WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wo
	s.WorkOrders[wo.ID] = &cp
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Statuses[id] = status
	return nil
}

func (s *Store) LoadWorkOrder(ctx context.Context, id string) (*orchestrator.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wo, ok := s.WorkOrders[id]
	if !ok {
		return nil, fmt.Errorf("work order %s not found", id)
	}
	return wo, nil
}

func (s *Store) ListWorkOrders(ctx context.Context) ([]*orchestrator.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*orchestrator.WorkOrder, 0, len(s.WorkOrders))
	for _, wo := range s.WorkOrders {
		out = append(out, wo)
	}
	return out, nil
}

func (s *Store) SaveRun(ctx context.Context, run *runexec.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Runs[run.RunID] = run
	return nil
}

func (s *Store) SaveIteration(ctx context.Context, runID string, iter runexec.IterationData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Iterations[runID] = append(s.Iterations[runID], iter)
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, workOrderID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Statuses[workOrderID] = orchestrator.StatusFailed
	return nil
}
