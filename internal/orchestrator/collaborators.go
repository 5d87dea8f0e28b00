// Package orchestrator implements the Orchestrator: the public entry point
// that materializes a workspace, resolves a gate plan and agent driver,
// acquires a lease, and drives a work order through the Run Executor,
// wiring every external collaborator named in §6 of the design.
//
// Collaborator interfaces here intentionally mirror the teacher's
// internal/hosting.Provider / internal/storage.Backend shape: a narrow
// interface the Orchestrator depends on, with concrete adapters supplied
// by the caller rather than imported here.
package orchestrator

import (
	"context"

	"github.com/agentgate/agentgate/internal/buildfail"
	"github.com/agentgate/agentgate/internal/runexec"
)

// Workspace is a materialized working directory for a run.
type Workspace struct {
	ID       string
	RootPath string
}

// WorkspaceSource describes how to materialize a workspace (plain
// checkout, from an existing git ref, from a GitHub PR/branch, or scratch).
type WorkspaceSource struct {
	Kind string // "git", "github", "fresh"
	Ref  string
}

// WorkspaceManager materializes and tears down run workspaces.
type WorkspaceManager interface {
	Create(ctx context.Context, source WorkspaceSource) (Workspace, error)
	CreateFromGit(ctx context.Context, repoURL, ref string) (Workspace, error)
	CreateFromGitHub(ctx context.Context, owner, repo string, prNumber int) (Workspace, error)
	CreateFresh(ctx context.Context) (Workspace, error)
	Release(ctx context.Context, workspaceID string) error
}

// GatePlan is the resolved verification plan for a workspace.
type GatePlan struct {
	Levels []string
	Raw    any
}

// GatePlanResolver resolves a gate plan from a workspace root and a
// work-order-supplied source descriptor. Resolution may do disk I/O but is
// otherwise a pure function of its inputs.
type GatePlanResolver interface {
	ResolveGatePlan(ctx context.Context, rootPath, source string) (GatePlan, error)
}

// AgentRequest is handed to an Agent Driver for one BUILD invocation.
type AgentRequest struct {
	WorkspaceRoot string
	Prompt        string
	Feedback      string
	Iteration     int
	SessionID     string
	Stream        runexec.StreamFunc
}

// AgentDriver executes one coding-agent BUILD invocation.
type AgentDriver interface {
	Execute(ctx context.Context, req AgentRequest) (runexec.AgentResult, error)
	IsAvailable(ctx context.Context) bool
	Capabilities() []string
}

// Verifier runs a workspace snapshot through a gate plan.
type Verifier interface {
	Verify(ctx context.Context, snapshot runexec.Snapshot, plan GatePlan, runID string, iteration int, timeoutMs int64, skip []string) (buildfail.VerificationReport, error)
}

// FeedbackGenerator turns a failed verification report into agent feedback text.
type FeedbackGenerator interface {
	Generate(ctx context.Context, report buildfail.VerificationReport, iteration int) (string, error)
}
