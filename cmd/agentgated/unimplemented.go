package main

import (
	"context"
	"fmt"

	"github.com/agentgate/agentgate/internal/buildfail"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/runexec"
)

// The five collaborators below are the external integration points §1
// leaves out of core scope: workspace materialization, gate-plan
// resolution, the pluggable agent driver, verification level runners, and
// feedback generation. A real deployment supplies concrete adapters for
// these and constructs the Orchestrator directly (see newOrchestrator in
// server.go); this standalone binary wires clear "not implemented" stand-ins
// instead, so it stays runnable (queue/admission/lease/stale all function)
// while making the integration boundary explicit rather than silently
// papering over it with a test fake.

var errNotImplemented = fmt.Errorf("no concrete adapter wired for this collaborator; supply one via server.go's newOrchestrator")

type unimplementedWorkspaces struct{}

func (unimplementedWorkspaces) Create(ctx context.Context, source orchestrator.WorkspaceSource) (orchestrator.Workspace, error) {
	return orchestrator.Workspace{}, errNotImplemented
}
func (unimplementedWorkspaces) CreateFromGit(ctx context.Context, repoURL, ref string) (orchestrator.Workspace, error) {
	return orchestrator.Workspace{}, errNotImplemented
}
func (unimplementedWorkspaces) CreateFromGitHub(ctx context.Context, owner, repo string, prNumber int) (orchestrator.Workspace, error) {
	return orchestrator.Workspace{}, errNotImplemented
}
func (unimplementedWorkspaces) CreateFresh(ctx context.Context) (orchestrator.Workspace, error) {
	return orchestrator.Workspace{}, errNotImplemented
}
func (unimplementedWorkspaces) Release(ctx context.Context, workspaceID string) error { return nil }

type unimplementedGatePlans struct{}

func (unimplementedGatePlans) ResolveGatePlan(ctx context.Context, rootPath, source string) (orchestrator.GatePlan, error) {
	return orchestrator.GatePlan{}, errNotImplemented
}

type unimplementedAgentDriver struct{}

func (unimplementedAgentDriver) Execute(ctx context.Context, req orchestrator.AgentRequest) (runexec.AgentResult, error) {
	return runexec.AgentResult{}, errNotImplemented
}
func (unimplementedAgentDriver) IsAvailable(ctx context.Context) bool { return false }
func (unimplementedAgentDriver) Capabilities() []string               { return nil }

type unimplementedVerifier struct{}

func (unimplementedVerifier) Verify(ctx context.Context, snapshot runexec.Snapshot, plan orchestrator.GatePlan, runID string, iteration int, timeoutMs int64, skip []string) (buildfail.VerificationReport, error) {
	return buildfail.VerificationReport{}, errNotImplemented
}

type unimplementedFeedback struct{}

func (unimplementedFeedback) Generate(ctx context.Context, report buildfail.VerificationReport, iteration int) (string, error) {
	return "", errNotImplemented
}
