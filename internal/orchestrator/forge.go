package orchestrator

import "context"

// PullRequest describes a created hosted-git pull request.
type PullRequest struct {
	URL    string
	Number int
	Branch string
}

// CIStatus is the outcome of a poll against a hosted-git CI run.
type CIStatus struct {
	Passed   bool
	Failures []string
}

// Publisher is the forge (GitHub/GitLab-style) adapter interface. It is
// named Publisher, not GitHubAdapter, because core never imports a
// concrete forge client — see DESIGN.md's "Dropped teacher deps" for why
// go-github/gitlab-client-go stay out of this module; callers wire a
// concrete Publisher from their own transport layer.
type Publisher interface {
	CreatePullRequest(ctx context.Context, workspaceID, branch, title, body string) (PullRequest, error)
	ConvertDraftToReady(ctx context.Context, prNumber int) error
	PollCIStatus(ctx context.Context, prNumber int) (CIStatus, error)
	ParseCIFailures(ctx context.Context, prNumber int) ([]string, error)
}

// Noop is a Publisher that performs no hosted-git operations; used when a
// work order has no PR/CI path configured.
type Noop struct{}

func (Noop) CreatePullRequest(ctx context.Context, workspaceID, branch, title, body string) (PullRequest, error) {
	return PullRequest{}, nil
}
func (Noop) ConvertDraftToReady(ctx context.Context, prNumber int) error { return nil }
func (Noop) PollCIStatus(ctx context.Context, prNumber int) (CIStatus, error) {
	return CIStatus{Passed: true}, nil
}
func (Noop) ParseCIFailures(ctx context.Context, prNumber int) ([]string, error) { return nil, nil }
