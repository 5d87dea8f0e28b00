// Package buildfail implements the Error Builder: classification of a run
// iteration's failure into a closed taxonomy of BuildError types, drawn
// from the raw agent result, a verification report, or a caught system
// exception.
//
// BuildError's shape (Type/Message/Context plus stdout/stderr tails) is
// grounded on the teacher's internal/errors.OrcError — a closed Code enum
// with structured context — generalized here from operational request
// errors to run-failure classification, which is the closed taxonomy
// the internal/errors package doc defers to.
package buildfail

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Type is the closed taxonomy of run-failure causes.
type Type string

const (
	TypeAgentCrash       Type = "agent_crash"
	TypeAgentTimeout     Type = "agent_timeout"
	TypeAgentTaskFailure Type = "agent_task_failure"
	TypeTypecheckFailed  Type = "typecheck_failed"
	TypeLintFailed       Type = "lint_failed"
	TypeTestFailed       Type = "test_failed"
	TypeBlackboxFailed   Type = "blackbox_failed"
	TypeCIFailed         Type = "ci_failed"
	TypeWorkspaceError   Type = "workspace_error"
	TypeSnapshotError    Type = "snapshot_error"
	TypeGitHubError      Type = "github_error"
	TypeSystemError      Type = "system_error"
	TypeUnknown          Type = "unknown"
)

// maxTailBytes bounds stdout/stderr tail capture.
const maxTailBytes = 4 * 1024

// BuildError is the classified, user-facing description of why an
// iteration failed.
type BuildError struct {
	Type             Type
	Message          string
	FailedAt         time.Time
	ExitCode         *int
	StdoutTail       string
	StderrTail       string
	AgentResultFile  string
	VerificationFile string
	Context          map[string]any
}

// AgentResult is the subset of a raw agent run result needed for
// classification.
type AgentResult struct {
	ExitCode int
	Success  bool
	Stdout   string
	Stderr   string
}

var timeoutPattern = regexp.MustCompile(`(?i)timeout|terminated`)

// FromAgentResult classifies a completed-but-unsuccessful (or crashed)
// agent run.
func FromAgentResult(r AgentResult) *BuildError {
	exitCode := r.ExitCode
	be := &BuildError{
		FailedAt:   time.Now(),
		ExitCode:   &exitCode,
		StdoutTail: tail(r.Stdout),
		StderrTail: tail(r.Stderr),
	}

	switch {
	case r.ExitCode != 0:
		be.Type = TypeAgentCrash
		be.Message = "agent process exited with a non-zero status"
	case !r.Success && timeoutPattern.MatchString(r.Stderr):
		be.Type = TypeAgentTimeout
		be.Message = "agent run timed out or was terminated"
	case !r.Success:
		be.Type = TypeAgentTaskFailure
		be.Message = "agent reported task failure"
	default:
		be.Type = TypeUnknown
		be.Message = "agent result classification fell through to unknown"
	}
	return be
}

// VerificationLevel is one level of a verification report (L0 typecheck/
// lint, L1 test, L2 blackbox, L3 CI).
type VerificationLevel struct {
	Name        string
	Passed      bool
	Diagnostics []string
}

// VerificationReport is the subset of a verification result needed for
// classification.
type VerificationReport struct {
	Levels []VerificationLevel
}

const maxDiagnostics = 5

// FromVerificationReport classifies the earliest failing level of a
// verification report.
func FromVerificationReport(r VerificationReport) *BuildError {
	be := &BuildError{FailedAt: time.Now(), Context: map[string]any{}}

	var failedLevels []string
	var earliest *VerificationLevel
	for i := range r.Levels {
		lvl := r.Levels[i]
		if lvl.Passed {
			continue
		}
		failedLevels = append(failedLevels, lvl.Name)
		if earliest == nil {
			earliest = &r.Levels[i]
		}
	}

	be.Context["failedLevels"] = failedLevels
	if earliest != nil {
		diags := earliest.Diagnostics
		if len(diags) > maxDiagnostics {
			diags = diags[:maxDiagnostics]
		}
		be.Context["diagnostics"] = diags
	}

	if earliest == nil {
		be.Type = TypeUnknown
		be.Message = "verification report classification found no failing level"
		return be
	}

	name := strings.ToLower(earliest.Name)
	switch {
	case strings.Contains(name, "typecheck") || strings.Contains(name, "tsc"):
		be.Type = TypeTypecheckFailed
		be.Message = "typecheck failed"
	case strings.Contains(name, "lint") || strings.Contains(name, "eslint"):
		be.Type = TypeLintFailed
		be.Message = "lint failed"
	case isLevelIndex(r.Levels, earliest, 1):
		be.Type = TypeTestFailed
		be.Message = "tests failed"
	case isLevelIndex(r.Levels, earliest, 2):
		be.Type = TypeBlackboxFailed
		be.Message = "blackbox verification failed"
	case isLevelIndex(r.Levels, earliest, 3):
		be.Type = TypeCIFailed
		be.Message = "CI failed"
	default:
		be.Type = TypeTestFailed
		be.Message = "verification failed"
	}
	return be
}

func isLevelIndex(levels []VerificationLevel, target *VerificationLevel, idx int) bool {
	if idx < 0 || idx >= len(levels) {
		return false
	}
	return &levels[idx] == target
}

// FromSystemException classifies an uncaught exception by substring match
// against its message.
func FromSystemException(err error) *BuildError {
	be := &BuildError{
		FailedAt: time.Now(),
		Context: map[string]any{
			"errorName": fmt.Sprintf("%T", err),
		},
	}

	msg := strings.ToLower(err.Error())
	be.Context["stack"] = err.Error()

	switch {
	case strings.Contains(msg, "workspace"):
		be.Type = TypeWorkspaceError
		be.Message = "workspace operation failed"
	case strings.Contains(msg, "github") || strings.Contains(msg, "rate limit"):
		be.Type = TypeGitHubError
		be.Message = "GitHub operation failed"
	case strings.Contains(msg, "snapshot") || strings.Contains(msg, "git"):
		be.Type = TypeSnapshotError
		be.Message = "snapshot operation failed"
	default:
		be.Type = TypeSystemError
		be.Message = "an unexpected system error occurred"
	}
	return be
}

func tail(s string) string {
	if len(s) <= maxTailBytes {
		return s
	}
	return s[len(s)-maxTailBytes:]
}
