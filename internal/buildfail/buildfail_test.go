package buildfail

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAgentResult_NonZeroExitIsCrash(t *testing.T) {
	be := FromAgentResult(AgentResult{ExitCode: 1})
	assert.Equal(t, TypeAgentCrash, be.Type)
}

func TestFromAgentResult_TimeoutPhrasingIsTimeout(t *testing.T) {
	be := FromAgentResult(AgentResult{ExitCode: 0, Success: false, Stderr: "operation timeout after 300s"})
	assert.Equal(t, TypeAgentTimeout, be.Type)
}

func TestFromAgentResult_TerminatedPhrasingIsTimeout(t *testing.T) {
	be := FromAgentResult(AgentResult{ExitCode: 0, Success: false, Stderr: "process was terminated"})
	assert.Equal(t, TypeAgentTimeout, be.Type)
}

func TestFromAgentResult_PlainFailureIsTaskFailure(t *testing.T) {
	be := FromAgentResult(AgentResult{ExitCode: 0, Success: false, Stderr: "could not complete the task"})
	assert.Equal(t, TypeAgentTaskFailure, be.Type)
}

func TestFromAgentResult_StdoutTailTruncatedTo4KiB(t *testing.T) {
	big := strings.Repeat("x", maxTailBytes+100)
	be := FromAgentResult(AgentResult{ExitCode: 1, Stdout: big})
	assert.Len(t, be.StdoutTail, maxTailBytes)
	assert.Equal(t, big[len(big)-maxTailBytes:], be.StdoutTail)
}

func TestFromVerificationReport_TypecheckIsEarliestFailure(t *testing.T) {
	be := FromVerificationReport(VerificationReport{Levels: []VerificationLevel{
		{Name: "typecheck", Passed: false, Diagnostics: []string{"d1"}},
		{Name: "test", Passed: false},
	}})
	assert.Equal(t, TypeTypecheckFailed, be.Type)
	assert.Equal(t, []string{"typecheck", "test"}, be.Context["failedLevels"])
}

func TestFromVerificationReport_LintNamed(t *testing.T) {
	be := FromVerificationReport(VerificationReport{Levels: []VerificationLevel{
		{Name: "eslint", Passed: false},
	}})
	assert.Equal(t, TypeLintFailed, be.Type)
}

func TestFromVerificationReport_L1IsTestFailed(t *testing.T) {
	be := FromVerificationReport(VerificationReport{Levels: []VerificationLevel{
		{Name: "typecheck", Passed: true},
		{Name: "unit", Passed: false},
	}})
	assert.Equal(t, TypeTestFailed, be.Type)
}

func TestFromVerificationReport_L2IsBlackboxFailed(t *testing.T) {
	be := FromVerificationReport(VerificationReport{Levels: []VerificationLevel{
		{Name: "typecheck", Passed: true},
		{Name: "unit", Passed: true},
		{Name: "blackbox", Passed: false},
	}})
	assert.Equal(t, TypeBlackboxFailed, be.Type)
}

func TestFromVerificationReport_L3IsCIFailed(t *testing.T) {
	be := FromVerificationReport(VerificationReport{Levels: []VerificationLevel{
		{Name: "typecheck", Passed: true},
		{Name: "unit", Passed: true},
		{Name: "blackbox", Passed: true},
		{Name: "ci", Passed: false},
	}})
	assert.Equal(t, TypeCIFailed, be.Type)
}

func TestFromVerificationReport_DiagnosticsTruncatedToFive(t *testing.T) {
	diags := []string{"a", "b", "c", "d", "e", "f", "g"}
	be := FromVerificationReport(VerificationReport{Levels: []VerificationLevel{
		{Name: "unit", Passed: false, Diagnostics: diags},
	}})
	require.Len(t, be.Context["diagnostics"], maxDiagnostics)
}

func TestFromVerificationReport_AllPassedIsUnknown(t *testing.T) {
	be := FromVerificationReport(VerificationReport{Levels: []VerificationLevel{
		{Name: "typecheck", Passed: true},
	}})
	assert.Equal(t, TypeUnknown, be.Type)
}

func TestFromSystemException_Workspace(t *testing.T) {
	be := FromSystemException(errors.New("workspace materialization failed"))
	assert.Equal(t, TypeWorkspaceError, be.Type)
}

func TestFromSystemException_Snapshot(t *testing.T) {
	be := FromSystemException(errors.New("git commit failed"))
	assert.Equal(t, TypeSnapshotError, be.Type)
}

func TestFromSystemException_GitHub(t *testing.T) {
	be := FromSystemException(errors.New("github api rate limit exceeded"))
	assert.Equal(t, TypeGitHubError, be.Type)
}

func TestFromSystemException_Default(t *testing.T) {
	be := FromSystemException(errors.New("nil pointer dereference"))
	assert.Equal(t, TypeSystemError, be.Type)
}
