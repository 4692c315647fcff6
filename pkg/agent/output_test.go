package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/delegate/pkg/models"
)

const wellFormed = `SUMMARY
Audited the login handler and found two missing checks.

RESULT
The handler accepts expired tokens because the exp claim is never compared
against the current time. It also skips audience validation entirely.

NEXT_STEP
Add exp and aud validation before the session is created.`

func TestValidateOutput_AcceptsWellFormed(t *testing.T) {
	assert.NoError(t, ValidateOutput(wellFormed))
}

func TestValidateOutput_AcceptsMarkdownHeaders(t *testing.T) {
	md := strings.NewReplacer(
		"SUMMARY", "## SUMMARY",
		"RESULT", "## RESULT",
		"NEXT_STEP", "## NEXT_STEP",
	).Replace(wellFormed)
	assert.NoError(t, ValidateOutput(md))
}

func TestValidateOutput_RejectsEmpty(t *testing.T) {
	assert.Error(t, ValidateOutput(""))
	assert.Error(t, ValidateOutput("   \n\t  "))
}

func TestValidateOutput_RejectsMissingSection(t *testing.T) {
	err := ValidateOutput("SUMMARY\nDid the thing.\n\nRESULT\nA complete result with plenty of detail in it.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NEXT_STEP")
}

func TestValidateOutput_RejectsEmptySectionBody(t *testing.T) {
	err := ValidateOutput("SUMMARY\nDid the thing with plenty of words here.\n\nRESULT\n\nNEXT_STEP\nShip it.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESULT")
}

func TestValidateOutput_RejectsIntentOnly(t *testing.T) {
	err := ValidateOutput("I will now analyze the codebase and report back.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intent-only")
}

func TestValidateOutput_RejectsTooLittleSubstance(t *testing.T) {
	err := ValidateOutput("SUMMARY\nok\n\nRESULT\nok\n\nNEXT_STEP\nok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestNormalizeOutput_LeavesValidAlone(t *testing.T) {
	assert.Equal(t, wellFormed, NormalizeOutput(wellFormed))
}

func TestNormalizeOutput_WrapsAdHocText(t *testing.T) {
	raw := "Found the bug in the retry loop.\n\nThe attempt counter is reset inside the loop body, so transient failures retry forever instead of giving up."
	wrapped := NormalizeOutput(raw)

	assert.NoError(t, ValidateOutput(wrapped))
	assert.Contains(t, wrapped, "Found the bug in the retry loop.")
	assert.Contains(t, wrapped, raw)
}

func TestNormalizeOutput_EmptyStaysEmpty(t *testing.T) {
	assert.Equal(t, "", NormalizeOutput("  \n "))
}

func TestSplitSections_BodyRunsToNextHeader(t *testing.T) {
	sections := splitSections("SUMMARY\nfirst\nsecond\n\nRESULT\nbody\n\nNEXT_STEP\ndone")
	assert.Equal(t, "first\nsecond", strings.TrimSpace(sections["SUMMARY"]))
	assert.Equal(t, "body", strings.TrimSpace(sections["RESULT"]))
	assert.Equal(t, "done", strings.TrimSpace(sections["NEXT_STEP"]))
}

func TestBuildPrompt_IncludesDefinitionAndContract(t *testing.T) {
	def := models.SubagentDefinition{
		SystemPrompt: "You are a careful reviewer.",
		Skills:       []string{"go", "security"},
	}
	prompt := BuildPrompt(def, "Review the auth package.")

	assert.True(t, strings.HasPrefix(prompt, "You are a careful reviewer."))
	assert.Contains(t, prompt, "Your skills: go, security")
	assert.Contains(t, prompt, "Task:\nReview the auth package.")
	assert.Contains(t, prompt, "SUMMARY")
	assert.Contains(t, prompt, "NEXT_STEP")
}

func TestBuildRecoveryPrompt_AppendsStricterContract(t *testing.T) {
	def := models.SubagentDefinition{}
	base := BuildPrompt(def, "t")
	recovery := BuildRecoveryPrompt(def, "t")

	assert.True(t, strings.HasPrefix(recovery, base))
	assert.Contains(t, recovery, "final attempt")
}

func TestBuildDagPrompt_SortsDependencyOutputs(t *testing.T) {
	def := models.SubagentDefinition{}
	node := models.TaskNode{ID: "t3", Description: "merge results"}
	deps := map[string]string{"t2": "beta", "t1": "alpha"}

	prompt := BuildDagPrompt(def, node, deps)

	assert.Contains(t, prompt, "merge results")
	assert.Contains(t, prompt, "--- t1 ---\nalpha")
	assert.Contains(t, prompt, "--- t2 ---\nbeta")
	assert.Less(t, strings.Index(prompt, "t1"), strings.Index(prompt, "t2"))
}

func TestBuildDagPrompt_IncludesInputContext(t *testing.T) {
	def := models.SubagentDefinition{}
	node := models.TaskNode{
		ID:           "t1",
		Description:  "apply the change",
		InputContext: "Repository uses trunk-based development.",
	}

	prompt := BuildDagPrompt(def, node, map[string]string{"t0": "out"})

	assert.Contains(t, prompt, "Repository uses trunk-based development.")
	assert.Less(t,
		strings.Index(prompt, "Repository uses"),
		strings.Index(prompt, "apply the change"))
}

func TestBuildDagPrompt_NoDepsIsPlainPrompt(t *testing.T) {
	def := models.SubagentDefinition{}
	node := models.TaskNode{ID: "t1", Description: "start"}
	assert.Equal(t, BuildPrompt(def, "start"), BuildDagPrompt(def, node, nil))
}

func TestTailBuffer_KeepsLastLines(t *testing.T) {
	tb := newTailBuffer(3)
	for _, line := range []string{"one", "two", "three", "four", "five"} {
		tb.Append(line)
	}
	assert.Equal(t, "three\nfour\nfive", tb.String())
}

func TestTailBuffer_MinimumCapacity(t *testing.T) {
	tb := newTailBuffer(0)
	tb.Append("a")
	tb.Append("b")
	assert.Equal(t, "b", tb.String())
}
