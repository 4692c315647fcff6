package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateOutcome_AllSucceed(t *testing.T) {
	code, retry := AggregateOutcome([]OutcomeCode{OutcomeSuccess, OutcomeSuccess})
	assert.Equal(t, OutcomeSuccess, code)
	assert.False(t, retry)
}

func TestAggregateOutcome_AllFailRetryable(t *testing.T) {
	code, retry := AggregateOutcome([]OutcomeCode{OutcomeRetryableFailure, OutcomeTimeout})
	assert.Equal(t, OutcomeRetryableFailure, code)
	assert.True(t, retry)
}

func TestAggregateOutcome_AllFailNonRetryable(t *testing.T) {
	code, retry := AggregateOutcome([]OutcomeCode{OutcomeNonRetryableFailure, OutcomeNonRetryableFailure})
	assert.Equal(t, OutcomeNonRetryableFailure, code)
	assert.False(t, retry)
}

func TestAggregateOutcome_Mixed(t *testing.T) {
	code, retry := AggregateOutcome([]OutcomeCode{OutcomeSuccess, OutcomeRetryableFailure})
	assert.Equal(t, OutcomePartialSuccess, code)
	assert.True(t, retry)

	code, retry = AggregateOutcome([]OutcomeCode{OutcomeSuccess, OutcomeNonRetryableFailure})
	assert.Equal(t, OutcomePartialSuccess, code)
	assert.False(t, retry)
}

func TestAggregateOutcome_Empty(t *testing.T) {
	code, retry := AggregateOutcome(nil)
	assert.Equal(t, OutcomeSuccess, code)
	assert.False(t, retry)
}

func TestOutcomeCode_Retryable(t *testing.T) {
	assert.True(t, OutcomeRetryableFailure.Retryable())
	assert.True(t, OutcomeTimeout.Retryable())
	assert.False(t, OutcomeSuccess.Retryable())
	assert.False(t, OutcomeNonRetryableFailure.Retryable())
	assert.False(t, OutcomeCancelled.Retryable())
}

func TestEndpointKey_Lowercases(t *testing.T) {
	assert.Equal(t, "anthropic:claude", EndpointKey("Anthropic", "Claude"))

	def := SubagentDefinition{Provider: "OpenAI", Model: "gpt"}
	assert.Equal(t, "openai:gpt", def.EndpointKey("anthropic", "default"))

	def = SubagentDefinition{}
	assert.Equal(t, "anthropic:default", def.EndpointKey("anthropic", "default"))
}
