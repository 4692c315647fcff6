// Package orchestrator implements the end-to-end run contract: resolve the
// target subagents, acquire a dispatch permit (orchestration turn plus
// capacity reservation), execute through the retry engine and the worker
// transport, persist run records, feed the adaptive controllers, and fold
// per-task results into one outcome. Every exit path passes through cleanup
// exactly once.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/delegate/pkg/admission"
	"github.com/codeready-toolchain/delegate/pkg/agent"
	"github.com/codeready-toolchain/delegate/pkg/config"
	"github.com/codeready-toolchain/delegate/pkg/events"
	"github.com/codeready-toolchain/delegate/pkg/health"
	"github.com/codeready-toolchain/delegate/pkg/models"
	"github.com/codeready-toolchain/delegate/pkg/ratelimit"
	"github.com/codeready-toolchain/delegate/pkg/retry"
	"github.com/codeready-toolchain/delegate/pkg/storage"
)

const timeRound = time.Millisecond

// recoveryIdleTimeout caps the idle timeout of the dedicated empty-output
// recovery run.
const recoveryIdleTimeout = 120 * time.Second

// Orchestrator owns the run lifecycle. One instance per process; safe for
// concurrent use.
type Orchestrator struct {
	cfg      *config.Config
	store    *storage.Store
	adm      *admission.Controller
	limits   *ratelimit.Controller
	adjuster *health.Adjuster
	invoker  agent.Invoker
	monitor  events.Monitor
	engine   *retry.Engine
	penalty  *Penalty
}

// New wires the orchestrator. monitor may be nil (events are discarded).
func New(
	cfg *config.Config,
	store *storage.Store,
	adm *admission.Controller,
	limits *ratelimit.Controller,
	adjuster *health.Adjuster,
	invoker agent.Invoker,
	monitor events.Monitor,
) *Orchestrator {
	if monitor == nil {
		monitor = events.NopMonitor{}
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		adm:      adm,
		limits:   limits,
		adjuster: adjuster,
		invoker:  invoker,
		monitor:  monitor,
		penalty:  NewPenalty(defaultMaxPenalty, defaultPenaltyDecay),
	}
	o.engine = retry.NewEngine(limits, o.observe)
	return o
}

// Penalty exposes the adaptive penalty for status reporting.
func (o *Orchestrator) Penalty() *Penalty { return o.penalty }

// observe is the retry engine's feedback hook: every classified attempt
// outcome is fed to both adaptive controllers.
func (o *Orchestrator) observe(key string, class retry.Classification, duration time.Duration) {
	switch class {
	case "":
		o.limits.Record(key, ratelimit.OutcomeSuccess)
		o.adjuster.Record(key, health.SignalSuccess, duration)
	case retry.ClassRateLimit:
		o.limits.Record(key, ratelimit.OutcomeRateLimit)
		o.adjuster.Record(key, health.Signal429, duration)
	case retry.ClassTimeout:
		o.limits.Record(key, ratelimit.OutcomeTimeout)
		o.adjuster.Record(key, health.SignalTimeout, duration)
	case retry.ClassCancelled:
		// Cooperative aborts are not a health signal.
	default:
		o.limits.Record(key, ratelimit.OutcomeError)
		o.adjuster.Record(key, health.SignalError, duration)
	}
}

// policy returns the retry policy for this process.
func (o *Orchestrator) policy() retry.Policy {
	if o.cfg.StableProfile {
		return retry.StablePolicy()
	}
	p := retry.DefaultPolicy()
	if o.cfg.MaxRetries > 0 {
		p.MaxRetries = o.cfg.MaxRetries
	}
	return p
}

// resolveAgent returns the enabled definition for id, falling back to the
// session default when id is empty.
func (o *Orchestrator) resolveAgent(id string) (models.SubagentDefinition, error) {
	if id == "" {
		id = o.store.CurrentAgentID()
		if id == "" {
			return models.SubagentDefinition{}, fmt.Errorf("%w: no agent id given and no default set", storage.ErrAgentNotFound)
		}
	}
	def, err := o.store.GetAgent(id)
	if err != nil {
		return models.SubagentDefinition{}, err
	}
	if !def.Enabled {
		return models.SubagentDefinition{}, fmt.Errorf("%w: %s", storage.ErrAgentDisabled, def.Name)
	}
	return def, nil
}

// providerCap returns the tightest effective per-endpoint limit across the
// selected agents, combining the learned concurrency and the health-adjusted
// parallelism.
func (o *Orchestrator) providerCap(defs []models.SubagentDefinition) int {
	cap := ratelimit.MaxConcurrency
	for i := range defs {
		key := defs[i].EndpointKey(o.cfg.DefaultProvider, o.cfg.DefaultModel)
		if l := o.limits.EffectiveLimit(key); l < cap {
			cap = l
		}
		if p := o.adjuster.Parallelism(key); p < cap {
			cap = p
		}
	}
	if cap < 1 {
		cap = 1
	}
	return cap
}

// effectiveParallelism computes the fan-out for a run:
// min(configured per-run limit, task count, global LLM cap, provider cap),
// then the adaptive penalty divisor.
func (o *Orchestrator) effectiveParallelism(taskCount int, defs []models.SubagentDefinition) int {
	baseline := o.cfg.MaxParallelSubagents
	if taskCount < baseline {
		baseline = taskCount
	}
	if o.cfg.MaxTotalActiveLlm < baseline {
		baseline = o.cfg.MaxTotalActiveLlm
	}
	if cap := o.providerCap(defs); cap < baseline {
		baseline = cap
	}
	if baseline < 1 {
		baseline = 1
	}
	return o.penalty.Apply(baseline)
}

// itemSpec is one unit of work inside a run.
type itemSpec struct {
	itemID string
	def    models.SubagentDefinition
	task   string
	prompt string // overrides the default prompt when set
}

// executeItem runs one subagent task end to end: retrying invocation,
// output normalization, the one-shot empty-output recovery, live-view
// events, and run record persistence. Cancelled items leave no record.
func (o *Orchestrator) executeItem(ctx context.Context, runID string, spec itemSpec) ItemReport {
	start := time.Now()
	key := spec.def.EndpointKey(o.cfg.DefaultProvider, o.cfg.DefaultModel)
	prompt := spec.prompt
	if prompt == "" {
		prompt = agent.BuildPrompt(spec.def, spec.task)
	}

	report := ItemReport{
		ItemID:    spec.itemID,
		AgentID:   spec.def.ID,
		AgentName: spec.def.Name,
		Task:      spec.task,
	}

	o.monitor.ItemStarted(runID, spec.itemID, spec.def.ID, spec.task)

	output, out, err := o.engine.Do(ctx, key, o.policy(), o.invokeOp(runID, spec, prompt, o.cfg.IdleTimeout))

	// One dedicated recovery run for empty-output exhaustion, with a
	// stricter prompt and a capped idle timeout.
	if err != nil && out.Class == retry.ClassEmptyOutput {
		recoveryPrompt := agent.BuildRecoveryPrompt(spec.def, spec.task)
		idle := o.cfg.IdleTimeout
		if idle == 0 || idle > recoveryIdleTimeout {
			idle = recoveryIdleTimeout
		}
		var recOut retry.Outcome
		output, recOut, err = o.engine.Do(ctx, key, singleAttemptPolicy(o.policy()), o.invokeOp(runID, spec, recoveryPrompt, idle))
		if err == nil {
			report.RecoveryUsed = true
			prompt = recoveryPrompt
		}
		total := out.Attempts + recOut.Attempts
		if err != nil {
			out = recOut
		}
		out.Attempts = total
	}

	report.Attempts = out.Attempts
	report.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		report.Outcome = out.Code
		report.Diagnostic = out.Diagnostic
	} else {
		report.Outcome = models.OutcomeSuccess
		report.Output = output
	}

	// Persist a record for every terminal attempt except cooperative aborts.
	if report.Outcome != models.OutcomeCancelled {
		report.RunID = o.persistRun(report, prompt, start)
	}

	status := string(models.RunStatusFailed)
	if report.Outcome == models.OutcomeSuccess {
		status = string(models.RunStatusCompleted)
	}
	o.monitor.ItemFinished(runID, spec.itemID, status, summaryOf(report), report.Diagnostic)
	return report
}

// invokeOp builds the retried operation for one prompt: transport call,
// chunk streaming to the live view, then output validation with a single
// normalization pass.
func (o *Orchestrator) invokeOp(runID string, spec itemSpec, prompt string, idle time.Duration) retry.Operation {
	return func(ctx context.Context) (string, error) {
		res, err := o.invoker.Invoke(ctx, agent.Request{
			Provider:    providerOf(spec.def, o.cfg),
			Model:       modelOf(spec.def, o.cfg),
			Prompt:      prompt,
			IdleTimeout: idle,
			OnStdout: func(chunk string) {
				o.monitor.StdoutChunk(runID, spec.itemID, chunk)
			},
			OnStderr: func(chunk string) {
				o.monitor.StderrChunk(runID, spec.itemID, chunk)
			},
		})
		if err != nil {
			return "", err
		}
		output := agent.NormalizeOutput(res.Output)
		if verr := agent.ValidateOutput(output); verr != nil {
			return "", fmt.Errorf("output failed validation after normalization: %v", verr)
		}
		return output, nil
	}
}

// persistRun appends the run record and payload; failures are logged inside
// the store and must not fail the run itself. Returns the run record id.
func (o *Orchestrator) persistRun(report ItemReport, prompt string, started time.Time) string {
	finished := time.Now()
	status := models.RunStatusFailed
	if report.Outcome == models.OutcomeSuccess {
		status = models.RunStatusCompleted
	}
	record := models.RunRecord{
		RunID:        uuid.NewString(),
		AgentID:      report.AgentID,
		Task:         report.Task,
		Status:       status,
		Outcome:      report.Outcome,
		StartedAt:    started.UTC(),
		FinishedAt:   finished.UTC(),
		DurationMs:   finished.Sub(started).Milliseconds(),
		ErrorSummary: report.Diagnostic,
		RecoveryUsed: report.RecoveryUsed,
	}
	payload := models.RunPayload{
		Run:      record,
		Prompt:   prompt,
		Output:   report.Output,
		Recovery: report.RecoveryUsed,
	}
	if err := o.store.AppendRun(record, payload); err != nil {
		// Persistence failure degrades history, not the run outcome.
		return ""
	}
	return record.RunID
}

// applyFeedback adjusts the adaptive penalty from a finished run: pressure
// failures raise it, a clean run lowers it.
func (o *Orchestrator) applyFeedback(items []ItemReport, reportOutcome models.OutcomeCode) {
	pressure := false
	for _, it := range items {
		if it.Outcome == models.OutcomeRetryableFailure && strings.Contains(it.Diagnostic, "class=rate_limit") {
			pressure = true
			break
		}
	}
	switch {
	case pressure:
		o.penalty.Raise("rate_limit")
	case reportOutcome == models.OutcomeTimeout:
		o.penalty.Raise("capacity")
	case reportOutcome == models.OutcomeSuccess:
		o.penalty.Lower()
	}
}

// singleAttemptPolicy strips all retry budget from p, leaving exactly one
// attempt.
func singleAttemptPolicy(p retry.Policy) retry.Policy {
	p.MaxRetries = 0
	p.MaxRateLimitRetries = 0
	p.Jitter = retry.JitterNone
	return p
}

func providerOf(def models.SubagentDefinition, cfg *config.Config) string {
	if def.Provider != "" {
		return def.Provider
	}
	return cfg.DefaultProvider
}

func modelOf(def models.SubagentDefinition, cfg *config.Config) string {
	if def.Model != "" {
		return def.Model
	}
	return cfg.DefaultModel
}

// summaryOf returns the short line shown in terminal live-view events.
func summaryOf(report ItemReport) string {
	s := report.Output
	if s == "" {
		s = report.Diagnostic
	}
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx > 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// cleanup bundles the once-only teardown of a run's admission state.
type cleanup struct {
	once sync.Once
	fn   func()
}

func (c *cleanup) run() { c.once.Do(c.fn) }

// acquire obtains the dispatch permit for a run and arranges its teardown.
// The returned cleanup must be run on every exit path; the permit is nil
// when admission failed and the report explains why.
func (o *Orchestrator) acquire(ctx context.Context, runID, source string, llm int) (*admission.DispatchPermit, *cleanup, admission.WaitResult, error) {
	permit, err := o.adm.AcquireDispatchPermit(ctx, runID, source, 1, llm, o.cfg.CapacityWait)
	if err != nil {
		result := permit.Admission
		if ctx.Err() != nil {
			result = admission.WaitResult{Status: admission.WaitAborted}
		}
		return nil, nil, result, err
	}
	if permit.Admission.Status != admission.WaitAllowed {
		return nil, nil, permit.Admission, nil
	}

	if err := permit.Reservation.Consume(); err != nil {
		permit.Release()
		return nil, nil, permit.Admission, err
	}
	stopHeartbeat := permit.Reservation.StartHeartbeat(o.cfg.HeartbeatInterval)
	o.adm.AddActive(1, 0)

	cl := &cleanup{fn: func() {
		o.adm.AddActive(-1, 0)
		stopHeartbeat()
		permit.Release()
	}}
	return permit, cl, permit.Admission, nil
}
