package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "embed"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradepilot/gradepilot/internal/agent/telemetry"
	"github.com/gradepilot/gradepilot/internal/capability"
	"github.com/gradepilot/gradepilot/internal/recovery"
	"github.com/gradepilot/gradepilot/provider"
)

//go:embed action_schema.json
var actionSchemaJSON string

var loopTracer trace.Tracer = otel.Tracer("gradepilot/internal/agent/core")

var (
	actionTargetOnce sync.Once
	actionTarget     *recovery.Target
	actionTargetErr  error
)

// planningTarget returns the compiled recovery target for planned actions.
func planningTarget() (*recovery.Target, error) {
	actionTargetOnce.Do(func() {
		actionTarget, actionTargetErr = recovery.NewTarget(actionSchemaJSON,
			[]string{"capability", "arguments", "rationale"})
	})
	return actionTarget, actionTargetErr
}

// Loop runs the planning state machine for a single task:
// PLANNING -> EXECUTING -> OBSERVING -> {PLANNING | TERMINATED}.
// Each Loop owns its step sequence exclusively; concurrent runs must each use
// their own instance over the shared read-only registry.
type Loop struct {
	registry      *capability.Registry
	llm           provider.Provider
	decoder       *recovery.Decoder
	telemetry     *telemetry.Telemetry
	logger        *log.Logger
	maxIterations int
}

// NewLoop creates a loop bound to a capability registry and an LLM provider.
func NewLoop(registry *capability.Registry, llm provider.Provider, tele *telemetry.Telemetry, logger *log.Logger, maxIterations int) *Loop {
	if logger == nil {
		logger = log.New(log.Writer(), "[LOOP] ", log.LstdFlags)
	}
	return &Loop{
		registry:      registry,
		llm:           llm,
		decoder:       recovery.NewDecoder(logger),
		telemetry:     tele,
		logger:        logger,
		maxIterations: maxIterations,
	}
}

// Run loops plan/execute/observe until the continuation predicate stops it or
// the iteration cap is hit. Only a planning failure aborts the run; execution
// failures are downgraded to observations so the model can react to them.
func (l *Loop) Run(ctx context.Context, task string, contextMap map[string]interface{}) (RunResult, error) {
	startTime := time.Now()
	ctx, span := loopTracer.Start(ctx, "loop.run",
		trace.WithAttributes(attribute.Int("loop.max_iterations", l.maxIterations)))
	defer span.End()

	var steps []Step
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		action, err := l.plan(ctx, task, contextMap, steps)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			l.telemetry.RecordRun(time.Since(startTime), len(steps), false)
			return RunResult{}, err
		}

		observation := l.execute(ctx, action)
		steps = append(steps, Step{Action: action, Observation: observation})

		if !l.shouldContinue(observation, iteration+1, steps) {
			break
		}
	}

	result := RunResult{
		ReturnValues: map[string]interface{}{
			"output": "No steps executed",
			"steps":  len(steps),
		},
		Log:   fmt.Sprintf("Completed task %q in %d steps", task, len(steps)),
		Steps: steps,
	}
	if len(steps) > 0 {
		last := steps[len(steps)-1].Observation
		result.ReturnValues["output"] = last
		liftScore(last, result.ReturnValues)
	}

	span.SetAttributes(attribute.Int("loop.steps", len(steps)))
	span.SetStatus(codes.Ok, "terminated")
	l.telemetry.RecordRun(time.Since(startTime), len(steps), true)
	return result, nil
}

// plan asks the model for the next action and decodes it through recovery.
// It fails fast when the catalog is empty, before any model call.
func (l *Loop) plan(ctx context.Context, task string, contextMap map[string]interface{}, history []Step) (PlannedAction, error) {
	catalog := l.registry.List()
	if len(catalog) == 0 {
		return PlannedAction{}, ErrNoCapabilities
	}

	target, err := planningTarget()
	if err != nil {
		return PlannedAction{}, fmt.Errorf("planning target: %w", err)
	}

	systemPrompt, err := buildSystemPrompt(catalog)
	if err != nil {
		return PlannedAction{}, fmt.Errorf("build planning prompt: %w", err)
	}
	userPrompt := buildUserPrompt(task, contextMap, history)

	raw, err := l.llm.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return PlannedAction{}, fmt.Errorf("planning completion: %w", err)
	}

	var action PlannedAction
	if err := l.decoder.Decode(raw, target, &action); err != nil {
		l.telemetry.RecordRecoveryFailure()
		return PlannedAction{}, err
	}
	if action.Arguments == nil {
		action.Arguments = map[string]interface{}{}
	}
	return action, nil
}

// execute runs a planned action against the registry. Unknown capabilities
// and handler errors become observations, never run failures: the loop must
// be able to continue, log, and let the model or the predicate react.
func (l *Loop) execute(ctx context.Context, action PlannedAction) string {
	handler, ok := l.registry.Lookup(action.Capability)
	if !ok {
		return fmt.Sprintf("Error: capability %q not found", action.Capability)
	}
	observation, err := handler(ctx, action.Arguments)
	if err != nil {
		return fmt.Sprintf("Error executing capability: %v", err)
	}
	return observation
}

// Markers the continuation heuristic matches against observation text.
// A finality marker means a final score or full breakdown was produced.
var (
	finalityMarkers   = []string{"total_score", "breakdown", "final grade", "final score"}
	completionMarkers = []string{"complete", "finished"}
)

// shouldContinue is a heuristic over observation text, not a semantic check.
// It stops on the iteration cap, finality or completion markers, or an error
// observation from the last execution.
func (l *Loop) shouldContinue(observation string, iteration int, history []Step) bool {
	if iteration >= l.maxIterations {
		return false
	}
	lower := strings.ToLower(observation)
	for _, m := range finalityMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	for _, m := range completionMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	if strings.HasPrefix(observation, "Error") {
		return false
	}
	return true
}

// buildSystemPrompt serializes the capability catalog and demands a single
// structured object in response.
func buildSystemPrompt(catalog []capability.Descriptor) (string, error) {
	catalogJSON, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`You are a grading agent that accomplishes tasks by invoking capabilities.

You have access to the following capabilities:

%s

Your job is to select the best capability for the next step and provide its arguments.

Respond ONLY with a single JSON object of this exact shape:

{
  "capability": "<capability name>",
  "arguments": { "<argument name>": <value> },
  "rationale": "<one sentence explaining the choice>"
}

Important rules:
- DO NOT wrap the object in any extra text or markdown.
- DO NOT include explanations outside the JSON object.
- The arguments object must match the capability's parameter schema.`, string(catalogJSON)), nil
}

// buildUserPrompt embeds the task, optional context, and the ordered history
// of prior steps so the model can reason over what already happened.
func buildUserPrompt(task string, contextMap map[string]interface{}, history []Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task)
	if len(contextMap) > 0 {
		if ctxJSON, err := json.Marshal(contextMap); err == nil {
			fmt.Fprintf(&b, "\nContext: %s\n", ctxJSON)
		}
	}
	if len(history) > 0 {
		b.WriteString("\nSteps taken so far, in order:\n")
		for i, step := range history {
			fmt.Fprintf(&b, "%d. invoked %q -> %s\n", i+1, step.Action.Capability, step.Observation)
		}
		b.WriteString("\nDecide the next capability to invoke, or one that finishes the task.\n")
	}
	return b.String()
}

// liftScore copies a top-level numeric score out of a JSON observation into
// the return values so the dispatcher can extract it without re-parsing.
func liftScore(observation string, returnValues map[string]interface{}) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(observation), &doc); err != nil {
		return
	}
	for _, key := range []string{"score", "total_score"} {
		if v, ok := doc[key]; ok {
			if f, ok := toFloat(v); ok {
				returnValues["score"] = f
				return
			}
		}
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
