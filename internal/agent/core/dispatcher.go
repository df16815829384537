package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradepilot/gradepilot/internal/agent/telemetry"
	"github.com/gradepilot/gradepilot/internal/capability"
	"github.com/gradepilot/gradepilot/provider"
)

// submissionPlaceholder is substituted with the submission text when an
// item's prompt template is rendered.
const submissionPlaceholder = "{{submission}}"

var dispatchTracer trace.Tracer = otel.Tracer("gradepilot/internal/agent/dispatch")

// DispatchOptions bounds each rubric item's run.
type DispatchOptions struct {
	MaxIterations int
	Timeout       time.Duration
}

// Dispatcher runs one independent agent loop per rubric item, all
// concurrently, each under its own iteration cap and wall-clock timeout.
// Items share only the read-only capability registry; every item gets a
// fresh Loop so step sequences and iteration counters are never shared.
type Dispatcher struct {
	registry  *capability.Registry
	llm       provider.Provider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewDispatcher creates a dispatcher over a shared capability registry.
func NewDispatcher(registry *capability.Registry, llm provider.Provider, tele *telemetry.Telemetry, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags)
	}
	return &Dispatcher{registry: registry, llm: llm, telemetry: tele, logger: logger}
}

// Dispatch grades every rubric item concurrently and aggregates the
// outcomes. A timed-out or failed item reports score 0 with its status; it
// never aborts the batch or blocks its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, items []RubricItem, submission string, opts DispatchOptions) RubricReport {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.rubric",
		trace.WithAttributes(attribute.Int("dispatch.items", len(items))))
	defer span.End()

	outcomes := make([]DispatchOutcome, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item RubricItem) {
			defer wg.Done()
			outcomes[i] = d.gradeItem(ctx, item, submission, opts)
		}(i, item)
	}
	wg.Wait()

	report := RubricReport{Outcomes: outcomes}
	for _, o := range outcomes {
		report.TotalScore += o.Score
		report.MaxScore += o.MaxScore
	}
	if report.MaxScore > 0 {
		report.Percentage = roundOne(100 * report.TotalScore / report.MaxScore)
	}

	span.SetAttributes(
		attribute.Float64("dispatch.total_score", report.TotalScore),
		attribute.Float64("dispatch.max_score", report.MaxScore),
	)
	span.SetStatus(codes.Ok, "aggregated")
	return report
}

// gradeItem runs one rubric item to a terminal outcome. The run happens in
// its own goroutine so a handler that ignores cancellation cannot block the
// dispatcher past the item's deadline.
func (d *Dispatcher) gradeItem(ctx context.Context, item RubricItem, submission string, opts DispatchOptions) DispatchOutcome {
	startTime := time.Now()
	ctx, span := dispatchTracer.Start(ctx, "dispatch.item",
		trace.WithAttributes(
			attribute.String("item.id", item.ID),
			attribute.Float64("item.max_score", item.MaxScore),
		))
	defer span.End()

	weight := item.Weight
	if weight <= 0 {
		weight = 1
	}
	outcome := DispatchOutcome{ID: item.ID, MaxScore: item.MaxScore * weight}

	itemCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	task := renderPrompt(item.PromptTemplate, submission)

	type runReply struct {
		result RunResult
		err    error
	}
	replyCh := make(chan runReply, 1)
	go func() {
		loop := NewLoop(d.registry, d.llm, d.telemetry, d.logger, opts.MaxIterations)
		result, err := loop.Run(itemCtx, task, nil)
		replyCh <- runReply{result: result, err: err}
	}()

	select {
	case <-itemCtx.Done():
		if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			outcome.Status = StatusTimeout
			outcome.Feedback = fmt.Sprintf("timed out after %v", opts.Timeout)
		} else {
			outcome.Status = StatusError
			outcome.Feedback = itemCtx.Err().Error()
		}
		span.SetStatus(codes.Error, outcome.Feedback)
		d.logger.Printf("item %s: %s", item.ID, outcome.Feedback)
	case reply := <-replyCh:
		if reply.err != nil {
			outcome.Status = StatusError
			outcome.Feedback = reply.err.Error()
			span.RecordError(reply.err)
			span.SetStatus(codes.Error, reply.err.Error())
			d.logger.Printf("item %s failed: %v", item.ID, reply.err)
		} else {
			outcome.Status = StatusCompleted
			outcome.Score = extractScore(reply.result.ReturnValues) * weight
			outcome.Feedback = reply.result.Log
			span.SetStatus(codes.Ok, "completed")
		}
	}

	elapsed := time.Since(startTime)
	outcome.Duration = elapsed.Seconds()
	d.telemetry.RecordDispatchOutcome(outcome.Status, elapsed)
	return outcome
}

// renderPrompt substitutes the submission into the item's prompt template.
func renderPrompt(template, submission string) string {
	return strings.ReplaceAll(template, submissionPlaceholder, submission)
}

// extractScore reads a numeric score from run return values, defaulting to 0
// when absent or non-numeric. It never fails.
func extractScore(returnValues map[string]interface{}) float64 {
	if returnValues == nil {
		return 0
	}
	if v, ok := returnValues["score"]; ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return 0
}

func roundOne(x float64) float64 {
	return math.Round(x*10) / 10
}
