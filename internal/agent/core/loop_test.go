package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/gradepilot/gradepilot/internal/capability"
	"github.com/gradepilot/gradepilot/internal/recovery"
)

// scriptedProvider replays canned completions, tracking how many times the
// model was consulted.
type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, systemPrompt, userPrompt string) (string, error)
}

func (p *scriptedProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	return p.fn(n, systemPrompt, userPrompt)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func constantPlan(plan string) *scriptedProvider {
	return &scriptedProvider{fn: func(int, string, string) (string, error) {
		return plan, nil
	}}
}

type echoArgs struct {
	Text string `json:"text"`
}

func echoRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	err := reg.Register("echo", func(ctx context.Context, args echoArgs) (string, error) {
		return args.Text, nil
	}, capability.WithDescription("repeat the given text"))
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return reg
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestRunEchoTask(t *testing.T) {
	reg := echoRegistry(t)
	llm := constantPlan(`{"capability": "echo", "arguments": {"text": "hi"}, "rationale": "the task asks to say hi"}`)
	loop := NewLoop(reg, llm, nil, quietLogger(), 1)

	result, err := loop.Run(context.Background(), "say hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ReturnValues["output"] != "hi" {
		t.Fatalf("expected output %q, got %v", "hi", result.ReturnValues["output"])
	}
	if len(result.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(result.Steps))
	}
	if result.Steps[0].Action.Capability != "echo" {
		t.Fatalf("unexpected action: %+v", result.Steps[0].Action)
	}
}

func TestRunFailsFastWithoutCapabilities(t *testing.T) {
	reg := capability.NewRegistry()
	llm := &scriptedProvider{fn: func(int, string, string) (string, error) {
		t.Fatalf("model must not be consulted when no capabilities exist")
		return "", nil
	}}
	loop := NewLoop(reg, llm, nil, quietLogger(), 5)

	_, err := loop.Run(context.Background(), "anything", nil)
	if !errors.Is(err, ErrNoCapabilities) {
		t.Fatalf("expected ErrNoCapabilities, got %v", err)
	}
	if llm.callCount() != 0 {
		t.Fatalf("provider called %d times", llm.callCount())
	}
}

func TestRunZeroIterationCap(t *testing.T) {
	reg := echoRegistry(t)
	llm := constantPlan(`{"capability": "echo", "arguments": {"text": "loop"}}`)
	loop := NewLoop(reg, llm, nil, quietLogger(), 0)

	result, err := loop.Run(context.Background(), "never plan", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if llm.callCount() != 0 {
		t.Fatalf("expected no planning calls, got %d", llm.callCount())
	}
	if result.ReturnValues["output"] != "No steps executed" {
		t.Fatalf("unexpected output: %v", result.ReturnValues["output"])
	}
	if len(result.Steps) != 0 {
		t.Fatalf("expected no steps, got %d", len(result.Steps))
	}
}

func TestRunStopsAtIterationCap(t *testing.T) {
	reg := echoRegistry(t)
	// Observation never carries a stop marker, so only the cap terminates.
	llm := constantPlan(`{"capability": "echo", "arguments": {"text": "keep going"}}`)
	loop := NewLoop(reg, llm, nil, quietLogger(), 3)

	result, err := loop.Run(context.Background(), "busy work", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(result.Steps))
	}
	if llm.callCount() != 3 {
		t.Fatalf("expected 3 planning calls, got %d", llm.callCount())
	}
}

func TestRunStopsOnFinalityMarker(t *testing.T) {
	reg := echoRegistry(t)
	llm := constantPlan(`{"capability": "echo", "arguments": {"text": "{\"total_score\": 4.5}"}}`)
	loop := NewLoop(reg, llm, nil, quietLogger(), 10)

	result, err := loop.Run(context.Background(), "grade it", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("expected finality marker to stop after 1 step, got %d", len(result.Steps))
	}
	score, ok := result.ReturnValues["score"].(float64)
	if !ok || score != 4.5 {
		t.Fatalf("expected lifted score 4.5, got %v", result.ReturnValues["score"])
	}
}

func TestRunHandlerErrorBecomesObservation(t *testing.T) {
	reg := capability.NewRegistry()
	err := reg.Register("broken", func(ctx context.Context, _ struct{}) (string, error) {
		return "", fmt.Errorf("backend unreachable")
	})
	if err != nil {
		t.Fatalf("register broken: %v", err)
	}
	llm := constantPlan(`{"capability": "broken", "arguments": {}}`)
	loop := NewLoop(reg, llm, nil, quietLogger(), 10)

	result, err := loop.Run(context.Background(), "try it", nil)
	if err != nil {
		t.Fatalf("execution failure must not abort the run: %v", err)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("error observation should stop the loop, got %d steps", len(result.Steps))
	}
	obs := result.Steps[0].Observation
	if !strings.Contains(obs, "backend unreachable") || !strings.HasPrefix(obs, "Error") {
		t.Fatalf("unexpected observation: %q", obs)
	}
}

func TestRunUnknownCapabilityBecomesObservation(t *testing.T) {
	reg := echoRegistry(t)
	llm := constantPlan(`{"capability": "teleport", "arguments": {}}`)
	loop := NewLoop(reg, llm, nil, quietLogger(), 10)

	result, err := loop.Run(context.Background(), "go somewhere", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(result.Steps))
	}
	if !strings.Contains(result.Steps[0].Observation, `"teleport" not found`) {
		t.Fatalf("unexpected observation: %q", result.Steps[0].Observation)
	}
}

func TestRunAbortsOnUnrecoverableCompletion(t *testing.T) {
	reg := echoRegistry(t)
	llm := constantPlan("I cannot help with that.")
	loop := NewLoop(reg, llm, nil, quietLogger(), 10)

	_, err := loop.Run(context.Background(), "say hi", nil)
	if err == nil {
		t.Fatalf("expected planning failure")
	}
	var rerr *recovery.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *recovery.Error, got %T: %v", err, err)
	}
}

func TestUserPromptCarriesHistory(t *testing.T) {
	reg := echoRegistry(t)
	var secondPrompt string
	llm := &scriptedProvider{fn: func(call int, _, userPrompt string) (string, error) {
		if call == 2 {
			secondPrompt = userPrompt
		}
		return `{"capability": "echo", "arguments": {"text": "onward"}}`, nil
	}}
	loop := NewLoop(reg, llm, nil, quietLogger(), 2)

	if _, err := loop.Run(context.Background(), "march", map[string]interface{}{"unit": "alpha"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(secondPrompt, `1. invoked "echo" -> onward`) {
		t.Fatalf("history missing from prompt: %q", secondPrompt)
	}
	if !strings.Contains(secondPrompt, `"unit":"alpha"`) {
		t.Fatalf("context missing from prompt: %q", secondPrompt)
	}
}

func TestShouldContinueMarkers(t *testing.T) {
	loop := NewLoop(capability.NewRegistry(), nil, nil, quietLogger(), 10)
	cases := []struct {
		observation string
		want        bool
	}{
		{"still working on it", true},
		{`{"total_score": 3}`, false},
		{"here is the FINAL GRADE breakdown", false},
		{"task complete", false},
		{"analysis finished", false},
		{"Error: capability not found", false},
		{"no Errors were found", true},
	}
	for _, c := range cases {
		if got := loop.shouldContinue(c.observation, 1, nil); got != c.want {
			t.Fatalf("shouldContinue(%q) = %v, want %v", c.observation, got, c.want)
		}
	}
}

func TestToFloatForms(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{float64(2.5), 2.5, true},
		{int(3), 3, true},
		{"4.5", 4.5, true},
		{" 7 ", 7, true},
		{"not a number", 0, false},
		{map[string]interface{}{}, 0, false},
	}
	for _, c := range cases {
		got, ok := toFloat(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("toFloat(%v) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}
