package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gradepilot/gradepilot/internal/capability"
)

// RegisterBuiltins registers the deterministic grading capabilities on a
// registry. Called once at startup, before any dispatch begins.
func RegisterBuiltins(reg *capability.Registry) error {
	type registration struct {
		name string
		fn   interface{}
		opts []capability.Option
	}
	regs := []registration{
		{"echo", echoTool, []capability.Option{
			capability.WithDescription("Return the given text unchanged; useful for smoke tests"),
		}},
		{"check_syntax", checkSyntax, []capability.Option{
			capability.WithDescription("Check whether the submission's bracket and quote structure is balanced"),
		}},
		{"check_required_elements", checkRequiredElements, []capability.Option{
			capability.WithDescription("Check which required identifiers appear in the submission"),
		}},
		{"check_documentation", checkDocumentation, []capability.Option{
			capability.WithDescription("Score the submission's ratio of comment/documentation lines"),
		}},
		{"check_style", checkStyle, []capability.Option{
			capability.WithDescription("Score basic style: line length and trailing whitespace"),
		}},
		{"compute_final_grade", computeFinalGrade, []capability.Option{
			capability.WithDescription("Produce the final grade payload for the current rubric item; pass earlier check results as checks to itemize the breakdown"),
		}},
	}
	for _, r := range regs {
		if err := reg.Register(r.name, r.fn, r.opts...); err != nil {
			return err
		}
	}
	return nil
}

type echoArgs struct {
	Text string `json:"text"`
}

func echoTool(ctx context.Context, args echoArgs) (string, error) {
	return args.Text, nil
}

type codeArgs struct {
	Code string `json:"code"`
}

// checkSyntax is a language-agnostic plausibility check: balanced
// (), [], {} outside string literals.
func checkSyntax(ctx context.Context, args codeArgs) (string, error) {
	valid, detail := balancedDelimiters(args.Code)
	payload := map[string]interface{}{"valid": valid}
	if detail != "" {
		payload["error"] = detail
	}
	return marshalObservation(payload)
}

type requiredArgs struct {
	Code  string   `json:"code"`
	Items []string `json:"items"`
}

func checkRequiredElements(ctx context.Context, args requiredArgs) (string, error) {
	found := make([]string, 0, len(args.Items))
	missing := make([]string, 0, len(args.Items))
	for _, item := range args.Items {
		if strings.Contains(args.Code, item) {
			found = append(found, item)
		} else {
			missing = append(missing, item)
		}
	}
	return marshalObservation(map[string]interface{}{"found": found, "missing": missing})
}

func checkDocumentation(ctx context.Context, args codeArgs) (string, error) {
	total, documented := 0, 0
	for _, line := range strings.Split(args.Code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		total++
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") ||
			strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*") ||
			strings.HasPrefix(trimmed, `"""`) {
			documented++
		}
	}
	score := 0.0
	if total > 0 {
		// One comment line per four code lines counts as fully documented.
		score = float64(documented) * 4 / float64(total)
		if score > 1 {
			score = 1
		}
	}
	feedback := "Poor documentation"
	switch {
	case score >= 0.8:
		feedback = "Well documented"
	case score >= 0.5:
		feedback = "Partial documentation"
	}
	return marshalObservation(map[string]interface{}{"doc_score": score, "feedback": feedback})
}

func checkStyle(ctx context.Context, args codeArgs) (string, error) {
	lines := strings.Split(args.Code, "\n")
	violations := 0
	checked := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		checked++
		if len(line) > 100 {
			violations++
		} else if line != strings.TrimRight(line, " \t") {
			violations++
		}
	}
	score := 1.0
	if checked > 0 {
		score = 1 - float64(violations)/float64(checked)
	}
	feedback := "Good style"
	if score < 0.8 {
		feedback = "Could improve style"
	}
	return marshalObservation(map[string]interface{}{"style_score": score, "feedback": feedback})
}

// checkResult is one prior check's partial result, passed back into the
// final grade so the breakdown can attribute points per check.
type checkResult struct {
	Earned   float64 `json:"earned"`
	Possible float64 `json:"possible"`
	Feedback string  `json:"feedback,omitempty"`
}

type finalGradeArgs struct {
	Score    float64                `json:"score"`
	MaxScore float64                `json:"max_score"`
	Feedback string                 `json:"feedback,omitempty"`
	Checks   map[string]checkResult `json:"checks,omitempty"`
}

// computeFinalGrade emits the terminal payload for a rubric item. Its keys
// double as the loop's finality markers, so invoking it ends the run. The
// optional checks argument carries the partial results of earlier
// capabilities; they become the per-check breakdown.
func computeFinalGrade(ctx context.Context, args finalGradeArgs) (string, error) {
	if args.MaxScore < 0 || args.Score < 0 {
		return "", fmt.Errorf("scores must be non-negative")
	}
	score := args.Score
	if args.MaxScore > 0 && score > args.MaxScore {
		score = args.MaxScore
	}
	percentage := 0.0
	if args.MaxScore > 0 {
		percentage = 100 * score / args.MaxScore
	}
	breakdown := map[string]interface{}{}
	for name, check := range args.Checks {
		breakdown[name] = map[string]interface{}{
			"earned":   check.Earned,
			"possible": check.Possible,
			"feedback": check.Feedback,
		}
	}
	return marshalObservation(map[string]interface{}{
		"total_score": score,
		"max_score":   args.MaxScore,
		"percentage":  percentage,
		"breakdown":   breakdown,
		"feedback":    args.Feedback,
		"summary":     fmt.Sprintf("%g / %g pts (%.1f%%)", score, args.MaxScore, percentage),
	})
}

func marshalObservation(payload map[string]interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// balancedDelimiters walks the text tracking quote state and escapes, and
// verifies every bracket closes in order.
func balancedDelimiters(code string) (bool, string) {
	var stack []byte
	var quote byte
	escape := false
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}

	for i := 0; i < len(code); i++ {
		ch := code[i]
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'', '`':
			quote = ch
		case '(', '[', '{':
			stack = append(stack, ch)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[ch] {
				return false, fmt.Sprintf("unmatched %q at offset %d", string(ch), i)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return false, fmt.Sprintf("unclosed %q", string(stack[len(stack)-1]))
	}
	return true, ""
}
