package grading

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/gradepilot/gradepilot/internal/capability"
)

func builtinsRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return reg
}

func invoke(t *testing.T, reg *capability.Registry, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	out, err := reg.Invoke(context.Background(), name, args)
	if err != nil {
		t.Fatalf("Invoke(%s): %v", name, err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("Invoke(%s): observation is not JSON: %q", name, out)
	}
	return payload
}

func TestRegisterBuiltins(t *testing.T) {
	reg := builtinsRegistry(t)
	want := []string{
		"echo", "check_syntax", "check_required_elements",
		"check_documentation", "check_style", "compute_final_grade",
	}
	list := reg.List()
	if len(list) != len(want) {
		t.Fatalf("expected %d capabilities, got %d", len(want), len(list))
	}
	for i, name := range want {
		if list[i].Name != name {
			t.Fatalf("position %d: expected %q, got %q", i, name, list[i].Name)
		}
		if list[i].Description == "" {
			t.Fatalf("capability %q has no description", name)
		}
	}
}

func TestCheckSyntax(t *testing.T) {
	reg := builtinsRegistry(t)

	ok := invoke(t, reg, "check_syntax", map[string]interface{}{
		"code": `func main() { fmt.Println("}") }`,
	})
	if ok["valid"] != true {
		t.Fatalf("balanced code flagged invalid: %v", ok)
	}

	bad := invoke(t, reg, "check_syntax", map[string]interface{}{
		"code": "def main():\n    return [1, 2\n",
	})
	if bad["valid"] != false {
		t.Fatalf("unbalanced code passed: %v", bad)
	}
	if detail, _ := bad["error"].(string); !strings.Contains(detail, "unclosed") {
		t.Fatalf("expected unclosed bracket detail, got %v", bad["error"])
	}
}

func TestCheckRequiredElements(t *testing.T) {
	reg := builtinsRegistry(t)
	payload := invoke(t, reg, "check_required_elements", map[string]interface{}{
		"code":  "def main():\n    print('hi')\n",
		"items": []string{"def main", "return"},
	})
	found, _ := payload["found"].([]interface{})
	missing, _ := payload["missing"].([]interface{})
	if len(found) != 1 || found[0] != "def main" {
		t.Fatalf("unexpected found list: %v", payload)
	}
	if len(missing) != 1 || missing[0] != "return" {
		t.Fatalf("unexpected missing list: %v", payload)
	}
}

func TestCheckDocumentation(t *testing.T) {
	reg := builtinsRegistry(t)

	commented := invoke(t, reg, "check_documentation", map[string]interface{}{
		"code": "# setup\nx = 1\n# compute\ny = x * 2\n",
	})
	if score, _ := commented["doc_score"].(float64); score < 0.8 {
		t.Fatalf("well-commented code scored %v", commented)
	}

	bare := invoke(t, reg, "check_documentation", map[string]interface{}{
		"code": "x = 1\ny = 2\nz = 3\nw = 4\nv = 5\n",
	})
	if score, _ := bare["doc_score"].(float64); score != 0 {
		t.Fatalf("uncommented code scored %v", bare)
	}
	if bare["feedback"] != "Poor documentation" {
		t.Fatalf("unexpected feedback: %v", bare["feedback"])
	}
}

func TestCheckStyle(t *testing.T) {
	reg := builtinsRegistry(t)

	clean := invoke(t, reg, "check_style", map[string]interface{}{
		"code": "x = 1\ny = 2\n",
	})
	if score, _ := clean["style_score"].(float64); score != 1 {
		t.Fatalf("clean code scored %v", clean)
	}

	messy := invoke(t, reg, "check_style", map[string]interface{}{
		"code": "x = 1   \n" + strings.Repeat("y", 120) + "\n",
	})
	if score, _ := messy["style_score"].(float64); score != 0 {
		t.Fatalf("messy code scored %v", messy)
	}
}

func TestComputeFinalGrade(t *testing.T) {
	reg := builtinsRegistry(t)
	payload := invoke(t, reg, "compute_final_grade", map[string]interface{}{
		"score": 4.5, "max_score": 5, "feedback": "solid work",
	})
	if payload["total_score"] != 4.5 || payload["max_score"] != 5.0 {
		t.Fatalf("unexpected grade payload: %v", payload)
	}
	if payload["percentage"] != 90.0 {
		t.Fatalf("unexpected percentage: %v", payload["percentage"])
	}
	if summary, _ := payload["summary"].(string); !strings.Contains(summary, "4.5 / 5 pts") {
		t.Fatalf("unexpected summary: %q", summary)
	}
	if breakdown, ok := payload["breakdown"].(map[string]interface{}); !ok {
		t.Fatalf("payload lacks a breakdown object: %v", payload)
	} else if len(breakdown) != 0 {
		t.Fatalf("breakdown should be empty without check results: %v", breakdown)
	}
}

func TestComputeFinalGradeBreakdown(t *testing.T) {
	reg := builtinsRegistry(t)
	payload := invoke(t, reg, "compute_final_grade", map[string]interface{}{
		"score": 7, "max_score": 10,
		"checks": map[string]interface{}{
			"syntax":        map[string]interface{}{"earned": 3, "possible": 3},
			"documentation": map[string]interface{}{"earned": 4, "possible": 7, "feedback": "Partial documentation"},
		},
	})
	breakdown, ok := payload["breakdown"].(map[string]interface{})
	if !ok || len(breakdown) != 2 {
		t.Fatalf("unexpected breakdown: %v", payload)
	}
	docs, _ := breakdown["documentation"].(map[string]interface{})
	if docs["earned"] != 4.0 || docs["possible"] != 7.0 {
		t.Fatalf("unexpected documentation entry: %v", docs)
	}
	if docs["feedback"] != "Partial documentation" {
		t.Fatalf("check feedback lost: %v", docs)
	}
	syntax, _ := breakdown["syntax"].(map[string]interface{})
	if syntax["earned"] != 3.0 || syntax["possible"] != 3.0 {
		t.Fatalf("unexpected syntax entry: %v", syntax)
	}
}

func TestComputeFinalGradeClampsAndValidates(t *testing.T) {
	reg := builtinsRegistry(t)

	clamped := invoke(t, reg, "compute_final_grade", map[string]interface{}{
		"score": 9, "max_score": 5,
	})
	if clamped["total_score"] != 5.0 {
		t.Fatalf("score not clamped to max: %v", clamped)
	}

	if _, err := reg.Invoke(context.Background(), "compute_final_grade",
		map[string]interface{}{"score": -1, "max_score": 5}); err == nil {
		t.Fatalf("negative score should be rejected")
	}
}

func TestBalancedDelimiters(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"", true},
		{"(a[b]{c})", true},
		{`"un)balanced inside string"`, true},
		{"'it\\'s fine'", true},
		{"(]", false},
		{"((", false},
		{")", false},
	}
	for _, c := range cases {
		got, _ := balancedDelimiters(c.code)
		if got != c.want {
			t.Fatalf("balancedDelimiters(%q) = %v, want %v", c.code, got, c.want)
		}
	}
}
