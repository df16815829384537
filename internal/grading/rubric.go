// Package grading holds the rubric document model and the built-in
// deterministic grading capabilities. Scoring heuristics here are
// intentionally simple checks; the reasoning about which to apply and how to
// combine them belongs to the agent loop.
package grading

import (
	"encoding/json"
	"fmt"

	"github.com/gradepilot/gradepilot/internal/agent/core"
)

// Document is an uploaded rubric: a list of graded items plus an optional
// total. Read-only to the core.
type Document struct {
	Title       string  `json:"title,omitempty"`
	RubricItems []Item  `json:"rubric_items"`
	TotalPoints float64 `json:"total_points,omitempty"`
}

// Item is a single rubric criterion.
type Item struct {
	ID             string   `json:"id"`
	Label          string   `json:"label,omitempty"`
	Description    string   `json:"description"`
	MaxScore       float64  `json:"max_score"`
	MaxPoints      float64  `json:"max_points,omitempty"` // legacy alias for max_score
	PromptTemplate string   `json:"prompt_template,omitempty"`
	Weight         float64  `json:"weight,omitempty"`
	Items          []string `json:"items,omitempty"` // required elements checklist
}

// Parse decodes a rubric document, folding the legacy max_points alias into
// max_score and rejecting items without ids.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rubric is not valid JSON: %w", err)
	}
	if len(doc.RubricItems) == 0 {
		return nil, fmt.Errorf("rubric has no items")
	}
	seen := make(map[string]bool, len(doc.RubricItems))
	for i := range doc.RubricItems {
		item := &doc.RubricItems[i]
		if item.ID == "" {
			return nil, fmt.Errorf("rubric item %d has no id", i)
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("duplicate rubric item id: %s", item.ID)
		}
		seen[item.ID] = true
		if item.MaxScore == 0 && item.MaxPoints > 0 {
			item.MaxScore = item.MaxPoints
		}
		item.MaxPoints = 0
	}
	return &doc, nil
}

// Select returns the items matching the given ids, or all items when ids is
// empty. Unknown ids are skipped.
func (d *Document) Select(ids []string) []Item {
	if len(ids) == 0 {
		return d.RubricItems
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []Item
	for _, item := range d.RubricItems {
		if wanted[item.ID] {
			out = append(out, item)
		}
	}
	return out
}

// CoreItems converts rubric items to the dispatcher's form, synthesizing a
// prompt template for items that do not carry one.
func CoreItems(items []Item) []core.RubricItem {
	out := make([]core.RubricItem, 0, len(items))
	for _, item := range items {
		template := item.PromptTemplate
		if template == "" {
			template = defaultTemplate(item)
		}
		out = append(out, core.RubricItem{
			ID:             item.ID,
			Description:    item.Description,
			MaxScore:       item.MaxScore,
			PromptTemplate: template,
			Weight:         item.Weight,
		})
	}
	return out
}

func defaultTemplate(item Item) string {
	prompt := fmt.Sprintf(
		"Grade the following submission against this criterion (worth %g points): %s\n\nSubmission:\n{{submission}}\n\n"+
			"Use the available capabilities to inspect the submission, then finish by invoking compute_final_grade with your score out of %g.",
		item.MaxScore, item.Description, item.MaxScore)
	if len(item.Items) > 0 {
		data, _ := json.Marshal(item.Items)
		prompt += fmt.Sprintf("\nRequired elements to check for: %s", data)
	}
	return prompt
}
