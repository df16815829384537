// Package recovery turns free-form model completions into schema-valid
// structured values. Model output is not guaranteed to be well-formed JSON
// even under instruction: completions arrive wrapped in markdown fences,
// surrounded by prose, with smart quotes, trailing commas, or with example
// JSON echoed next to the real answer. Strict parsing is attempted first so
// the common case pays no repair cost; only then does the layered fallback
// chain run.
package recovery

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const rawLogLimit = 2000

// Error is the typed failure returned when no candidate fragment of the
// completion validates against the target schema. CorrelationID ties a
// user-visible failure to the logged raw output.
type Error struct {
	CorrelationID string
	Raw           string // newline-stripped, truncated
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("recovery failed (log_id=%s): %v", e.CorrelationID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Target describes the shape a completion must decode into: a compiled JSON
// Schema plus the key tokens used to score competing candidate fragments.
type Target struct {
	schema *jsonschema.Schema
	keys   []string
}

// NewTarget compiles a JSON Schema document and records the expected key
// tokens for candidate scoring.
func NewTarget(schemaJSON string, keys []string) (*Target, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("target.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("target.json")
	if err != nil {
		return nil, fmt.Errorf("compile target schema: %w", err)
	}
	return &Target{schema: schema, keys: keys}, nil
}

// Decoder extracts structured values from raw completions.
type Decoder struct {
	logger *log.Logger
}

// NewDecoder creates a decoder. A nil logger falls back to the default writer.
func NewDecoder(logger *log.Logger) *Decoder {
	if logger == nil {
		logger = log.New(log.Writer(), "[RECOVERY] ", log.LstdFlags)
	}
	return &Decoder{logger: logger}
}

// Decode parses raw into out, requiring conformance to the target schema.
// On success out holds the decoded value. On failure a *Error is returned
// carrying a short correlation id; the raw output is logged once, here.
func (d *Decoder) Decode(raw string, target *Target, out interface{}) error {
	// Common case: the completion is exactly the requested object.
	if tryDecode([]byte(raw), target, out) {
		return nil
	}

	candidates := balancedSpans(raw)
	scoreCandidates(candidates, target.keys)

	for _, c := range candidates {
		for _, repaired := range repairs(c.text) {
			if tryDecode([]byte(repaired), target, out) {
				return nil
			}
		}
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	sanitized := strings.TrimSpace(strings.ReplaceAll(raw, "\n", " "))
	if len(sanitized) > rawLogLimit {
		sanitized = sanitized[:rawLogLimit]
	}
	d.logger.Printf("no schema-valid JSON in completion (log_id=%s): %s", id, sanitized)
	return &Error{
		CorrelationID: id,
		Raw:           sanitized,
		Err:           fmt.Errorf("no candidate matched target schema (%d candidates)", len(candidates)),
	}
}

// tryDecode parses data, validates it against the target schema, and on
// success unmarshals it into out.
func tryDecode(data []byte, target *Target, out interface{}) bool {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	if target.schema != nil {
		if err := target.schema.Validate(doc); err != nil {
			return false
		}
	}
	return json.Unmarshal(data, out) == nil
}

type candidate struct {
	text  string
	score int
	pos   int
}

// balancedSpans collects every maximal balanced {...} or [...] span in text,
// tracking string-quote state and escapes so brackets inside string literals
// are not miscounted.
func balancedSpans(text string) []candidate {
	var out []candidate
	i := 0
	for i < len(text) {
		open := text[i]
		if open != '{' && open != '[' {
			i++
			continue
		}
		var close byte = '}'
		if open == '[' {
			close = ']'
		}
		depth := 0
		inString := false
		escape := false
		j := i
		matched := false
		for ; j < len(text); j++ {
			ch := text[j]
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = !inString
			case inString:
			case ch == open:
				depth++
			case ch == close:
				depth--
				if depth == 0 {
					out = append(out, candidate{text: text[i : j+1], pos: len(out)})
					i = j
					matched = true
				}
			}
			if matched {
				break
			}
		}
		i++
	}
	return out
}

// scoreCandidates orders candidates by how many schema-relevant key tokens
// they contain, descending, stable on discovery order for ties.
func scoreCandidates(candidates []candidate, keys []string) {
	for i := range candidates {
		for _, k := range keys {
			if strings.Contains(candidates[i].text, k) {
				candidates[i].score++
			}
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].score != candidates[b].score {
			return candidates[a].score > candidates[b].score
		}
		return candidates[a].pos < candidates[b].pos
	})
}

var trailingCommaRE = regexp.MustCompile(`,(\s*[}\]])`)

// repairs yields the candidate followed by its progressively repaired forms:
// trailing commas stripped, quotes normalized, bare backslashes escaped.
func repairs(s string) []string {
	return []string{
		s,
		trailingCommaRE.ReplaceAllString(s, "$1"),
		normalizeQuotes(s),
		escapeBareBackslashes(s),
	}
}

// normalizeQuotes maps smart quotes to their ASCII forms and single quotes to
// double quotes, matching the most common model quoting mistakes.
func normalizeQuotes(s string) string {
	r := strings.NewReplacer(
		"“", `"`, "”", `"`,
		"‘", "'", "’", "'",
	)
	return strings.ReplaceAll(r.Replace(s), "'", `"`)
}

// escapeBareBackslashes doubles backslashes that do not begin a valid JSON
// escape sequence.
func escapeBareBackslashes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			if i+1 < len(s) && strings.IndexByte(`"\/bfnrtu`, s[i+1]) >= 0 {
				b.WriteByte(s[i])
				b.WriteByte(s[i+1])
				i++
				continue
			}
			b.WriteString(`\\`)
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
