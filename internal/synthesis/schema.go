package synthesis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/relearnhq/stepline/internal/timecode"
)

// stepListSchema validates the JSON array the LLM strategy expects.
// Times may arrive as numbers or strings ("90", "1:30"); the parser
// sorts that out after validation.
const stepListSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["text"],
		"properties": {
			"order": {"type": "integer"},
			"text": {"type": "string", "minLength": 1},
			"startTime": {"type": ["number", "string"]},
			"endTime": {"type": ["number", "string"]}
		}
	}
}`

var compiledStepSchema = gojsonschema.NewStringLoader(stepListSchema)

// rawStep tolerates the loose typing LLMs produce.
type rawStep struct {
	Order     int             `json:"order"`
	Text      string          `json:"text"`
	StartTime json.RawMessage `json:"startTime"`
	EndTime   json.RawMessage `json:"endTime"`
}

// parseStepJSON validates and decodes a model reply into steps with
// numeric timings. The reply may be fenced in a markdown code block.
func parseStepJSON(reply string) ([]Step, error) {
	payload := stripCodeFence(reply)

	result, err := gojsonschema.Validate(compiledStepSchema, gojsonschema.NewStringLoader(payload))
	if err != nil {
		return nil, fmt.Errorf("step json is not valid json: %w", err)
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			issues = append(issues, desc.String())
		}
		return nil, fmt.Errorf("step json failed schema validation: %s", strings.Join(issues, "; "))
	}

	var raw []rawStep
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode step json: %w", err)
	}

	steps := make([]Step, 0, len(raw))
	for _, r := range raw {
		start, err := parseTimeValue(r.StartTime)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", r.Text, err)
		}
		end, err := parseTimeValue(r.EndTime)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", r.Text, err)
		}
		steps = append(steps, Step{
			Ord:   r.Order,
			Text:  r.Text,
			Start: start,
			End:   end,
		})
	}
	return steps, nil
}

// parseTimeValue accepts a JSON number, a numeric string, or "mm:ss".
// Absent values come back as 0 for the normalizer to repair.
func parseTimeValue(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("unreadable time value %s", string(raw))
	}
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	return timecode.ParseSeconds(text)
}

func stripCodeFence(reply string) string {
	s := strings.TrimSpace(reply)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
