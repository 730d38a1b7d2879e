package answer

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/relearnhq/stepline/internal/persistence"
	"github.com/relearnhq/stepline/internal/timecode"
)

// stopwords are dropped from questions before keyword matching.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"do": {}, "does": {}, "did": {}, "can": {}, "could": {}, "should": {},
	"how": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {}, "why": {},
	"i": {}, "you": {}, "it": {}, "my": {}, "your": {}, "to": {}, "of": {}, "in": {},
	"on": {}, "at": {}, "for": {}, "with": {}, "and": {}, "or": {}, "this": {}, "that": {},
}

// ruleMatch finds the step whose text best covers the question's
// keywords. Deterministic, no external calls: the tier that still
// works when every AI backend is down.
func ruleMatch(question string, steps []persistence.Step) (persistence.Step, bool) {
	terms := keywords(question)
	if len(terms) == 0 || len(steps) == 0 {
		return persistence.Step{}, false
	}

	best := -1
	bestScore := 0
	for i, step := range steps {
		text := strings.ToLower(step.Text)
		score := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				score++
			}
		}
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 {
		return persistence.Step{}, false
	}
	return steps[best], true
}

// composeRuleAnswer points the user at the matched step and its
// timecode.
func composeRuleAnswer(step persistence.Step) string {
	return fmt.Sprintf("Around %s in the video: %s", timecode.Format(step.StartSeconds), step.Text)
}

func keywords(question string) []string {
	fields := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	ret := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		ret = append(ret, f)
	}
	return ret
}
