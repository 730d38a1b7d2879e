package answer

import "strings"

// minAnswerLength is the shortest reply worth serving; anything under
// it is treated as a non-answer.
const minAnswerLength = 10

// placeholderMarkers are the boilerplate signatures completion
// backends emit instead of admitting they have nothing. A reply
// containing any of them is rejected and the ladder falls through.
var placeholderMarkers = []string{
	"i'm sorry, i cannot",
	"i am sorry, i cannot",
	"i'm sorry, but i",
	"i cannot assist",
	"i can't assist",
	"i cannot answer",
	"i can't answer",
	"unable to assist",
	"as an ai language model",
	"as an ai model",
	"i don't have access to",
	"i do not have access to",
	"no context provided",
	"not enough context",
	"the supplied context does not",
	"[insert",
	"[your answer",
	"lorem ipsum",
}

// IsPlaceholder reports whether a generated reply is boilerplate
// rather than a real answer.
func IsPlaceholder(reply string) bool {
	trimmed := strings.TrimSpace(reply)
	if len(trimmed) < minAnswerLength {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
