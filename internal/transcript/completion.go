package transcript

import "strings"

// CompletionDetector decides whether a finalized assistant response ends
// the conversation. The matching strategy is pluggable so the phrase
// heuristic can be replaced by a server-driven flag without touching the
// state machine.
type CompletionDetector interface {
	IsComplete(content string) bool
}

// DefaultCompletionPhrases is the product's closed set of concluding
// remarks and readiness statements, matched case-insensitively.
var DefaultCompletionPhrases = []string{
	"this conversation is now complete",
	"we've covered everything you asked for",
	"your request has been completed",
	"i'm ready to proceed whenever you are",
	"is there anything else i can help you with",
}

// PhraseDetector matches a fixed phrase list, case-insensitively.
type PhraseDetector struct {
	phrases []string
}

// NewPhraseDetector creates a detector for the given phrases. With no
// phrases it falls back to DefaultCompletionPhrases.
func NewPhraseDetector(phrases ...string) *PhraseDetector {
	if len(phrases) == 0 {
		phrases = DefaultCompletionPhrases
	}
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return &PhraseDetector{phrases: lowered}
}

// IsComplete reports whether content contains any completion phrase.
func (d *PhraseDetector) IsComplete(content string) bool {
	lowered := strings.ToLower(content)
	for _, phrase := range d.phrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
