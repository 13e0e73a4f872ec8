package assembler

import "regexp"

// Rule raises the priority of chunks whose text matches a pattern. Rules
// never lower priority, so a chunk keeps the strongest tag it earns.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Priority int
}

// DefaultRules tag content that tends to matter more than its source rank
// suggests: code, errors, unresolved questions, and anything time-bound.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "code_block",
			Pattern:  regexp.MustCompile("(?s)```.*```|\\b(func|class|def|import)\\b"),
			Priority: 70,
		},
		{
			Name:     "error_text",
			Pattern:  regexp.MustCompile(`(?i)\b(error|failed|failure|exception|panic|timeout)\b`),
			Priority: 65,
		},
		{
			Name:     "open_question",
			Pattern:  regexp.MustCompile(`(?i)\?\s*$|\b(unresolved|undecided|open question)\b`),
			Priority: 60,
		},
		{
			Name:     "time_sensitive",
			Pattern:  regexp.MustCompile(`(?i)\b(today|tomorrow|tonight|deadline|due|by (monday|tuesday|wednesday|thursday|friday|saturday|sunday))\b`),
			Priority: 55,
		},
	}
}

// applyRules runs every rule against every chunk, keeping the highest
// priority seen. The incoming message chunk is exempt; it already outranks
// everything.
func applyRules(rules []Rule, chunks []*Chunk) {
	for _, c := range chunks {
		if c.Source == SourceMessage {
			continue
		}
		for _, r := range rules {
			if r.Priority > c.Priority && r.Pattern.MatchString(c.Text) {
				c.Priority = r.Priority
			}
		}
	}
}
