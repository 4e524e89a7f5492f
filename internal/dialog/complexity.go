package dialog

import (
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/taskpilot/internal/tasks"
)

// skipPhrases mark a request as "don't ask, just do it": they zero the
// clarification budget and auto-confirm every fragment of a batch.
var skipPhrases = []string{"no questions", "just do", "just create"}

// Complexity scoring drives how much clarification a new task gets. The
// keyword table is deliberately dumb and auditable.
var complexityWeights = []struct {
	words  []string
	weight int
}{
	{[]string{"fix", "typo", "quick", "small", "simple"}, -2},
	{skipPhrases, -3},
	{[]string{"system", "architecture", "integration", "migration", "refactor"}, +2},
	{[]string{"multiple", "comprehensive", "complete", "entire", "all"}, +2},
	{[]string{"api", "database", "payment", "auth", "security"}, +1},
}

const baseComplexity = 5

type weightedPattern struct {
	re     *regexp.Regexp
	weight int
}

// keywordPatterns matches each keyword on word boundaries: "api" must not
// fire inside "rapid", nor "fix" inside "prefix".
var keywordPatterns = compileWeights()

func compileWeights() []weightedPattern {
	var out []weightedPattern
	for _, row := range complexityWeights {
		for _, w := range row.words {
			out = append(out, weightedPattern{
				re:     regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`),
				weight: row.weight,
			})
		}
	}
	return out
}

// ScoreComplexity returns a 1..10 complexity estimate for a task request.
func ScoreComplexity(msg string) int {
	lower := strings.ToLower(msg)
	score := baseComplexity
	for _, p := range keywordPatterns {
		if p.re.MatchString(lower) {
			score += p.weight
		}
	}
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

// skipsQuestions reports whether the message carries an explicit "don't ask"
// marker.
func skipsQuestions(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range skipPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Clarification budget per complexity band.
func questionBudget(complexity int) int {
	switch {
	case complexity <= 3:
		return 0
	case complexity <= 6:
		return 2
	default:
		return 4
	}
}

// Question ids; the set is fixed so answers can be applied deterministically.
const (
	QAssignee = "assignee"
	QDeadline = "deadline"
	QPriority = "priority"
	QDetails  = "details"
)

type question struct {
	ID       string `json:"id"`
	Prompt   string `json:"prompt"`
	Critical bool   `json:"critical"`
}

var allQuestions = []question{
	{QAssignee, "Who should this be assigned to?", true},
	{QDeadline, "When is this due?", true},
	{QPriority, "What priority? (urgent/high/medium/low)", false},
	{QDetails, "Any details or acceptance criteria to add?", false},
}

// planQuestions returns the questions still unanswered after self-answering,
// capped by the complexity budget. Critical questions fill the budget first.
func planQuestions(d *tasks.Draft, complexity int, prefs map[string]string) []question {
	budget := questionBudget(complexity)
	if budget == 0 {
		applyDefaults(d, prefs)
		return nil
	}

	var open []question
	for _, q := range allQuestions {
		if selfAnswer(q.ID, d, prefs) {
			continue
		}
		open = append(open, q)
	}

	var picked []question
	for _, q := range open {
		if q.Critical && len(picked) < budget {
			picked = append(picked, q)
		}
	}
	for _, q := range open {
		if !q.Critical && len(picked) < budget {
			picked = append(picked, q)
		}
	}
	return picked
}

// selfAnswer tries to resolve a question without asking: extracted fields
// first, then saved preferences, then deterministic defaults for the
// non-critical ones.
func selfAnswer(id string, d *tasks.Draft, prefs map[string]string) bool {
	switch id {
	case QAssignee:
		if d.AssigneeName != "" {
			return true
		}
		if p := prefs["default_assignee"]; p != "" {
			d.AssigneeName = p
			return true
		}
	case QDeadline:
		if d.Deadline != nil {
			return true
		}
		if p := prefs["default_deadline"]; p == "none" {
			return true
		}
	case QPriority:
		if d.Priority != "" {
			return true
		}
		if p := prefs["default_priority"]; p != "" {
			d.Priority = p
			return true
		}
		// Non-critical: default applies rather than asking when the budget
		// is tight, handled by ordering in planQuestions.
	case QDetails:
		if d.Description != "" || len(d.AcceptanceCriteria) > 0 {
			return true
		}
	}
	return false
}

// applyDefaults fills a low-complexity draft without asking anything.
func applyDefaults(d *tasks.Draft, prefs map[string]string) {
	if d.Priority == "" {
		if p := prefs["default_priority"]; p != "" {
			d.Priority = p
		} else {
			d.Priority = "medium"
		}
	}
	if d.AssigneeName == "" {
		d.AssigneeName = prefs["default_assignee"]
	}
}
