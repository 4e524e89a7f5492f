package tasks

import (
	"strings"
)

// DefaultReviewThreshold is the minimum auto-review score that lets a
// submission through to the boss.
const DefaultReviewThreshold = 70

// Submission is a worker's completion claim, scored before it reaches the boss.
type Submission struct {
	TaskID       string
	ProofRefs    []string // media file ids or links
	Notes        string
	Criteria     []string // the task's acceptance criteria
	MessageCount int      // worker messages on this task, proxy for communication
}

// ReviewScore is the weighted auto-review result.
type ReviewScore struct {
	Total       int // 0..100
	Proof       int // 0..100, weight 40%
	Notes       int // 0..100, weight 30%
	Criteria    int // 0..100, weight 20%
	Comms       int // 0..100, weight 10%
	Suggestions []string
}

// Passes reports whether the submission may be surfaced to the boss.
func (s ReviewScore) Passes(threshold int) bool { return s.Total >= threshold }

// ScoreSubmission runs the deterministic pre-review. Weights: proof quality
// 40, notes completeness 30, criteria coverage 20, communication 10.
func ScoreSubmission(sub Submission) ReviewScore {
	var score ReviewScore

	switch {
	case len(sub.ProofRefs) >= 2:
		score.Proof = 100
	case len(sub.ProofRefs) == 1:
		score.Proof = 70
	default:
		score.Proof = 0
		score.Suggestions = append(score.Suggestions, "attach a screenshot, link or file as proof of completion")
	}

	notes := strings.TrimSpace(sub.Notes)
	words := len(strings.Fields(notes))
	switch {
	case words >= 30:
		score.Notes = 100
	case words >= 10:
		score.Notes = 70
	case words > 0:
		score.Notes = 40
		score.Suggestions = append(score.Suggestions, "describe what was done in a few sentences")
	default:
		score.Notes = 0
		score.Suggestions = append(score.Suggestions, "add completion notes describing what was done")
	}

	if len(sub.Criteria) == 0 {
		// No criteria on the task: nothing to cover, full marks.
		score.Criteria = 100
	} else {
		covered := 0
		lowerNotes := strings.ToLower(notes)
		for _, c := range sub.Criteria {
			if criterionMentioned(lowerNotes, c) {
				covered++
			}
		}
		score.Criteria = 100 * covered / len(sub.Criteria)
		if covered < len(sub.Criteria) {
			score.Suggestions = append(score.Suggestions, "address each acceptance criterion explicitly in the notes")
		}
	}

	switch {
	case sub.MessageCount >= 3:
		score.Comms = 100
	case sub.MessageCount > 0:
		score.Comms = 60
	default:
		score.Comms = 30
	}

	score.Total = (score.Proof*40 + score.Notes*30 + score.Criteria*20 + score.Comms*10) / 100
	return score
}

// criterionMentioned checks whether any significant word of the criterion
// appears in the notes.
func criterionMentioned(lowerNotes, criterion string) bool {
	for _, w := range strings.Fields(strings.ToLower(criterion)) {
		if len(w) >= 4 && strings.Contains(lowerNotes, w) {
			return true
		}
	}
	return false
}
