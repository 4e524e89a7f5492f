package tasks

import (
	"strings"
	"testing"
)

func TestScoreSubmissionFull(t *testing.T) {
	notes := strings.Repeat("implemented the login redirect fix and verified on staging ", 5)
	score := ScoreSubmission(Submission{
		TaskID:       "TASK-20260115-001",
		ProofRefs:    []string{"file-1", "file-2"},
		Notes:        notes,
		Criteria:     []string{"login works", "redirect fixed"},
		MessageCount: 4,
	})

	if score.Proof != 100 || score.Notes != 100 || score.Comms != 100 {
		t.Errorf("component scores = %+v", score)
	}
	if score.Criteria != 100 {
		t.Errorf("criteria coverage = %d, want 100", score.Criteria)
	}
	if score.Total != 100 {
		t.Errorf("total = %d", score.Total)
	}
	if !score.Passes(DefaultReviewThreshold) {
		t.Error("full submission must pass")
	}
}

func TestScoreSubmissionEmpty(t *testing.T) {
	score := ScoreSubmission(Submission{TaskID: "TASK-20260115-002"})

	if score.Passes(DefaultReviewThreshold) {
		t.Errorf("empty submission must not pass, total = %d", score.Total)
	}
	if len(score.Suggestions) < 2 {
		t.Errorf("suggestions = %v, want proof and notes suggestions", score.Suggestions)
	}
}

func TestScoreSubmissionWeights(t *testing.T) {
	// Proof only: 100*40/100 = 40, notes 0, criteria 100 (none set) -> 20,
	// comms 30 -> 3. Total 63: below threshold.
	score := ScoreSubmission(Submission{ProofRefs: []string{"a", "b"}})
	if score.Total != 63 {
		t.Errorf("total = %d, want 63", score.Total)
	}
	if score.Passes(DefaultReviewThreshold) {
		t.Error("proof alone must not pass the default threshold")
	}
	// A lower configured threshold lets it through.
	if !score.Passes(60) {
		t.Error("should pass a threshold of 60")
	}
}

func TestScoreSubmissionPartialCriteria(t *testing.T) {
	score := ScoreSubmission(Submission{
		ProofRefs:    []string{"a"},
		Notes:        "fixed the redirect and deployed to staging for checks",
		Criteria:     []string{"redirect fixed", "unit tests added"},
		MessageCount: 1,
	})
	if score.Criteria != 50 {
		t.Errorf("criteria = %d, want 50", score.Criteria)
	}
	hasSuggestion := false
	for _, s := range score.Suggestions {
		if strings.Contains(s, "criterion") {
			hasSuggestion = true
		}
	}
	if !hasSuggestion {
		t.Errorf("suggestions = %v", score.Suggestions)
	}
}
