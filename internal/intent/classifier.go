package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/llm"
)

const systemPrompt = `You classify one chat message from a manager coordinating tasks.
Respond with a JSON object: {"intent": string, "confidence": number 0-1, "reasoning": string, "fields": {string: string}}.
intent must be one of: create_task, modify_task, reassign_task, change_priority, change_deadline, change_status, add_tags, remove_tags, add_subtask, complete_subtask, add_dependency, remove_dependency, duplicate_task, split_task, task_done, submit_proof, check_status, check_overdue, search_tasks, bulk_complete, delay_task, add_team_member, ask_team_member, teach_preference, approve_task, reject_task, cancel_task, clear_tasks, archive_tasks, help, greeting.
fields may include: title, assignee, priority, deadline, task_id, tags, query, reason.
Use the conversation context to disambiguate short replies.`

// Classifier turns messages into Results using an LLM, then overwrites the
// structured fields with deterministic extraction so repeated runs on the
// same message agree.
type Classifier struct {
	llm *llm.Client
	loc *time.Location
}

func NewClassifier(client *llm.Client, loc *time.Location) *Classifier {
	if loc == nil {
		loc = time.UTC
	}
	return &Classifier{llm: client, loc: loc}
}

// Classify returns the intent for msg. contextSnapshot is a short rendering
// of recent conversation turns; empty is fine for fresh conversations.
// Classification failures degrade to Unknown with zero confidence so the
// dialog layer asks a clarifying question instead of erroring at the user.
func (c *Classifier) Classify(ctx context.Context, msg, contextSnapshot string) Result {
	res, err := c.classifyLLM(ctx, msg, contextSnapshot)
	if err != nil {
		slog.Warn("intent classification failed", "error", err)
		res = Result{Intent: Unknown, Confidence: 0, Reasoning: "classifier unavailable"}
	}

	if res.Fields == nil {
		res.Fields = map[string]string{}
	}
	c.overlayDeterministic(msg, &res)
	return res
}

func (c *Classifier) classifyLLM(ctx context.Context, msg, contextSnapshot string) (Result, error) {
	user := msg
	if contextSnapshot != "" {
		user = "Context:\n" + contextSnapshot + "\n\nMessage:\n" + msg
	}

	resp, err := c.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: 0.1,
		MaxTokens:   400,
		JSONMode:    true,
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &res); err != nil {
		return Result{}, fmt.Errorf("parse classification: %w", err)
	}

	if !Known(res.Intent) {
		res.Intent = Unknown
		res.Confidence = 0
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	return res, nil
}

// overlayDeterministic re-extracts dates, priorities and task ids from the
// raw message. Parsed values replace the model's; model values survive only
// where parsing found nothing.
func (c *Classifier) overlayDeterministic(msg string, res *Result) {
	now := time.Now().In(c.loc)

	if ids := ExtractTaskIDs(msg); len(ids) > 0 {
		res.Fields["task_id"] = ids[0]
		if len(ids) > 1 {
			res.Fields["task_ids"] = strings.Join(ids, ",")
		}
	}
	if p := ExtractPriority(msg); p != "" {
		res.Fields["priority"] = p
	}
	if d := ExtractDeadline(msg, now); d != nil {
		res.Fields["deadline"] = d.Format(time.RFC3339)
	}
	if a := ExtractAssignee(msg); a != "" && res.Fields["assignee"] == "" {
		res.Fields["assignee"] = a
	}
}
