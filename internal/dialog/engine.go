// Package dialog is the conversation state machine. Each user has at most one
// open conversation; the engine serializes handling per user, persists stage
// and scratch after every turn, and hands finished drafts to the task
// processor.
package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskpilot/internal/bus"
	"github.com/nextlevelbuilder/taskpilot/internal/intent"
	"github.com/nextlevelbuilder/taskpilot/internal/sessions"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
	"github.com/nextlevelbuilder/taskpilot/internal/tasks"
)

// Conversation stages.
const (
	StageIdle             = "idle"
	StageCreating         = "creating"
	StageClarifying       = "clarifying"
	StagePreview          = "preview"
	StageAwaitingConfirm  = "awaiting_confirm"
	StageBatchProcessing  = "batch_processing"
	StageSpecDetail       = "spec_detail"
	StageSubmittingProof  = "submitting_proof"
	StageAddingNotes      = "adding_notes"
	StageAwaitingValidate = "awaiting_validation"
	StageModifying        = "modifying"
	StageClosed           = "closed"
)

// IdleTimeout closes conversations with no activity.
const IdleTimeout = 2 * time.Hour

// TaskService is the slice of the task processor the engine drives.
type TaskService interface {
	Create(ctx context.Context, d tasks.Draft) (*tasks.CreateResult, error)
	ChangeStatus(ctx context.Context, taskID, newStatus, actor string) (*store.Task, error)
	SubmitForValidation(ctx context.Context, taskID, actor, notes string) error
}

// scratch is the engine-owned JSON blob stored on the conversation.
type scratch struct {
	Draft         tasks.Draft   `json:"draft"`
	Questions     []question    `json:"questions,omitempty"`
	QIndex        int           `json:"q_index,omitempty"`
	Complexity    int           `json:"complexity,omitempty"`
	Batch         []tasks.Draft `json:"batch,omitempty"`
	BatchIndex    int           `json:"batch_index,omitempty"`
	PendingTaskID string        `json:"pending_task_id,omitempty"`
	ProofRefs     []string      `json:"proof_refs,omitempty"`
	Notes         string        `json:"notes,omitempty"`
}

// Engine drives conversations.
type Engine struct {
	convs    store.ConversationStore
	reads    store.TaskStore
	sess     *sessions.Store
	svc      TaskService
	loc      *time.Location
	reviewAt int // auto-review threshold

	userLocks sync.Map // userID -> *sync.Mutex
	clock     func() time.Time
}

func NewEngine(convs store.ConversationStore, reads store.TaskStore, sess *sessions.Store,
	svc TaskService, loc *time.Location, reviewThreshold int) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if reviewThreshold <= 0 {
		reviewThreshold = tasks.DefaultReviewThreshold
	}
	return &Engine{
		convs: convs, reads: reads, sess: sess, svc: svc,
		loc: loc, reviewAt: reviewThreshold, clock: time.Now,
	}
}

func (e *Engine) lock(userID string) func() {
	m, _ := e.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

var affirmations = map[string]bool{
	"yes": true, "y": true, "ok": true, "okay": true, "sure": true,
	"confirm": true, "yep": true, "yeah": true, "go": true, "do it": true,
}

var negations = map[string]bool{
	"no": true, "n": true, "nope": true, "nah": true,
}

func isAffirmation(text string) bool {
	return affirmations[strings.ToLower(strings.TrimSpace(text))]
}

func isNegation(text string) bool {
	return negations[strings.ToLower(strings.TrimSpace(text))]
}

func isCancel(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "cancel" || t == "/cancel" || t == "cancel all"
}

// StartCreate opens a fresh conversation seeded from a classified create
// intent. Splits batches deterministically before anything else.
func (e *Engine) StartCreate(ctx context.Context, in bus.Inbound, res intent.Result) (string, error) {
	unlock := e.lock(in.UserID)
	defer unlock()

	shared, fragments := SplitBatch(in.Text)
	if len(fragments) > 1 {
		return e.startBatch(ctx, in, shared, fragments)
	}

	draft := e.draftFromFields(in, res.Fields)
	return e.beginCreating(ctx, in, draft, in.Text)
}

// Preempt implements the slash-command override: any open conversation is
// cancelled and a fresh create starts immediately.
func (e *Engine) Preempt(ctx context.Context, in bus.Inbound, text string, urgent bool) (string, error) {
	unlock := e.lock(in.UserID)
	defer unlock()

	if conv, err := e.convs.GetOpen(ctx, in.UserID); err != nil {
		return "", err
	} else if conv != nil {
		if err := e.convs.Close(ctx, conv.ID); err != nil {
			return "", err
		}
		slog.Info("conversation preempted by slash command", "user", in.UserID, "stage", conv.Stage)
	}

	if strings.TrimSpace(text) == "" {
		return "What's the task?", nil
	}

	fields := map[string]string{}
	draft := e.draftFromFields(in, fields)
	draft.Title = strings.TrimSpace(text)
	if urgent {
		draft.Priority = store.PriorityUrgent
	}
	if p := intent.ExtractPriority(text); p != "" && !urgent {
		draft.Priority = p
	}
	if d := intent.ExtractDeadline(text, e.clock().In(e.loc)); d != nil {
		draft.Deadline = d
	}
	if a := intent.ExtractAssignee(text); a != "" {
		draft.AssigneeName = a
	}
	return e.beginCreating(ctx, in, draft, text)
}

// Continue routes a message into an already-open conversation.
func (e *Engine) Continue(ctx context.Context, in bus.Inbound, conv *store.Conversation) (string, error) {
	unlock := e.lock(in.UserID)
	defer unlock()

	if isCancel(in.Text) {
		if err := e.convs.Close(ctx, conv.ID); err != nil {
			return "", err
		}
		return "Cancelled.", nil
	}

	var sc scratch
	if len(conv.Scratch) > 0 {
		if err := json.Unmarshal(conv.Scratch, &sc); err != nil {
			slog.Warn("unreadable scratch, resetting conversation", "conv", conv.ID, "error", err)
			e.convs.Close(ctx, conv.ID)
			return "Something went wrong with that conversation, let's start over. What do you need?", nil
		}
	}

	_ = e.convs.AppendMessage(ctx, conv.ID, "user", in.Text)

	var reply string
	var err error
	switch conv.Stage {
	case StageClarifying:
		reply, err = e.onClarifyAnswer(ctx, in, conv, &sc)
	case StagePreview:
		reply, err = e.onPreviewReply(ctx, in, conv, &sc)
	case StageBatchProcessing:
		reply, err = e.onBatchReply(ctx, in, conv, &sc)
	case StageSubmittingProof:
		reply, err = e.onProof(ctx, in, conv, &sc)
	case StageAddingNotes:
		reply, err = e.onNotes(ctx, in, conv, &sc)
	case StageSpecDetail:
		reply, err = e.onSpecDetail(ctx, in, conv, &sc)
	default:
		// Unknown or stale stage: close rather than trap the user.
		e.convs.Close(ctx, conv.ID)
		reply = "Let's start fresh. What do you need?"
	}
	if err != nil {
		return "", err
	}
	if reply != "" {
		_ = e.convs.AppendMessage(ctx, conv.ID, "bot", reply)
	}
	return reply, nil
}

// StartSubmission opens the proof-collection flow for a worker's "done".
func (e *Engine) StartSubmission(ctx context.Context, in bus.Inbound, taskID string) (string, error) {
	unlock := e.lock(in.UserID)
	defer unlock()

	task, err := e.reads.GetTaskByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		return fmt.Sprintf("I can't find %s.", taskID), nil
	}

	conv, err := e.convs.OpenConversation(ctx, in.UserID, StageSubmittingProof)
	if err != nil {
		return "", err
	}
	sc := scratch{PendingTaskID: taskID, ProofRefs: in.Media}
	if err := e.saveStage(ctx, conv.ID, StageSubmittingProof, &sc); err != nil {
		return "", err
	}
	if len(in.Media) > 0 {
		return e.askNotes(ctx, conv.ID, &sc)
	}
	return fmt.Sprintf("Great. Send proof for %s (screenshot, link or file).", taskID), nil
}

func (e *Engine) startBatch(ctx context.Context, in bus.Inbound, shared string, fragments []string) (string, error) {
	now := e.clock().In(e.loc)
	var batch []tasks.Draft
	for _, frag := range fragments {
		d := tasks.Draft{
			Title:     frag,
			CreatedBy: in.UserName,
			ChatID:    in.ChatID,
		}
		if shared != "" {
			d.AssigneeName = shared
		} else if a := intent.ExtractAssignee(frag); a != "" {
			d.AssigneeName = a
		}
		if p := intent.ExtractPriority(frag); p != "" {
			d.Priority = p
		}
		if dl := intent.ExtractDeadline(frag, now); dl != nil {
			d.Deadline = dl
		}
		batch = append(batch, d)
	}

	// An explicit "no questions" confirms the whole batch up front.
	if skipsQuestions(in.Text) {
		return e.createBatch(ctx, batch)
	}

	conv, err := e.convs.OpenConversation(ctx, in.UserID, StageBatchProcessing)
	if err != nil {
		return "", err
	}
	sc := scratch{Batch: batch, BatchIndex: 0}
	if err := e.saveStage(ctx, conv.ID, StageBatchProcessing, &sc); err != nil {
		return "", err
	}
	return fmt.Sprintf("Got %d tasks.\n\n%s", len(batch), e.batchPreview(&sc)), nil
}

// createBatch persists every fragment without the per-item yes/skip loop.
func (e *Engine) createBatch(ctx context.Context, batch []tasks.Draft) (string, error) {
	var ids, failed []string
	for _, d := range batch {
		res, err := e.svc.Create(ctx, d)
		if err != nil {
			if store.IsValidation(err) {
				failed = append(failed, d.Title)
				continue
			}
			return "", err
		}
		ids = append(ids, res.Task.TaskID)
	}
	if len(ids) == 0 {
		return "None of those validated, nothing was created.", nil
	}
	reply := fmt.Sprintf("Created %d task(s): %s.", len(ids), strings.Join(ids, ", "))
	if len(failed) > 0 {
		reply += fmt.Sprintf("\nCouldn't create: %s.", strings.Join(failed, "; "))
	}
	return reply, nil
}

func (e *Engine) beginCreating(ctx context.Context, in bus.Inbound, draft tasks.Draft, rawMsg string) (string, error) {
	conv, err := e.convs.OpenConversation(ctx, in.UserID, StageCreating)
	if err != nil {
		return "", err
	}
	_ = e.convs.AppendMessage(ctx, conv.ID, "user", rawMsg)

	sc := scratch{Draft: draft, Complexity: ScoreComplexity(rawMsg)}
	sc.Questions = planQuestions(&sc.Draft, sc.Complexity, e.preferences(ctx, in.UserID))

	var reply string
	if len(sc.Questions) == 0 {
		reply, err = e.toPreview(ctx, conv.ID, &sc)
	} else {
		reply, err = e.askNext(ctx, conv.ID, &sc)
	}
	if err != nil {
		return "", err
	}
	_ = e.convs.AppendMessage(ctx, conv.ID, "bot", reply)
	return reply, nil
}

func (e *Engine) onClarifyAnswer(ctx context.Context, in bus.Inbound, conv *store.Conversation, sc *scratch) (string, error) {
	if sc.QIndex < len(sc.Questions) {
		e.applyAnswer(sc.Questions[sc.QIndex].ID, in.Text, &sc.Draft)
		sc.QIndex++
	}
	if sc.QIndex < len(sc.Questions) {
		return e.askNext(ctx, conv.ID, sc)
	}
	return e.toPreview(ctx, conv.ID, sc)
}

func (e *Engine) onPreviewReply(ctx context.Context, in bus.Inbound, conv *store.Conversation, sc *scratch) (string, error) {
	switch {
	case isAffirmation(in.Text):
		return e.finalize(ctx, conv.ID, sc)
	case isNegation(in.Text):
		sc.Questions = allQuestions
		sc.QIndex = 0
		return e.askNext(ctx, conv.ID, sc)
	default:
		// A correction: re-extract structured fields from it and re-preview.
		e.applyCorrection(in.Text, &sc.Draft)
		return e.toPreview(ctx, conv.ID, sc)
	}
}

func (e *Engine) onBatchReply(ctx context.Context, in bus.Inbound, conv *store.Conversation, sc *scratch) (string, error) {
	text := strings.ToLower(strings.TrimSpace(in.Text))
	switch {
	case isAffirmation(text):
		d := sc.Batch[sc.BatchIndex]
		res, err := e.svc.Create(ctx, d)
		if err != nil {
			if store.IsValidation(err) {
				return "That one didn't validate: " + err.Error() + "\nSay skip to move on or cancel all.", nil
			}
			return "", err
		}
		sc.BatchIndex++
		if sc.BatchIndex >= len(sc.Batch) {
			e.convs.Close(ctx, conv.ID)
			return fmt.Sprintf("Created %s. That's all %d done.", res.Task.TaskID, len(sc.Batch)), nil
		}
		if err := e.saveStage(ctx, conv.ID, StageBatchProcessing, sc); err != nil {
			return "", err
		}
		return fmt.Sprintf("Created %s.\n\n%s", res.Task.TaskID, e.batchPreview(sc)), nil
	case text == "skip":
		sc.BatchIndex++
		if sc.BatchIndex >= len(sc.Batch) {
			e.convs.Close(ctx, conv.ID)
			return "Skipped. Batch finished.", nil
		}
		if err := e.saveStage(ctx, conv.ID, StageBatchProcessing, sc); err != nil {
			return "", err
		}
		return "Skipped.\n\n" + e.batchPreview(sc), nil
	default:
		return "Reply yes to create this one, skip to pass, or cancel to stop the batch.", nil
	}
}

func (e *Engine) onProof(ctx context.Context, in bus.Inbound, conv *store.Conversation, sc *scratch) (string, error) {
	if len(in.Media) > 0 {
		sc.ProofRefs = append(sc.ProofRefs, in.Media...)
	} else if strings.HasPrefix(strings.ToLower(in.Text), "http") {
		sc.ProofRefs = append(sc.ProofRefs, in.Text)
	} else if strings.TrimSpace(in.Text) != "" {
		// Treat free text at this stage as notes and move on.
		sc.Notes = in.Text
		return e.score(ctx, in, conv, sc)
	}
	if len(sc.ProofRefs) == 0 {
		return "I still need proof: a screenshot, link or file.", nil
	}
	return e.askNotes(ctx, conv.ID, sc)
}

func (e *Engine) onNotes(ctx context.Context, in bus.Inbound, conv *store.Conversation, sc *scratch) (string, error) {
	sc.Notes = strings.TrimSpace(in.Text)
	return e.score(ctx, in, conv, sc)
}

// onSpecDetail collects free-form detail into the draft description until the
// user says done.
func (e *Engine) onSpecDetail(ctx context.Context, in bus.Inbound, conv *store.Conversation, sc *scratch) (string, error) {
	if strings.EqualFold(strings.TrimSpace(in.Text), "done") {
		return e.toPreview(ctx, conv.ID, sc)
	}
	if sc.Draft.Description != "" {
		sc.Draft.Description += "\n"
	}
	sc.Draft.Description += in.Text
	if err := e.saveStage(ctx, conv.ID, StageSpecDetail, sc); err != nil {
		return "", err
	}
	return "Noted. Anything else? Say done when finished.", nil
}

func (e *Engine) score(ctx context.Context, in bus.Inbound, conv *store.Conversation, sc *scratch) (string, error) {
	task, err := e.reads.GetTaskByID(ctx, sc.PendingTaskID)
	if err != nil {
		return "", err
	}
	var criteria []string
	if task != nil {
		criteria = task.AcceptanceCriteria
	}
	msgs, _ := e.convs.Messages(ctx, conv.ID, 50)

	review := tasks.ScoreSubmission(tasks.Submission{
		TaskID:       sc.PendingTaskID,
		ProofRefs:    sc.ProofRefs,
		Notes:        sc.Notes,
		Criteria:     criteria,
		MessageCount: len(msgs),
	})

	if !review.Passes(e.reviewAt) {
		if err := e.saveStage(ctx, conv.ID, StageAddingNotes, sc); err != nil {
			return "", err
		}
		return fmt.Sprintf("Before I pass this on (score %d/%d):\n- %s",
			review.Total, e.reviewAt, strings.Join(review.Suggestions, "\n- ")), nil
	}

	if err := e.svc.SubmitForValidation(ctx, sc.PendingTaskID, in.UserName, sc.Notes); err != nil {
		if store.IsValidation(err) {
			return "Couldn't submit: " + err.Error(), nil
		}
		return "", err
	}
	e.convs.Close(ctx, conv.ID)
	return fmt.Sprintf("Submitted %s for validation (review score %d).", sc.PendingTaskID, review.Total), nil
}

func (e *Engine) finalize(ctx context.Context, convID uuid.UUID, sc *scratch) (string, error) {
	res, err := e.svc.Create(ctx, sc.Draft)
	if err != nil {
		if store.IsValidation(err) {
			return "That didn't validate: " + err.Error(), nil
		}
		return "", err
	}
	e.convs.Close(ctx, convID)

	reply := fmt.Sprintf("Created %s.", res.Task.TaskID)
	if len(res.Warnings) > 0 {
		reply += "\nNote: " + strings.Join(res.Warnings, "; ")
	}
	return reply, nil
}

func (e *Engine) askNext(ctx context.Context, convID uuid.UUID, sc *scratch) (string, error) {
	if err := e.saveStage(ctx, convID, StageClarifying, sc); err != nil {
		return "", err
	}
	return sc.Questions[sc.QIndex].Prompt, nil
}

func (e *Engine) askNotes(ctx context.Context, convID uuid.UUID, sc *scratch) (string, error) {
	if err := e.saveStage(ctx, convID, StageAddingNotes, sc); err != nil {
		return "", err
	}
	return "Any notes on what was done?", nil
}

func (e *Engine) toPreview(ctx context.Context, convID uuid.UUID, sc *scratch) (string, error) {
	if err := e.saveStage(ctx, convID, StagePreview, sc); err != nil {
		return "", err
	}
	return e.previewText(&sc.Draft) + "\n\nCreate it? (yes/no)", nil
}

func (e *Engine) saveStage(ctx context.Context, convID uuid.UUID, stage string, sc *scratch) error {
	blob, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal scratch: %w", err)
	}
	return e.convs.SaveStage(ctx, convID, stage, blob)
}

// applyAnswer writes a clarification answer into the draft field it was
// asked for, using deterministic parsing.
func (e *Engine) applyAnswer(questionID, answer string, d *tasks.Draft) {
	answer = strings.TrimSpace(answer)
	now := e.clock().In(e.loc)
	switch questionID {
	case QAssignee:
		if a := intent.ExtractAssignee("for " + answer); a != "" {
			d.AssigneeName = a
		} else {
			d.AssigneeName = answer
		}
	case QDeadline:
		if strings.EqualFold(answer, "none") || strings.EqualFold(answer, "no deadline") {
			d.Deadline = nil
		} else if dl := intent.ExtractDeadline(answer, now); dl != nil {
			d.Deadline = dl
		}
	case QPriority:
		if p := intent.ExtractPriority(answer); p != "" {
			d.Priority = p
		} else if store.ValidPriority(strings.ToLower(answer)) {
			d.Priority = strings.ToLower(answer)
		}
	case QDetails:
		if !strings.EqualFold(answer, "no") && !strings.EqualFold(answer, "none") {
			d.Description = answer
		}
	}
}

// applyCorrection re-extracts structured fields from a free-text correction
// at the preview stage.
func (e *Engine) applyCorrection(text string, d *tasks.Draft) {
	now := e.clock().In(e.loc)
	if p := intent.ExtractPriority(text); p != "" {
		d.Priority = p
	}
	if dl := intent.ExtractDeadline(text, now); dl != nil {
		d.Deadline = dl
	}
	if a := intent.ExtractAssignee(text); a != "" {
		d.AssigneeName = a
	}
}

func (e *Engine) previewText(d *tasks.Draft) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here's what I have:\nTitle: %s", d.Title)
	if d.AssigneeName != "" {
		fmt.Fprintf(&b, "\nAssignee: %s", d.AssigneeName)
	}
	if d.Priority != "" {
		fmt.Fprintf(&b, "\nPriority: %s", d.Priority)
	}
	if d.Deadline != nil {
		fmt.Fprintf(&b, "\nDeadline: %s", d.Deadline.In(e.loc).Format("Mon 2 Jan 15:04"))
	}
	if d.Description != "" {
		fmt.Fprintf(&b, "\nDetails: %s", d.Description)
	}
	return b.String()
}

func (e *Engine) batchPreview(sc *scratch) string {
	d := sc.Batch[sc.BatchIndex]
	return fmt.Sprintf("Task %d of %d:\n%s\n\nyes / skip / cancel",
		sc.BatchIndex+1, len(sc.Batch), e.previewText(&d))
}

func (e *Engine) draftFromFields(in bus.Inbound, fields map[string]string) tasks.Draft {
	d := tasks.Draft{
		CreatedBy: in.UserName,
		ChatID:    in.ChatID,
	}
	if fields == nil {
		return d
	}
	if t := fields["title"]; t != "" {
		d.Title = t
	} else {
		d.Title = strings.TrimSpace(in.Text)
	}
	d.AssigneeName = fields["assignee"]
	d.Priority = fields["priority"]
	if dl, err := time.Parse(time.RFC3339, fields["deadline"]); err == nil {
		d.Deadline = &dl
	}
	if tags := fields["tags"]; tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				d.Tags = append(d.Tags, t)
			}
		}
	}
	return d
}

// preferences loads the user's taught defaults from the session store.
func (e *Engine) preferences(ctx context.Context, userID string) map[string]string {
	prefs := map[string]string{}
	if e.sess == nil {
		return prefs
	}
	raw, err := e.sess.Get(ctx, sessions.NSSpec, "pref:"+userID)
	if err != nil || raw == nil {
		return prefs
	}
	_ = json.Unmarshal(raw, &prefs)
	return prefs
}

// TeachPreference saves a key/value default for the user.
func (e *Engine) TeachPreference(ctx context.Context, userID, key, value string) error {
	prefs := e.preferences(ctx, userID)
	prefs[key] = value
	blob, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	// Preferences outlive normal session TTLs.
	return e.sess.Set(ctx, sessions.NSSpec, "pref:"+userID, blob, 30*24*time.Hour)
}
