package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/bus"
	"github.com/nextlevelbuilder/taskpilot/internal/metrics"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
	"github.com/nextlevelbuilder/taskpilot/internal/tasks"
)

// Dispatcher is the handler-dispatch slice the webhook hands updates to.
type Dispatcher interface {
	Dispatch(ctx context.Context, in bus.Inbound) (string, error)
}

const (
	maxWebhookBody = 1 << 20
	// maxLive bounds the background processing set. At capacity the update is
	// refused with 503 before the dedup mark, so the transport retry is not
	// mistaken for a duplicate.
	maxLive = 64

	// processTimeout bounds one background dispatch end to end.
	processTimeout = 90 * time.Second
)

// WebhookHandler is the transport front door: verify, dedup, ack fast,
// process in the background.
type WebhookHandler struct {
	secret     []byte
	dedup      store.DedupStore
	outbox     store.OutboxStore
	dispatcher Dispatcher

	live sync.WaitGroup
	slot chan struct{}
}

func NewWebhookHandler(secret string, dedup store.DedupStore, outbox store.OutboxStore, dispatcher Dispatcher) *WebhookHandler {
	return &WebhookHandler{
		secret:     []byte(secret),
		dedup:      dedup,
		outbox:     outbox,
		dispatcher: dispatcher,
		slot:       make(chan struct{}, maxLive),
	}
}

func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux, lim *Limiter) {
	mux.HandleFunc("POST /webhook/telegram", lim.bySource(h.handleTelegram))
}

// Drain waits up to the given timeout for in-flight background work.
func (h *WebhookHandler) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		h.live.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("webhook drain timed out", "timeout", timeout)
	}
}

func (h *WebhookHandler) handleTelegram(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookRejected.Inc()
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !h.verify(body, r.Header.Get("X-Signature-256")) {
		metrics.WebhookRejected.Inc()
		writeError(w, http.StatusForbidden, "signature mismatch")
		return
	}

	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		metrics.WebhookRejected.Inc()
		writeError(w, http.StatusBadRequest, "malformed update")
		return
	}

	updateID := strconv.Itoa(update.UpdateID)
	in, ok := decodeUpdate(update)
	if !ok {
		// Non-message updates (edits, reactions) are acked and ignored.
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	// A slot must be held before the update is marked processed: an update
	// refused here has not been recorded and the transport retry will land.
	select {
	case h.slot <- struct{}{}:
	default:
		metrics.WebhookRejected.Inc()
		slog.Error("live set full, refusing update", "update", updateID, "user", in.UserID)
		writeError(w, http.StatusServiceUnavailable, "busy, retry later")
		return
	}

	fresh, err := h.dedup.MarkProcessed(r.Context(), updateID)
	if err != nil {
		// Fail open: losing one dedup record beats dropping the message.
		slog.Error("dedup check failed", "update", updateID, "error", err)
	} else if !fresh {
		<-h.slot
		metrics.WebhookDeduped.Inc()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	h.live.Add(1)
	go h.process(in)
	metrics.WebhookAccepted.Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *WebhookHandler) verify(body []byte, header string) bool {
	if len(h.secret) == 0 {
		return true
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

// process runs one dispatch off the request goroutine and queues the reply
// through the outbox.
func (h *WebhookHandler) process(in bus.Inbound) {
	defer h.live.Done()
	defer func() { <-h.slot }()

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	reply, err := h.dispatcher.Dispatch(ctx, in)
	if err != nil {
		slog.Error("dispatch failed", "update", in.UpdateID, "user", in.UserID, "error", err)
		reply = "Something went wrong on my side, please try again."
	}
	if reply == "" {
		return
	}

	payload, _ := json.Marshal(adapters.SendMessagePayload{
		ChatID:  in.ChatID,
		Text:    reply,
		ReplyTo: in.MessageID,
	})
	body, _ := json.Marshal(tasks.Envelope{Op: adapters.OpSendMessage, Body: payload})
	item := store.OutboxItem{
		TargetAdapter:  "telegram",
		Payload:        body,
		IdempotencyKey: "reply:" + in.UpdateID,
	}
	if err := h.outbox.Enqueue(ctx, item); err != nil {
		slog.Error("enqueue reply failed", "update", in.UpdateID, "error", err)
	}
}

// decodeUpdate flattens a transport update into the internal message shape.
// Only plain messages are handled.
func decodeUpdate(u telego.Update) (bus.Inbound, bool) {
	msg := u.Message
	if msg == nil || msg.From == nil {
		return bus.Inbound{}, false
	}

	in := bus.Inbound{
		Transport: "telegram",
		UpdateID:  strconv.Itoa(u.UpdateID),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		UserName:  msg.From.Username,
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
		At:        time.Unix(msg.Date, 0).UTC(),
	}
	if in.Text == "" {
		in.Text = msg.Caption
	}
	if len(msg.Photo) > 0 {
		// Largest rendition is last.
		in.Media = append(in.Media, msg.Photo[len(msg.Photo)-1].FileID)
	}
	if msg.Document != nil {
		in.Media = append(in.Media, msg.Document.FileID)
	}
	if in.Text == "" && len(in.Media) == 0 {
		return bus.Inbound{}, false
	}
	return in, true
}
