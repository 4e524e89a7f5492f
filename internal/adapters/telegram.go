package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
)

// Telegram operations carried through the outbox.
const (
	OpSendMessage  = "send_message"
	OpNotifyBoss   = "notify_boss"
	OpDeleteThread = "delete_thread"
)

// SendMessagePayload is the outbox body for the message ops.
type SendMessagePayload struct {
	ChatID    int64  `json:"chat_id,omitempty"` // ignored for notify_boss
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
	ReplyTo   int    `json:"reply_to,omitempty"`
}

// DeleteThreadPayload is the outbox body for delete_thread.
type DeleteThreadPayload struct {
	ChatID   int64 `json:"chat_id,omitempty"` // defaults to the boss chat
	ThreadID int   `json:"thread_id"`
}

// Telegram sends chat messages via the Bot API. Inbound traffic arrives
// through the webhook endpoint, not here.
type Telegram struct {
	bot        *telego.Bot
	bossChatID int64
}

// NewTelegram creates the sender. Proxy is optional.
func NewTelegram(token string, bossChatID int64, proxy string) (*Telegram, error) {
	var opts []telego.BotOption
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
			Timeout:   WriteTimeout,
		}))
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, bossChatID: bossChatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Execute dispatches one outbox operation.
func (t *Telegram) Execute(ctx context.Context, op string, payload []byte) error {
	switch op {
	case OpSendMessage, OpNotifyBoss:
		var p SendMessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return &AdapterError{Adapter: t.Name(), Kind: KindPermanent, Err: fmt.Errorf("decode payload: %w", err)}
		}
		chatID := p.ChatID
		if op == OpNotifyBoss {
			chatID = t.bossChatID
		}
		return t.send(ctx, chatID, p)
	case OpDeleteThread:
		var p DeleteThreadPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return &AdapterError{Adapter: t.Name(), Kind: KindPermanent, Err: fmt.Errorf("decode payload: %w", err)}
		}
		return t.deleteThread(ctx, p)
	default:
		return &AdapterError{Adapter: t.Name(), Kind: KindPermanent, Err: fmt.Errorf("unknown op %q", op)}
	}
}

// Send is the direct path used by the dialog layer for immediate replies.
// Failed sends there re-enter via the outbox.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	return t.send(ctx, chatID, SendMessagePayload{ChatID: chatID, Text: text})
}

// NotifyBoss sends directly to the configured operator chat.
func (t *Telegram) NotifyBoss(ctx context.Context, text string) error {
	return t.send(ctx, t.bossChatID, SendMessagePayload{Text: text})
}

func (t *Telegram) send(ctx context.Context, chatID int64, p SendMessagePayload) error {
	ctx, cancel := withDeadline(ctx, WriteTimeout)
	defer cancel()

	params := &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   p.Text,
	}
	if p.ParseMode != "" {
		params.ParseMode = p.ParseMode
	}
	if p.ReplyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: p.ReplyTo}
	}

	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return t.classify(err)
	}
	return nil
}

// deleteThread removes a forum topic, used when the task it mirrored is
// cleared.
func (t *Telegram) deleteThread(ctx context.Context, p DeleteThreadPayload) error {
	ctx, cancel := withDeadline(ctx, WriteTimeout)
	defer cancel()

	chatID := p.ChatID
	if chatID == 0 {
		chatID = t.bossChatID
	}
	err := t.bot.DeleteForumTopic(ctx, &telego.DeleteForumTopicParams{
		ChatID:          telego.ChatID{ID: chatID},
		MessageThreadID: p.ThreadID,
	})
	if err != nil {
		return t.classify(err)
	}
	return nil
}

// classify maps Bot API errors onto the canonical kinds. Telego surfaces API
// failures as *telegoapi.Error with the HTTP-ish error code inside.
func (t *Telegram) classify(err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == http.StatusTooManyRequests:
			retryAfter := time.Duration(0)
			if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
				retryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return &AdapterError{Adapter: t.Name(), Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
		case apiErr.ErrorCode == http.StatusUnauthorized || apiErr.ErrorCode == http.StatusForbidden:
			return &AdapterError{Adapter: t.Name(), Kind: KindAuth, Err: err}
		case apiErr.ErrorCode == http.StatusBadRequest || apiErr.ErrorCode == http.StatusNotFound:
			return &AdapterError{Adapter: t.Name(), Kind: KindPermanent, Err: err}
		case apiErr.ErrorCode >= 500:
			return &AdapterError{Adapter: t.Name(), Kind: KindTransient, Err: err}
		}
	}
	return AsAdapterError(t.Name(), err)
}
