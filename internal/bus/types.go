// Package bus defines the message value types passed between the webhook
// front door, the dispatcher and the dialog layer.
package bus

import "time"

// Inbound is one decoded update from a chat transport.
type Inbound struct {
	Transport string    `json:"transport"` // "telegram"
	UpdateID  string    `json:"update_id"` // transport-native id, used for dedup
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name,omitempty"`
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	Text      string    `json:"text"`
	Media     []string  `json:"media,omitempty"` // file ids of attached proof media
	At        time.Time `json:"at"`
}

// IsSlash reports whether the text is a slash command.
func (m Inbound) IsSlash() bool {
	return len(m.Text) > 0 && m.Text[0] == '/'
}

// Outbound is one reply destined for the transport. Replies produced inside a
// DB transaction travel through the outbox; direct replies go straight to the
// adapter.
type Outbound struct {
	Transport string `json:"transport"`
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ReplyTo   int    `json:"reply_to,omitempty"`
}
