package testutil

import (
	"testing"

	"github.com/tradewire/tradewire/tradewire"
)

type MessageOpt func(*tradewire.Message)

// NewMessage builds an inbound chat message with sensible defaults.
func NewMessage(t *testing.T, text string, opts ...MessageOpt) tradewire.Message {
	t.Helper()

	msg := tradewire.Message{
		SourceMsgID: "1001",
		Text:        text,
		ChatID:      -100200300,
		Sender:      "signals",
	}
	for _, opt := range opts {
		opt(&msg)
	}
	return msg
}

// Modifiers
func WithSourceMsgID(id string) MessageOpt {
	return func(m *tradewire.Message) { m.SourceMsgID = id }
}
func AsEdit() MessageOpt {
	return func(m *tradewire.Message) { m.IsEdit = true }
}
func WithReplyTo(id string) MessageOpt {
	return func(m *tradewire.Message) { m.ReplyToMsgID = id }
}
func WithChatID(id int64) MessageOpt {
	return func(m *tradewire.Message) { m.ChatID = id }
}
func WithSender(name string) MessageOpt {
	return func(m *tradewire.Message) { m.Sender = name }
}

// Float returns a pointer to v, for optional price fields.
func Float(v float64) *float64 { return &v }

// Int64 returns a pointer to v, for ticket fields.
func Int64(v int64) *int64 { return &v }
