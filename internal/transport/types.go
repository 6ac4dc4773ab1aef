// Package transport defines the message-level contracts between the
// orchestration core and the chat network that reaches the external
// generation worker and the operators.
package transport

import (
	"context"
	"io"
	"time"
)

// Peer identifies the external worker: the chat requests are sent to and
// the sender whose replies are candidates for matching.
type Peer struct {
	ChatID   int64
	SenderID int64
}

// Message is a reply observed in the worker chat.
type Message struct {
	ID        string
	ChatID    int64
	SenderID  int64
	ReplyToID string // back-reference to the request message, "" if none
	Date      time.Time
	HasVideo  bool
	FileID    string
	FileSize  int64
	MimeType  string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// GenerationChannel is how requests reach the worker and replies come back.
type GenerationChannel interface {
	// Dispatch sends text to the peer and returns the request message id.
	Dispatch(ctx context.Context, peer Peer, text string) (string, error)
	// ListRecent returns up to limit recent messages from the peer's chat,
	// newest first.
	ListRecent(ctx context.Context, peer Peer, limit int) ([]Message, error)
	// Download opens the media attached to msg.
	Download(ctx context.Context, msg Message) (io.ReadCloser, error)
}

// TextSender delivers operator-facing text.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
