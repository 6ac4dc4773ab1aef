package telegram

import (
	"strconv"
	"sync"

	tele "gopkg.in/telebot.v4"

	"reelforge/internal/transport"
)

// inbox keeps the most recent messages per chat. The Bot API has no history
// endpoint, so replies are collected as they arrive and ListRecent reads
// from here.
type inbox struct {
	mu    sync.Mutex
	size  int
	chats map[int64][]transport.Message
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = 200
	}
	return &inbox{size: size, chats: map[int64][]transport.Message{}}
}

// add appends msg and reports whether an older entry was evicted.
func (in *inbox) add(msg transport.Message) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	list := append(in.chats[msg.ChatID], msg)
	evicted := false
	if len(list) > in.size {
		list = append([]transport.Message(nil), list[len(list)-in.size:]...)
		evicted = true
	}
	in.chats[msg.ChatID] = list
	return evicted
}

// recent returns up to limit messages from chatID sent by senderID, newest
// first. senderID 0 matches every sender.
func (in *inbox) recent(chatID, senderID int64, limit int) []transport.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	list := in.chats[chatID]
	out := make([]transport.Message, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		if senderID != 0 && list[i].SenderID != senderID {
			continue
		}
		out = append(out, list[i])
	}
	return out
}

// fromTele converts an incoming message. Only messages carrying a file are
// kept; ok is false for everything else.
func fromTele(m *tele.Message) (transport.Message, bool) {
	if m == nil || m.Chat == nil {
		return transport.Message{}, false
	}
	msg := transport.Message{
		ID:     strconv.Itoa(m.ID),
		ChatID: m.Chat.ID,
		Date:   m.Time(),
	}
	if m.Sender != nil {
		msg.SenderID = m.Sender.ID
	}
	if m.ReplyTo != nil {
		msg.ReplyToID = strconv.Itoa(m.ReplyTo.ID)
	}

	switch {
	case m.Video != nil:
		msg.HasVideo = true
		msg.FileID, msg.FileSize, msg.MimeType = m.Video.FileID, m.Video.FileSize, m.Video.MIME
	case m.Animation != nil:
		msg.HasVideo = true
		msg.FileID, msg.FileSize, msg.MimeType = m.Animation.FileID, m.Animation.FileSize, m.Animation.MIME
	case m.Document != nil:
		msg.FileID, msg.FileSize, msg.MimeType = m.Document.FileID, m.Document.FileSize, m.Document.MIME
		msg.HasVideo = isVideoMIME(m.Document.MIME)
	default:
		return transport.Message{}, false
	}
	return msg, true
}

func isVideoMIME(mime string) bool {
	return len(mime) > 6 && mime[:6] == "video/"
}
