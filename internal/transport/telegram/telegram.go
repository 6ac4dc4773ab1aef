// Package telegram implements the generation channel and operator text
// delivery on top of the Telegram Bot API (telebot).
package telegram

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"reelforge/internal/faults"
	rtsup "reelforge/internal/runtime/supervisor"
	"reelforge/internal/transport"
	logx "reelforge/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// WorkerChatID limits which chat's media is buffered; 0 buffers all chats.
	WorkerChatID int64
	InboxSize    int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot   *tele.Bot
	inbox *inbox

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	evicted atomic.Uint64
}

var (
	_ transport.GenerationChannel = (*Adapter)(nil)
	_ transport.TextSender        = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, faults.Config("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, faults.Transient(err, "telegram bot init")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, inbox: newInbox(cfg.InboxSize)}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	record := func(c tele.Context) error {
		msg, ok := fromTele(c.Message())
		if !ok {
			return nil
		}
		if a.cfg.WorkerChatID != 0 && msg.ChatID != a.cfg.WorkerChatID {
			return nil
		}
		if a.inbox.add(msg) {
			a.evicted.Add(1)
		}
		a.log.Debug("worker media received",
			logx.String("message_id", msg.ID),
			logx.String("reply_to", msg.ReplyToID),
			logx.Int64("size", msg.FileSize),
		)
		return nil
	}
	a.bot.Handle(tele.OnVideo, record)
	a.bot.Handle(tele.OnAnimation, record)
	a.bot.Handle(tele.OnDocument, record)
}

// Supervisor exposes the polling goroutines for the health endpoint; nil
// before Start.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// Start begins long polling. It returns immediately.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("inbox.evict_report", func(c context.Context) {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := a.evicted.Swap(0); n > 0 {
					a.log.Warn("worker inbox evicted old messages", logx.Uint64("count", n), logx.Int("inbox_size", a.inbox.size))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling, waiting at most two seconds (or ctx) for the long
// poll to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// Dispatch sends the prompt to the worker chat and returns the id of the
// sent message, which replies reference.
func (a *Adapter) Dispatch(ctx context.Context, peer transport.Peer, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m, err := a.bot.Send(&tele.Chat{ID: peer.ChatID}, text)
	if err != nil {
		return "", faults.Transient(err, "dispatch to worker")
	}
	return strconv.Itoa(m.ID), nil
}

func (a *Adapter) ListRecent(ctx context.Context, peer transport.Peer, limit int) ([]transport.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return a.inbox.recent(peer.ChatID, peer.SenderID, limit), nil
}

func (a *Adapter) Download(ctx context.Context, msg transport.Message) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.FileID == "" {
		return nil, faults.Invalid("message %s has no attachment", msg.ID)
	}
	rc, err := a.bot.File(&tele.File{FileID: msg.FileID})
	if err != nil {
		return nil, faults.Transient(err, "download worker media")
	}
	return rc, nil
}

// SendText delivers text in chunks under the Telegram size limit and
// returns a reference to the first chunk.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, faults.Transient(err, "telegram send")
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: m.ID}
		}
	}
	return first, nil
}

// SendLog implements the logx telegram sink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, nil)
	return err
}
