package notifier

import (
	"context"
	"html"
	"strings"

	"github.com/cockroachdb/errors"

	"reelforge/internal/transport"
)

// OpsSink posts every notification to the operators' chats.
type OpsSink struct {
	sender  transport.TextSender
	targets []transport.ChatTarget
}

func NewOpsSink(sender transport.TextSender, owners []int64) *OpsSink {
	targets := make([]transport.ChatTarget, 0, len(owners))
	for _, id := range owners {
		targets = append(targets, transport.ChatTarget{ChatID: id})
	}
	return &OpsSink{sender: sender, targets: targets}
}

func (*OpsSink) Name() string { return "telegram" }

func (o *OpsSink) Wants(Notification) bool { return o.sender != nil && len(o.targets) > 0 }

func (o *OpsSink) Send(ctx context.Context, n Notification) error {
	text := formatOps(n)
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	var errs error
	for _, to := range o.targets {
		if _, err := o.sender.SendText(ctx, to, text, opt); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "chat %d", to.ChatID))
		}
	}
	return errs
}

func formatOps(n Notification) string {
	var b strings.Builder
	b.WriteString(prefixForPriority(n.Priority))
	if n.Title != "" {
		b.WriteString("<b>")
		b.WriteString(html.EscapeString(n.Title))
		b.WriteString("</b>\n")
	}
	b.WriteString(html.EscapeString(n.Text))
	return b.String()
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}
