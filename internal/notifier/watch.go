package notifier

import (
	"context"
	"fmt"
	"time"

	"reelforge/internal/eventbus"
	logx "reelforge/pkg/logx"
)

// Watch turns bus events into notifications until ctx is done.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n, ok := notificationFor(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, n); err != nil && ctx.Err() == nil {
				s.log.Debug("notification not queued", logx.String("topic", n.Topic), logx.Err(err))
			}
		}
	}
}

func notificationFor(ev eventbus.Event) (Notification, bool) {
	switch d := ev.Data.(type) {
	case eventbus.JobTransition:
		return jobNotification(d)
	case eventbus.RunFinished:
		if d.JobsCreated == 0 && d.Errors == 0 {
			return Notification{}, false
		}
		prio := 5
		if d.Status != "success" {
			prio = 7
		}
		return Notification{
			Topic:    "run." + d.Status,
			Priority: prio,
			Title:    "Run " + d.Status,
			Text: fmt.Sprintf("%s run %s: %d job(s) created, %d error(s) in %s",
				d.Trigger, shortID(d.RunID), d.JobsCreated, d.Errors, d.Duration.Round(time.Millisecond)),
		}, true
	}
	return Notification{}, false
}

func jobNotification(t eventbus.JobTransition) (Notification, bool) {
	name := t.Title
	if name == "" {
		name = "job " + shortID(t.JobID)
	}
	data := map[string]string{"jobId": t.JobID, "status": t.To}
	if t.ChannelID != "" {
		data["channelId"] = t.ChannelID
	}
	n := Notification{Topic: "job." + t.To, Data: data, Push: true}
	switch t.To {
	case "ready":
		if t.From == "uploading" {
			// Upload rolled back; the failure itself is logged.
			return Notification{}, false
		}
		n.Priority, n.Title, n.Text = 5, "Video ready", name+" is ready for review"
	case "uploaded":
		n.Priority, n.Title, n.Text = 5, "Video uploaded", name+" was uploaded"
	case "error":
		n.Priority, n.Title, n.Text = 7, "Job failed", name+": "+t.Message
	case "timeout":
		n.Priority, n.Title, n.Text = 7, "Job timed out", name+": no video arrived in time"
	default:
		return Notification{}, false
	}
	return n, true
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
