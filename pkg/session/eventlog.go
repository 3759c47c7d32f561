package session

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/delivery"
	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/router"
	"github.com/tapeworks/meetingbot/pkg/store"
)

// eventLogSinkName is the chat/caption log's registration name on the
// router.
const eventLogSinkName = "event_log"

// eventLog is the router sink that persists captions and chat messages
// and pushes chat updates to webhook subscribers. The store dedupes by
// caption id/version and message id, so replays after a capture
// reconnect are harmless. A failed write is logged and skipped; losing
// one row must not degrade the whole log.
type eventLog struct {
	bot    *bot.Bot
	store  store.Store
	pub    Publisher
	logger *logrus.Entry
}

func newEventLog(b *bot.Bot, st store.Store, pub Publisher) *eventLog {
	return &eventLog{
		bot:    b,
		store:  st,
		pub:    pub,
		logger: log.WithBot(b.ID).WithField("component", "event_log"),
	}
}

func (l *eventLog) Name() string { return eventLogSinkName }

func (l *eventLog) Wants(kind router.ItemKind) bool {
	return kind == router.ItemCaption || kind == router.ItemChat
}

func (l *eventLog) AudioRate() int { return 0 }

func (l *eventLog) Consume(item router.Item) error {
	ctx := context.Background()
	switch item.Kind {
	case router.ItemCaption:
		if err := l.store.SaveCaption(ctx, item.Caption); err != nil {
			l.logger.WithError(err).Warn("Persisting caption failed")
		}
	case router.ItemChat:
		if err := l.store.SaveChatMessage(ctx, item.Chat); err != nil {
			l.logger.WithError(err).Warn("Persisting chat message failed")
			return nil
		}
		if err := l.pub.Publish(ctx, l.bot.ProjectID, delivery.Chat(item.Chat, l.bot.Metadata)); err != nil {
			l.logger.WithError(err).Warn("Chat webhook publish failed")
		}
	}
	return nil
}

func (l *eventLog) Flush() error { return nil }
