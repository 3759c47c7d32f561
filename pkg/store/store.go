// Package store persists bots, their event history and captured meeting
// artifacts. The SQLite implementation is the only one; consumers depend on
// the Store interface so tests can swap in fakes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tapeworks/meetingbot/pkg/bot"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned by TransitionBot when the bot's persisted
	// state no longer matches the event's old state.
	ErrStaleState = errors.New("stale state")
)

// BotFilter narrows ListBots.
type BotFilter struct {
	ProjectID string
	State     bot.State
	Limit     int
}

// Store is the persistence boundary shared by the API surface, sessions,
// the scheduler and webhook delivery.
type Store interface {
	CreateBot(ctx context.Context, b *bot.Bot) error
	GetBot(ctx context.Context, id string) (*bot.Bot, error)
	ListBots(ctx context.Context, f BotFilter) ([]*bot.Bot, error)

	// TransitionBot atomically updates the bot's state and appends the
	// transition event. The update is guarded on ev.OldState; a mismatch
	// returns ErrStaleState and persists nothing.
	TransitionBot(ctx context.Context, ev *bot.Event) error
	ListBotEvents(ctx context.Context, botID string) ([]*bot.Event, error)

	// DueBots returns unclaimed bots in the given state whose join_at is at
	// or before the deadline.
	DueBots(ctx context.Context, state bot.State, deadline time.Time) ([]*bot.Bot, error)
	// ClaimBot takes a lease on a bot so concurrent schedulers never
	// double-launch. Returns false when another owner holds a live lease.
	ClaimBot(ctx context.Context, botID, owner string, lease time.Duration) (bool, error)

	UpsertParticipant(ctx context.Context, p *bot.Participant) error
	ListParticipants(ctx context.Context, botID string) ([]*bot.Participant, error)
	AddParticipantEvent(ctx context.Context, ev *bot.ParticipantEvent) error
	ListParticipantEvents(ctx context.Context, botID string) ([]*bot.ParticipantEvent, error)

	// SaveCaption inserts or supersedes a caption row. A row is replaced
	// only by a higher version of the same caption id.
	SaveCaption(ctx context.Context, c *bot.CaptionEvent) error
	ListCaptions(ctx context.Context, botID string) ([]*bot.CaptionEvent, error)

	// SaveChatMessage inserts a chat message, ignoring duplicates of the
	// same platform message id.
	SaveChatMessage(ctx context.Context, m *bot.ChatMessage) error
	ListChatMessages(ctx context.Context, botID string) ([]*bot.ChatMessage, error)

	AddTranscriptSegment(ctx context.Context, s *bot.TranscriptSegment) error
	ListTranscriptSegments(ctx context.Context, botID string) ([]*bot.TranscriptSegment, error)

	UpsertSubscription(ctx context.Context, s *bot.WebhookSubscription) error
	ListSubscriptions(ctx context.Context, projectID string) ([]*bot.WebhookSubscription, error)

	CreateDelivery(ctx context.Context, d *bot.WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *bot.WebhookDelivery) error
	ListDeliveries(ctx context.Context, botID string) ([]*bot.WebhookDelivery, error)

	Close() error
}
