package delivery

import (
	"time"

	"github.com/tapeworks/meetingbot/pkg/bot"
)

// Webhook triggers.
const (
	TriggerStateChange  = "bot.state_change"
	TriggerTranscript   = "transcript.update"
	TriggerChat         = "chat_messages.update"
	TriggerParticipants = "participant_events.join_leave"
)

// Event is one logical deliverable event. The same Event fans out to
// every matching subscription of the project, each with its own
// idempotency key.
type Event struct {
	BotID    string
	Metadata map[string]string
	Trigger  string
	Data     interface{}
}

// StateChange builds the bot.state_change event for a persisted
// transition. Consumers order by the old/new pair, not arrival order.
func StateChange(ev *bot.Event, metadata map[string]string) Event {
	return Event{
		BotID:    ev.BotID,
		Metadata: metadata,
		Trigger:  TriggerStateChange,
		Data: map[string]interface{}{
			"old_state":      string(ev.OldState),
			"new_state":      string(ev.NewState),
			"created_at":     ev.CreatedAt.UTC().Format(time.RFC3339),
			"event_type":     string(ev.Type),
			"event_sub_type": string(ev.SubType),
		},
	}
}

// Transcript builds the transcript.update event for a final segment.
func Transcript(seg *bot.TranscriptSegment, metadata map[string]string) Event {
	return Event{
		BotID:    seg.BotID,
		Metadata: metadata,
		Trigger:  TriggerTranscript,
		Data: map[string]interface{}{
			"user_id":     seg.UserID,
			"text":        seg.Text,
			"final":       seg.Final,
			"confidence":  seg.Confidence,
			"start_ms":    seg.StartMs,
			"duration_ms": seg.DurationMs,
		},
	}
}

// Chat builds the chat_messages.update event.
func Chat(msg *bot.ChatMessage, metadata map[string]string) Event {
	return Event{
		BotID:    msg.BotID,
		Metadata: metadata,
		Trigger:  TriggerChat,
		Data: map[string]interface{}{
			"message_id":   msg.MessageID,
			"sender_id":    msg.SenderID,
			"sender_name":  msg.SenderName,
			"text":         msg.Text,
			"to_bot":       msg.ToBot,
			"timestamp_ms": msg.TimestampMs,
		},
	}
}

// Participants builds the participant_events.join_leave event.
func Participants(ev *bot.ParticipantEvent, metadata map[string]string) Event {
	return Event{
		BotID:    ev.BotID,
		Metadata: metadata,
		Trigger:  TriggerParticipants,
		Data: map[string]interface{}{
			"user_id":      ev.UserID,
			"display_name": ev.DisplayName,
			"kind":         string(ev.Kind),
			"inferred":     ev.Inferred,
			"observed_at":  ev.ObservedAt.UTC().Format(time.RFC3339),
		},
	}
}
