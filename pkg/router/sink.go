package router

import (
	"github.com/tapeworks/meetingbot/pkg/adapter"
	"github.com/tapeworks/meetingbot/pkg/bot"
)

// ItemKind discriminates routed items.
type ItemKind int

const (
	ItemAudio ItemKind = iota + 1
	ItemVideo
	ItemCaption
	ItemChat
	ItemChunk
)

func (k ItemKind) String() string {
	switch k {
	case ItemAudio:
		return "audio"
	case ItemVideo:
		return "video"
	case ItemCaption:
		return "caption"
	case ItemChat:
		return "chat"
	case ItemChunk:
		return "chunk"
	default:
		return "unknown"
	}
}

// AudioItem is mixed or per-participant audio resampled to the sink's rate.
// Data is a pooled copy owned by the router: it is valid only until
// Consume returns, and sinks that need it longer must copy it.
type AudioItem struct {
	UserID      string
	TimestampUs int64
	SampleRate  int
	Data        []byte
}

// Item is one unit of work queued to a sink.
type Item struct {
	Kind    ItemKind
	Audio   *AudioItem
	Video   *adapter.VideoFrame
	Caption *bot.CaptionEvent
	Chat    *bot.ChatMessage
	Chunk   []byte
}

// Sink is a routed consumer: recorder, transcription bridge, realtime
// audio bridge or event log. Consume runs on the sink's own worker
// goroutine; returning an error marks the sink degraded and stops
// delivery to it without affecting other sinks.
type Sink interface {
	Name() string
	// Wants filters item kinds before they are queued.
	Wants(kind ItemKind) bool
	// AudioRate is the PCM rate audio should be resampled to before
	// delivery; 0 keeps the capture rate.
	AudioRate() int
	Consume(item Item) error
	// Flush finalizes the sink after its queue drains on shutdown.
	Flush() error
}

// DegradedEvent reports a sink that stopped consuming.
type DegradedEvent struct {
	Sink string
	Err  error
}
