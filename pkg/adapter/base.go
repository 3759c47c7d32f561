package adapter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/codec"
	"github.com/tapeworks/meetingbot/pkg/log"
)

// signalParser is the per-platform half of an adapter: it turns one JSON
// signaling payload into zero or more emitted events.
type signalParser interface {
	parseSignal(data []byte)
	platform() string
}

// base carries the machinery shared by every platform adapter: the event
// channel, media frame handling (identical on all platforms), the
// stream-id mapping table and roster bookkeeping.
type base struct {
	opts   Options
	parser signalParser
	logger *logrus.Entry

	ctx    context.Context
	events chan Event
	done   chan struct{}

	// Owned by the Feed goroutine.
	streams  map[string]DeviceOutput
	roster   map[string]ParticipantInfo
	unmapped uint64
	stopped  bool
}

func newBase(opts Options, parser signalParser) *base {
	opts = opts.withDefaults()
	return &base{
		opts:    opts,
		parser:  parser,
		logger:  log.WithComponent("adapter").WithField("platform", parser.platform()),
		ctx:     context.Background(),
		events:  make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
		streams: make(map[string]DeviceOutput),
		roster:  make(map[string]ParticipantInfo),
	}
}

func (b *base) Start(ctx context.Context) (<-chan Event, error) {
	b.ctx = ctx
	return b.events, nil
}

func (b *base) Stop() {
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.done)
	close(b.events)
	if b.unmapped > 0 {
		b.logger.WithField("frames", b.unmapped).Info("dropped video frames with unmapped stream ids")
	}
}

func (b *base) Feed(m codec.Message) {
	if b.stopped {
		return
	}

	switch msg := m.(type) {
	case *codec.JSONMessage:
		b.parser.parseSignal(msg.Data)

	case *codec.AudioFrame:
		b.emit(Event{Kind: KindAudio, Audio: &AudioFrame{
			TimestampUs: msg.TimestampUs,
			SampleRate:  b.opts.SampleRate,
			Data:        msg.Data,
		}})

	case *codec.ParticipantAudioFrame:
		b.emit(Event{Kind: KindAudio, Audio: &AudioFrame{
			UserID:      msg.ParticipantID,
			TimestampUs: msg.TimestampUs,
			SampleRate:  b.opts.SampleRate,
			Data:        msg.Data,
		}})

	case *codec.VideoFrame:
		out, ok := b.streams[msg.StreamID]
		if !ok {
			// The roster/device update that maps this stream has not
			// arrived yet. Dropping is safe; the capture side keeps
			// producing keyframes.
			b.unmapped++
			return
		}
		b.emit(Event{Kind: KindVideo, Video: &VideoFrame{
			StreamID:    msg.StreamID,
			UserID:      out.UserID,
			Screen:      out.Kind == OutputScreenShare,
			TimestampUs: msg.TimestampUs,
			Width:       msg.Width,
			Height:      msg.Height,
			Data:        msg.Data,
		}})

	case *codec.EncodedChunk:
		b.emit(Event{Kind: KindEncodedChunk, Chunk: msg.Data})
	}
}

// emit delivers one event with backpressure: a full channel blocks the
// capture read loop (and thus the socket) until the session catches up,
// Stop or context cancellation.
func (b *base) emit(ev Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.events <- ev:
	case <-b.done:
	case <-b.ctx.Done():
	}
}

// updateOutputs refreshes the stream mapping table and forwards the
// update downstream for track selection.
func (b *base) updateOutputs(outputs []DeviceOutput) {
	for _, out := range outputs {
		if out.Active {
			b.streams[out.StreamID] = out
		} else {
			delete(b.streams, out.StreamID)
		}
	}
	b.emit(Event{Kind: KindDeviceOutputs, Outputs: outputs})
}

// observeJoin handles a discrete participant join or update.
func (b *base) observeJoin(p ParticipantInfo) {
	prev, known := b.roster[p.UserID]
	b.roster[p.UserID] = p
	switch {
	case !known:
		b.emit(Event{Kind: KindParticipantJoined, Participant: &p})
	case prev != p:
		b.emit(Event{Kind: KindParticipantUpdated, Participant: &p})
	}
}

// observeLeave handles a discrete participant leave.
func (b *base) observeLeave(userID string) {
	p, known := b.roster[userID]
	if !known {
		return
	}
	delete(b.roster, userID)
	b.emit(Event{Kind: KindParticipantLeft, Participant: &p})
}

// syncRoster reconciles a full roster snapshot against the previous one.
// Platforms without discrete leave events only signal departures this
// way, so inferred leaves lag the actual departure by up to one resync
// period.
func (b *base) syncRoster(current []ParticipantInfo) {
	seen := make(map[string]ParticipantInfo, len(current))
	for _, p := range current {
		seen[p.UserID] = p
		prev, known := b.roster[p.UserID]
		switch {
		case !known:
			b.emit(Event{Kind: KindParticipantJoined, Participant: &p})
		case prev != p:
			b.emit(Event{Kind: KindParticipantUpdated, Participant: &p})
		}
	}
	for id, p := range b.roster {
		if _, ok := seen[id]; ok {
			continue
		}
		p.Inferred = true
		b.emit(Event{Kind: KindParticipantLeft, Participant: &p})
	}
	b.roster = seen
}

func (b *base) badSignal(err error, raw []byte) {
	// Malformed signaling is a dropped frame, never a crash.
	b.logger.WithError(err).WithField("bytes", len(raw)).Debug("unparseable signaling payload")
}

func captionEvent(captionID, version int64, userID, text string, final bool, timestampMs int64) *bot.CaptionEvent {
	return &bot.CaptionEvent{
		CaptionID:   captionID,
		Version:     version,
		UserID:      userID,
		Text:        text,
		Final:       final,
		TimestampMs: timestampMs,
		CreatedAt:   time.Now().UTC(),
	}
}

func chatMessage(messageID, senderID, senderName, text string, toBot bool, timestampMs int64) *bot.ChatMessage {
	return &bot.ChatMessage{
		MessageID:   messageID,
		SenderID:    senderID,
		SenderName:  senderName,
		Text:        text,
		ToBot:       toBot,
		TimestampMs: timestampMs,
		CreatedAt:   time.Now().UTC(),
	}
}
