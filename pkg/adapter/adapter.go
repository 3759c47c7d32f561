// Package adapter normalizes platform-specific capture traffic into one
// event stream. The in-page capture payload speaks its platform's dialect
// over the transport codec; each adapter parses that dialect, reconciles
// stream ids with participant ids, and hands the session a uniform stream
// of NormalizedEvents.
package adapter

import (
	"context"
	"fmt"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/codec"
)

// EventKind discriminates NormalizedEvent.
type EventKind int

const (
	KindParticipantJoined EventKind = iota + 1
	KindParticipantLeft
	KindParticipantUpdated
	KindAudio
	KindVideo
	KindCaption
	KindChat
	KindDeviceOutputs
	KindSilence
	KindMembership
	KindEncodedChunk
)

func (k EventKind) String() string {
	switch k {
	case KindParticipantJoined:
		return "participant_joined"
	case KindParticipantLeft:
		return "participant_left"
	case KindParticipantUpdated:
		return "participant_updated"
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindCaption:
		return "caption"
	case KindChat:
		return "chat"
	case KindDeviceOutputs:
		return "device_outputs"
	case KindSilence:
		return "silence"
	case KindMembership:
		return "membership"
	case KindEncodedChunk:
		return "encoded_chunk"
	default:
		return "unknown"
	}
}

// ParticipantInfo describes one attendee as the platform reports them.
type ParticipantInfo struct {
	UserID      string
	DisplayName string
	IsHost      bool
	IsScreen    bool
	// Inferred marks a leave derived from a full-roster resync rather than
	// a discrete platform event; its timing lags the actual departure.
	Inferred bool
}

// AudioFrame is decoded meeting audio. UserID is empty for the mixed
// stream and set for per-participant audio.
type AudioFrame struct {
	UserID      string
	TimestampUs int64
	SampleRate  int
	Data        []byte // PCM16 little-endian mono
}

// VideoFrame is one raw video frame with its stream resolved to a
// participant via the adapter's mapping table.
type VideoFrame struct {
	StreamID    string
	UserID      string
	Screen      bool
	TimestampUs int64
	Width       int32
	Height      int32
	Data        []byte
}

// OutputKind classifies a platform media output.
type OutputKind string

const (
	OutputAudio       OutputKind = "audio"
	OutputVideo       OutputKind = "video"
	OutputScreenShare OutputKind = "screenshare"
)

// DeviceOutput maps one transient stream id to its owning participant.
// CreatedMs is the platform's track creation time, used downstream for
// deterministic single-stream selection.
type DeviceOutput struct {
	StreamID  string
	UserID    string
	Kind      OutputKind
	Active    bool
	CreatedMs int64
}

// SilenceStatus is the capture payload's own audio-activity detector.
type SilenceStatus struct {
	Silent  bool
	SinceMs int64
}

// MembershipStatus is the bot's own standing in the meeting as the
// platform reports it.
type MembershipStatus string

const (
	StatusWaitingRoom  MembershipStatus = "waiting_room"
	StatusJoined       MembershipStatus = "joined"
	StatusRemoved      MembershipStatus = "removed"
	StatusMeetingEnded MembershipStatus = "meeting_ended"
	StatusJoinFailed   MembershipStatus = "join_failed"
)

// Event is the normalized union handed to the session. Kind selects which
// field is populated.
type Event struct {
	Kind EventKind

	Participant *ParticipantInfo
	Audio       *AudioFrame
	Video       *VideoFrame
	Caption     *bot.CaptionEvent // BotID filled in by the session
	Chat        *bot.ChatMessage  // BotID filled in by the session
	Outputs     []DeviceOutput
	Silence     *SilenceStatus
	Membership  MembershipStatus
	Chunk       []byte
}

// Adapter is the uniform per-platform capture interface.
//
// Feed must be called from a single goroutine (the session's capture read
// loop); the mapping tables inside the adapter are owned by that flow.
// Stop must be called from the same goroutine, or after feeding has
// stopped, and closes the event stream.
type Adapter interface {
	// Start returns the normalized event stream. Cancelling ctx unblocks
	// any in-flight delivery.
	Start(ctx context.Context) (<-chan Event, error)
	// Feed hands one decoded capture frame to the adapter.
	Feed(m codec.Message)
	Stop()
}

// Options tune an adapter instance.
type Options struct {
	// SampleRate is the PCM rate of audio arriving from the capture
	// payload. Defaults to 32000.
	SampleRate int
	// QueueSize bounds the event channel. Defaults to 256.
	QueueSize int
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = 32000
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	return o
}

// New returns the adapter for a platform.
func New(platform bot.Platform, opts Options) (Adapter, error) {
	switch platform {
	case bot.PlatformZoom:
		return newZoom(opts), nil
	case bot.PlatformGoogleMeet:
		return newMeet(opts), nil
	case bot.PlatformTeams:
		return newTeams(opts), nil
	}
	return nil, fmt.Errorf("no capture adapter for platform %q", platform)
}
