package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/codec"
)

func startAdapter(t *testing.T, platform bot.Platform) (Adapter, <-chan Event) {
	t.Helper()
	a, err := New(platform, Options{})
	require.NoError(t, err)
	events, err := a.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	return a, events
}

// drain collects everything currently buffered without blocking.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func feedJSON(a Adapter, payload string) {
	a.Feed(&codec.JSONMessage{Data: []byte(payload)})
}

func TestNew_UnknownPlatform(t *testing.T) {
	_, err := New(bot.Platform("webex"), Options{})
	assert.Error(t, err)
}

func TestZoom_MembershipStatus(t *testing.T) {
	a, events := startAdapter(t, bot.PlatformZoom)

	feedJSON(a, `{"evt":"meeting_status","status":"in_waiting_room"}`)
	feedJSON(a, `{"evt":"meeting_status","status":"in_meeting"}`)
	feedJSON(a, `{"evt":"meeting_status","status":"reconnecting"}`) // unmapped, ignored

	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, KindMembership, got[0].Kind)
	assert.Equal(t, StatusWaitingRoom, got[0].Membership)
	assert.Equal(t, StatusJoined, got[1].Membership)
}

func TestZoom_DiscreteRoster(t *testing.T) {
	a, events := startAdapter(t, bot.PlatformZoom)

	feedJSON(a, `{"evt":"users_added","users":[{"userId":"u1","userName":"Ada","isHost":true}]}`)
	// Repeated add with identical fields is not a new join.
	feedJSON(a, `{"evt":"users_added","users":[{"userId":"u1","userName":"Ada","isHost":true}]}`)
	feedJSON(a, `{"evt":"user_updated","users":[{"userId":"u1","userName":"Ada","isHost":true,"bShareOn":true}]}`)
	feedJSON(a, `{"evt":"users_removed","userIds":["u1","unknown"]}`)

	got := drain(events)
	require.Len(t, got, 3)

	assert.Equal(t, KindParticipantJoined, got[0].Kind)
	assert.Equal(t, "u1", got[0].Participant.UserID)
	assert.True(t, got[0].Participant.IsHost)

	assert.Equal(t, KindParticipantUpdated, got[1].Kind)
	assert.True(t, got[1].Participant.IsScreen)

	assert.Equal(t, KindParticipantLeft, got[2].Kind)
	assert.False(t, got[2].Participant.Inferred, "zoom leaves are discrete")
}

func TestMeet_RosterResyncInfersLeaves(t *testing.T) {
	a, events := startAdapter(t, bot.PlatformGoogleMeet)

	feedJSON(a, `{"type":"participants","participants":[
		{"deviceId":"d1","fullName":"Ada"},
		{"deviceId":"d2","fullName":"Grace"}]}`)
	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, KindParticipantJoined, got[0].Kind)
	assert.Equal(t, KindParticipantJoined, got[1].Kind)

	// Next snapshot: d2 gone, d1 starts presenting.
	feedJSON(a, `{"type":"participants","participants":[
		{"deviceId":"d1","fullName":"Ada","screenshare":true}]}`)
	got = drain(events)
	require.Len(t, got, 2)

	assert.Equal(t, KindParticipantUpdated, got[0].Kind)
	assert.Equal(t, "d1", got[0].Participant.UserID)
	assert.True(t, got[0].Participant.IsScreen)

	assert.Equal(t, KindParticipantLeft, got[1].Kind)
	assert.Equal(t, "d2", got[1].Participant.UserID)
	assert.True(t, got[1].Participant.Inferred, "resync leaves carry the inferred flag")
}

func TestStreamMapping_VideoFrames(t *testing.T) {
	a, events := startAdapter(t, bot.PlatformGoogleMeet)

	frame := &codec.VideoFrame{TimestampUs: 1000, StreamID: "s1", Width: 640, Height: 480, Data: []byte{1, 2}}

	// Before any media_streams update the stream id is unknown: dropped.
	a.Feed(frame)
	assert.Empty(t, drain(events))

	feedJSON(a, `{"type":"media_streams","streams":[
		{"streamId":"s1","deviceId":"d1","mediaType":"video","isScreenshare":true,"active":true,"createdMs":100}]}`)
	a.Feed(frame)

	got := drain(events)
	require.Len(t, got, 2)
	assert.Equal(t, KindDeviceOutputs, got[0].Kind)
	require.Len(t, got[0].Outputs, 1)
	assert.Equal(t, OutputScreenShare, got[0].Outputs[0].Kind)

	assert.Equal(t, KindVideo, got[1].Kind)
	assert.Equal(t, "d1", got[1].Video.UserID)
	assert.True(t, got[1].Video.Screen)
	assert.Equal(t, int32(640), got[1].Video.Width)

	// Deactivating the stream unmaps it again.
	feedJSON(a, `{"type":"media_streams","streams":[
		{"streamId":"s1","deviceId":"d1","mediaType":"video","active":false}]}`)
	a.Feed(frame)
	got = drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, KindDeviceOutputs, got[0].Kind)
}

func TestAudioFrames(t *testing.T) {
	a, events := startAdapter(t, bot.PlatformZoom)

	a.Feed(&codec.AudioFrame{TimestampUs: 42, Data: []byte{0, 1}})
	a.Feed(&codec.ParticipantAudioFrame{ParticipantID: "u1", TimestampUs: 43, Data: []byte{2, 3}})

	got := drain(events)
	require.Len(t, got, 2)

	assert.Equal(t, KindAudio, got[0].Kind)
	assert.Empty(t, got[0].Audio.UserID)
	assert.Equal(t, 32000, got[0].Audio.SampleRate)
	assert.Equal(t, int64(42), got[0].Audio.TimestampUs)

	assert.Equal(t, "u1", got[1].Audio.UserID)
}

func TestEncodedChunkPassthrough(t *testing.T) {
	a, events := startAdapter(t, bot.PlatformTeams)

	a.Feed(&codec.EncodedChunk{Data: []byte{0xDE, 0xAD}})
	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, KindEncodedChunk, got[0].Kind)
	assert.Equal(t, []byte{0xDE, 0xAD}, got[0].Chunk)
}

func TestTeams_CaptionAndChat(t *testing.T) {
	a, events := startAdapter(t, bot.PlatformTeams)

	feedJSON(a, `{"kind":"closedCaption","captionId":7,"version":2,"mri":"8:orgid:u1","text":"hello","isFinal":true,"timestampMs":500}`)
	feedJSON(a, `{"kind":"chatMessage","messageId":"m1","mri":"8:orgid:u1","senderName":"Ada","content":"hi bot","toBot":true,"timestampMs":600}`)

	got := drain(events)
	require.Len(t, got, 2)

	caption := got[0].Caption
	require.NotNil(t, caption)
	assert.Equal(t, int64(7), caption.CaptionID)
	assert.Equal(t, int64(2), caption.Version)
	assert.True(t, caption.Final)
	assert.Equal(t, "hello", caption.Text)

	chat := got[1].Chat
	require.NotNil(t, chat)
	assert.Equal(t, "m1", chat.MessageID)
	assert.True(t, chat.ToBot)
	assert.Equal(t, "hi bot", chat.Text)
}

func TestMalformedSignalIgnored(t *testing.T) {
	a, events := startAdapter(t, bot.PlatformZoom)

	feedJSON(a, `{"evt":`)
	feedJSON(a, `[]`)
	assert.Empty(t, drain(events))
}

func TestSilenceStatus(t *testing.T) {
	a, events := startAdapter(t, bot.PlatformZoom)

	feedJSON(a, `{"evt":"audio_status","silent":true,"sinceMs":5000}`)
	got := drain(events)
	require.Len(t, got, 1)
	assert.Equal(t, KindSilence, got[0].Kind)
	assert.True(t, got[0].Silence.Silent)
	assert.Equal(t, int64(5000), got[0].Silence.SinceMs)
}

func TestStop_ClosesEventStream(t *testing.T) {
	a, err := New(bot.PlatformZoom, Options{})
	require.NoError(t, err)
	events, err := a.Start(context.Background())
	require.NoError(t, err)

	a.Stop()
	a.Stop() // idempotent

	_, open := <-events
	assert.False(t, open)

	// Feeding after stop must not panic.
	a.Feed(&codec.AudioFrame{TimestampUs: 1, Data: []byte{0, 0}})
}
