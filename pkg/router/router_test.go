package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/meetingbot/pkg/adapter"
	"github.com/tapeworks/meetingbot/pkg/bot"
)

type testSink struct {
	name  string
	kinds map[ItemKind]bool
	rate  int

	consumeErr error
	flushErr   error
	block      chan struct{}

	mu      sync.Mutex
	items   []Item
	flushed bool
}

func newTestSink(name string, kinds ...ItemKind) *testSink {
	s := &testSink{name: name, kinds: make(map[ItemKind]bool)}
	for _, k := range kinds {
		s.kinds[k] = true
	}
	return s
}

func (s *testSink) Name() string          { return s.name }
func (s *testSink) Wants(k ItemKind) bool { return s.kinds[k] }
func (s *testSink) AudioRate() int        { return s.rate }

func (s *testSink) Consume(item Item) error {
	if s.block != nil {
		<-s.block
	}
	if s.consumeErr != nil {
		return s.consumeErr
	}
	s.mu.Lock()
	s.items = append(s.items, item)
	s.mu.Unlock()
	return nil
}

func (s *testSink) Flush() error {
	s.mu.Lock()
	s.flushed = true
	s.mu.Unlock()
	return s.flushErr
}

func (s *testSink) got() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

func (s *testSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *testSink) wasFlushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

func audioFrame(samples int, rate int) *adapter.AudioFrame {
	return &adapter.AudioFrame{
		TimestampUs: 1000,
		SampleRate:  rate,
		Data:        make([]byte, samples*2),
	}
}

func closeRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func TestTrackSelection_ScreenShareWins(t *testing.T) {
	r := New("bot-1")
	sink := newTestSink("rec", ItemVideo)
	require.NoError(t, r.AddSink(sink))

	camera := adapter.DeviceOutput{StreamID: "cam-a", Kind: adapter.OutputVideo, Active: true, CreatedMs: 0}
	assert.True(t, r.UpdateOutputs([]adapter.DeviceOutput{camera}))

	r.PublishVideo(&adapter.VideoFrame{StreamID: "cam-a", TimestampUs: 100})
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)

	share := adapter.DeviceOutput{StreamID: "share-b", Kind: adapter.OutputScreenShare, Active: true, CreatedMs: 200}
	assert.True(t, r.UpdateOutputs([]adapter.DeviceOutput{camera, share}))

	// Camera frames are ignored while the share is selected, even when
	// they arrive after the switch.
	r.PublishVideo(&adapter.VideoFrame{StreamID: "cam-a", TimestampUs: 201})
	r.PublishVideo(&adapter.VideoFrame{StreamID: "share-b", TimestampUs: 202})
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "share-b", sink.got()[1].Video.StreamID)

	// The share ending reverts selection to the camera.
	assert.True(t, r.UpdateOutputs([]adapter.DeviceOutput{camera}))
	r.PublishVideo(&adapter.VideoFrame{StreamID: "cam-a", TimestampUs: 300})
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)

	closeRouter(t, r)
}

func TestTrackSelection_TieBreaksByFirstSeen(t *testing.T) {
	r := New("bot-1")

	camA := adapter.DeviceOutput{StreamID: "cam-a", Kind: adapter.OutputVideo, Active: true, CreatedMs: 500}
	camB := adapter.DeviceOutput{StreamID: "cam-b", Kind: adapter.OutputVideo, Active: true, CreatedMs: 500}

	assert.True(t, r.UpdateOutputs([]adapter.DeviceOutput{camA}))
	// cam-b has the same creation time but was seen later, so the
	// selection must not change.
	assert.False(t, r.UpdateOutputs([]adapter.DeviceOutput{camA, camB}))
	assert.Equal(t, "cam-a", r.Stats().SelectedTrack)

	closeRouter(t, r)
}

func TestTrackSelection_NewerCameraWins(t *testing.T) {
	r := New("bot-1")

	old := adapter.DeviceOutput{StreamID: "cam-old", Kind: adapter.OutputVideo, Active: true, CreatedMs: 100}
	newer := adapter.DeviceOutput{StreamID: "cam-new", Kind: adapter.OutputVideo, Active: true, CreatedMs: 900}
	assert.True(t, r.UpdateOutputs([]adapter.DeviceOutput{old}))
	assert.True(t, r.UpdateOutputs([]adapter.DeviceOutput{old, newer}))
	assert.Equal(t, "cam-new", r.Stats().SelectedTrack)

	closeRouter(t, r)
}

func TestCaptionDedup(t *testing.T) {
	r := New("bot-1")
	sink := newTestSink("events", ItemCaption)
	require.NoError(t, r.AddSink(sink))

	r.PublishCaption(&bot.CaptionEvent{CaptionID: 7, Version: 1, Text: "hel"})
	r.PublishCaption(&bot.CaptionEvent{CaptionID: 7, Version: 1, Text: "hel"})
	r.PublishCaption(&bot.CaptionEvent{CaptionID: 7, Version: 3, Text: "hello world"})
	r.PublishCaption(&bot.CaptionEvent{CaptionID: 7, Version: 2, Text: "hello"})
	r.PublishCaption(&bot.CaptionEvent{CaptionID: 8, Version: 1, Text: "other"})

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
	items := sink.got()
	assert.Equal(t, int64(1), items[0].Caption.Version)
	assert.Equal(t, int64(3), items[1].Caption.Version)
	assert.Equal(t, int64(8), items[2].Caption.CaptionID)

	closeRouter(t, r)
}

func TestSlowSinkDropsWithoutStallingOthers(t *testing.T) {
	r := New("bot-1", WithQueueSize(2))

	slow := newTestSink("slow", ItemAudio)
	slow.block = make(chan struct{})
	fast := newTestSink("fast", ItemAudio)
	require.NoError(t, r.AddSink(slow))
	require.NoError(t, r.AddSink(fast))

	for i := 0; i < 10; i++ {
		r.PublishAudio(audioFrame(320, 32000))
	}

	// The fast sink sees everything even though the slow one is wedged.
	require.Eventually(t, func() bool { return fast.count() == 10 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, slow.count())
	assert.GreaterOrEqual(t, r.Stats().DroppedItems, uint64(7))

	close(slow.block)
	closeRouter(t, r)
	assert.True(t, slow.wasFlushed())
	assert.True(t, fast.wasFlushed())
}

func TestAudioResampledPerSinkRate(t *testing.T) {
	r := New("bot-1")
	native := newTestSink("native", ItemAudio)
	down := newTestSink("down", ItemAudio)
	down.rate = 16000
	require.NoError(t, r.AddSink(native))
	require.NoError(t, r.AddSink(down))

	// 20ms at 32 kHz.
	r.PublishAudio(audioFrame(640, 32000))

	require.Eventually(t, func() bool { return native.count() == 1 && down.count() == 1 }, time.Second, 5*time.Millisecond)

	got := native.got()[0].Audio
	assert.Equal(t, 32000, got.SampleRate)
	assert.Len(t, got.Data, 1280)

	got = down.got()[0].Audio
	assert.Equal(t, 16000, got.SampleRate)
	assert.Len(t, got.Data, 640)

	closeRouter(t, r)
}

func TestPublishAudio_PerSinkPooledCopies(t *testing.T) {
	r := New("bot-1")
	a := newTestSink("a", ItemAudio)
	b := newTestSink("b", ItemAudio)
	gate := make(chan struct{})
	a.block = gate
	b.block = gate
	require.NoError(t, r.AddSink(a))
	require.NoError(t, r.AddSink(b))

	frame := audioFrame(320, 32000)
	for i := range frame.Data {
		frame.Data[i] = byte(i)
	}
	want := make([]byte, len(frame.Data))
	copy(want, frame.Data)

	r.PublishAudio(frame)
	close(gate)
	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 1 }, time.Second, 5*time.Millisecond)

	da := a.got()[0].Audio.Data
	db := b.got()[0].Audio.Data
	assert.Equal(t, want, da)
	assert.Equal(t, want, db)

	// Each sink consumed its own copy; neither aliases the capture frame,
	// which the caller is free to reuse after PublishAudio returns.
	assert.NotSame(t, &frame.Data[0], &da[0])
	assert.NotSame(t, &frame.Data[0], &db[0])
	assert.NotSame(t, &da[0], &db[0])

	closeRouter(t, r)
}

func TestFailedSinkGoesDegraded(t *testing.T) {
	r := New("bot-1")
	bad := newTestSink("bad", ItemAudio)
	bad.consumeErr = errors.New("disk full")
	good := newTestSink("good", ItemAudio)
	require.NoError(t, r.AddSink(bad))
	require.NoError(t, r.AddSink(good))

	for i := 0; i < 3; i++ {
		r.PublishAudio(audioFrame(320, 32000))
	}

	select {
	case ev := <-r.Degraded():
		assert.Equal(t, "bad", ev.Sink)
		assert.ErrorContains(t, ev.Err, "disk full")
	case <-time.After(time.Second):
		t.Fatal("no degraded event")
	}

	require.Eventually(t, func() bool { return good.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, bad.count())

	closeRouter(t, r)
}

func TestRemoveSinkDrainsAndFlushes(t *testing.T) {
	r := New("bot-1")
	sink := newTestSink("rec", ItemChunk)
	require.NoError(t, r.AddSink(sink))

	r.PublishChunk([]byte{0x01, 0x02})
	r.RemoveSink("rec")

	assert.Equal(t, 1, sink.count())
	assert.True(t, sink.wasFlushed())

	// Publishing after removal is a no-op.
	r.PublishChunk([]byte{0x03})
	assert.Equal(t, 1, sink.count())

	closeRouter(t, r)
}

func TestAddSink_DuplicateName(t *testing.T) {
	r := New("bot-1")
	require.NoError(t, r.AddSink(newTestSink("rec")))
	assert.Error(t, r.AddSink(newTestSink("rec")))
	closeRouter(t, r)
}

func TestClose_ReportsFlushError(t *testing.T) {
	r := New("bot-1")
	sink := newTestSink("rec", ItemAudio)
	sink.flushErr = errors.New("short write")
	require.NoError(t, r.AddSink(sink))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := r.Close(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "rec")
	assert.ErrorContains(t, err, "short write")
}

func TestPublishAfterClose(t *testing.T) {
	r := New("bot-1")
	sink := newTestSink("rec", ItemAudio)
	require.NoError(t, r.AddSink(sink))
	closeRouter(t, r)

	r.PublishAudio(audioFrame(320, 32000))
	assert.Equal(t, 0, sink.count())
	require.Error(t, r.AddSink(newTestSink("late")))
}

func TestChatForwarded(t *testing.T) {
	r := New("bot-1")
	sink := newTestSink("events", ItemChat)
	require.NoError(t, r.AddSink(sink))

	r.PublishChat(&bot.ChatMessage{MessageID: "m1", SenderName: "Ada", Text: "hi"})
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", sink.got()[0].Chat.Text)

	closeRouter(t, r)
}
