package recorder

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/meetingbot/pkg/adapter"
	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/router"
)

func audioItem(samples int, rate int) router.Item {
	return router.Item{Kind: router.ItemAudio, Audio: &router.AudioItem{
		SampleRate: rate,
		Data:       make([]byte, samples*2),
	}}
}

func chunkItem(data []byte) router.Item {
	return router.Item{Kind: router.ItemChunk, Chunk: data}
}

func TestWAVRecording(t *testing.T) {
	dir := t.TempDir()
	rec, err := New("bot-1", dir, bot.RecordingConfig{Format: "wav"}, 16000)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Consume(audioItem(320, 16000)))
	}
	require.NoError(t, rec.Flush())

	path := filepath.Join(dir, "bot-1", "recording.wav")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 44+1920)

	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, uint32(36+1920), binary.LittleEndian.Uint32(data[4:8]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[22:24]), "mono")
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(data[28:32]), "byte rate")
	assert.Equal(t, "data", string(data[36:40]))
	assert.Equal(t, uint32(1920), binary.LittleEndian.Uint32(data[40:44]))

	res := rec.Result()
	assert.Equal(t, "wav", res.Format)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, int64(1920), res.Bytes)
	assert.Equal(t, int64(60), res.DurationMs)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := New("bot-1", dir, bot.RecordingConfig{Format: "flac"}, 16000)
	assert.Error(t, err)

	_, err = New("bot-1", dir, bot.RecordingConfig{Format: "wav"}, 0)
	assert.Error(t, err)
}

func TestChunkRecording(t *testing.T) {
	dir := t.TempDir()
	rec, err := New("bot-1", dir, bot.RecordingConfig{Format: "chunks"}, 0)
	require.NoError(t, err)

	chunks := [][]byte{
		bytes.Repeat([]byte{0xAA}, 100),
		bytes.Repeat([]byte{0xBB}, 200),
		bytes.Repeat([]byte{0xCC}, 300),
	}
	for _, c := range chunks {
		require.NoError(t, rec.Consume(chunkItem(c)))
	}
	require.NoError(t, rec.Flush())

	segPath := filepath.Join(dir, "bot-1", "segment_00000.bin")
	data, err := os.ReadFile(segPath)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(chunks, nil), data)

	idxData, err := os.ReadFile(filepath.Join(dir, "bot-1", "index.json"))
	require.NoError(t, err)
	var idx ChunkIndex
	require.NoError(t, json.Unmarshal(idxData, &idx))
	assert.Equal(t, "bot-1", idx.BotID)
	require.Len(t, idx.Segments, 1)
	assert.Equal(t, int64(600), idx.Segments[0].Bytes)
	assert.Equal(t, 3, idx.Segments[0].Chunks)
	assert.Equal(t, int64(600), idx.TotalBytes)
	assert.False(t, idx.FinalizedAt.IsZero())

	res := rec.Result()
	assert.Equal(t, "chunks", res.Format)
	assert.Equal(t, 1, res.Segments)
	assert.Equal(t, int64(600), res.Bytes)
}

func TestChunkRotation(t *testing.T) {
	dir := t.TempDir()
	rec, err := New("bot-1", dir, bot.RecordingConfig{Format: "chunks"}, 0, WithSegmentBytes(150))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Consume(chunkItem(make([]byte, 100))))
	}
	require.NoError(t, rec.Flush())

	for seq := 0; seq < 3; seq++ {
		name := filepath.Join(dir, "bot-1", "segment_0000"+string(rune('0'+seq))+".bin")
		info, err := os.Stat(name)
		require.NoError(t, err, name)
		assert.Equal(t, int64(100), info.Size())
	}
	assert.Equal(t, 3, rec.Result().Segments)
}

func TestWants(t *testing.T) {
	dir := t.TempDir()

	wav, err := New("bot-1", dir, bot.RecordingConfig{Format: "wav"}, 16000)
	require.NoError(t, err)
	assert.True(t, wav.Wants(router.ItemAudio))
	assert.False(t, wav.Wants(router.ItemChunk))
	assert.False(t, wav.Wants(router.ItemVideo))
	require.NoError(t, wav.Flush())

	chunks, err := New("bot-2", dir, bot.RecordingConfig{Format: "chunks"}, 0)
	require.NoError(t, err)
	assert.True(t, chunks.Wants(router.ItemChunk))
	assert.False(t, chunks.Wants(router.ItemAudio))
	require.NoError(t, chunks.Flush())
}

func TestPauseResume(t *testing.T) {
	dir := t.TempDir()
	rec, err := New("bot-1", dir, bot.RecordingConfig{Format: "wav"}, 16000)
	require.NoError(t, err)

	assert.True(t, rec.Wants(router.ItemAudio))
	rec.Pause()
	assert.False(t, rec.Wants(router.ItemAudio))
	rec.Resume()
	assert.True(t, rec.Wants(router.ItemAudio))
	require.NoError(t, rec.Flush())
}

func TestFlushIdempotent(t *testing.T) {
	dir := t.TempDir()
	rec, err := New("bot-1", dir, bot.RecordingConfig{Format: "wav"}, 16000)
	require.NoError(t, err)

	require.NoError(t, rec.Flush())
	require.NoError(t, rec.Flush())
	assert.Error(t, rec.Consume(audioItem(320, 16000)))
}

func TestRecorderOnRouter(t *testing.T) {
	dir := t.TempDir()
	rec, err := New("bot-1", dir, bot.RecordingConfig{Format: "wav"}, 16000)
	require.NoError(t, err)

	rt := router.New("bot-1")
	require.NoError(t, rt.AddSink(rec))

	// 20ms at the 32 kHz capture rate, resampled down to 16 kHz.
	rt.PublishAudio(&adapter.AudioFrame{SampleRate: 32000, Data: make([]byte, 1280)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Close(ctx))

	res := rec.Result()
	assert.Equal(t, int64(640), res.Bytes)
	assert.Equal(t, int64(20), res.DurationMs)
}
