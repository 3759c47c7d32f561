package asr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/router"
)

var testUpgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "result channel closed early")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func waitClosed(t *testing.T, ch <-chan Result) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("result channel not closed")
		}
	}
}

func TestDeepgram_StreamsAndFlushes(t *testing.T) {
	var audioBytes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "linear16", r.URL.Query().Get("encoding"))
		assert.Equal(t, "16000", r.URL.Query().Get("sample_rate"))

		c, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				audioBytes.Add(int64(len(data)))
				c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"start":0,"duration":1.0,"channel":{"alternatives":[{"transcript":"hello","confidence":0.41}]}}`))
				c.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"start":0,"duration":1.98,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.97}]}}`))
				continue
			}
			var ctrl struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &ctrl) == nil && ctrl.Type == "CloseStream" {
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	defer srv.Close()

	p, err := New("bot-1", bot.TranscriptionConfig{Provider: "deepgram", SampleRate: 16000}, "test-key", WithBaseURL(wsURL(srv)))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.SendAudio(make([]byte, 640)))

	partial := readResult(t, p.Results())
	assert.Equal(t, "hello", partial.Text)
	assert.False(t, partial.Final)

	final := readResult(t, p.Results())
	assert.Equal(t, "hello world", final.Text)
	assert.True(t, final.Final)
	assert.InDelta(t, 0.97, final.Confidence, 0.001)
	assert.Equal(t, int64(1980), final.DurationMs)

	require.NoError(t, p.Close())
	waitClosed(t, p.Results())
	assert.Equal(t, int64(640), audioBytes.Load())
}

func TestAssemblyAI_StreamsAndTerminates(t *testing.T) {
	var audioBytes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "16000", r.URL.Query().Get("sample_rate"))

		c, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer c.Close()
		c.WriteJSON(map[string]string{"message_type": "SessionBegins", "session_id": "sess-1"})
		for {
			var msg struct {
				AudioData        string `json:"audio_data"`
				TerminateSession bool   `json:"terminate_session"`
			}
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			if msg.TerminateSession {
				c.WriteJSON(map[string]string{"message_type": "SessionTerminated"})
				return
			}
			if msg.AudioData != "" {
				decoded, err := base64.StdEncoding.DecodeString(msg.AudioData)
				require.NoError(t, err)
				audioBytes.Add(int64(len(decoded)))
				c.WriteJSON(map[string]interface{}{"message_type": "PartialTranscript", "text": "good", "confidence": 0.5, "audio_start": 0, "audio_end": 700})
				c.WriteJSON(map[string]interface{}{"message_type": "FinalTranscript", "text": "good morning", "confidence": 0.93, "audio_start": 0, "audio_end": 1500})
			}
		}
	}))
	defer srv.Close()

	p, err := New("bot-1", bot.TranscriptionConfig{Provider: "assemblyai", SampleRate: 16000}, "test-key", WithBaseURL(wsURL(srv)))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.SendAudio(make([]byte, 640)))

	partial := readResult(t, p.Results())
	assert.Equal(t, "good", partial.Text)
	assert.False(t, partial.Final)

	final := readResult(t, p.Results())
	assert.Equal(t, "good morning", final.Text)
	assert.True(t, final.Final)
	assert.Equal(t, int64(1500), final.DurationMs)

	require.NoError(t, p.Close())
	waitClosed(t, p.Results())
	assert.Equal(t, int64(640), audioBytes.Load())
}

func TestNew_Validation(t *testing.T) {
	_, err := New("bot-1", bot.TranscriptionConfig{Provider: "whisper"}, "key")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = New("bot-1", bot.TranscriptionConfig{Provider: "deepgram"}, "")
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = New("bot-1", bot.TranscriptionConfig{Provider: "deepgram", SampleRate: 44100}, "key")
	assert.Error(t, err)
}

type fakeProvider struct {
	sent   [][]byte
	closed bool
	err    error
}

func (f *fakeProvider) Start(ctx context.Context) error { return nil }
func (f *fakeProvider) SendAudio(audio []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, audio)
	return nil
}
func (f *fakeProvider) Results() <-chan Result { return nil }
func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

func TestSink(t *testing.T) {
	fp := &fakeProvider{}
	s := NewSink(fp, 16000)

	assert.Equal(t, "transcriber", s.Name())
	assert.Equal(t, 16000, s.AudioRate())
	assert.True(t, s.Wants(router.ItemAudio))
	assert.False(t, s.Wants(router.ItemVideo))

	item := router.Item{Kind: router.ItemAudio, Audio: &router.AudioItem{Data: make([]byte, 320)}}
	require.NoError(t, s.Consume(item))
	require.Len(t, fp.sent, 1)

	require.NoError(t, s.Flush())
	assert.True(t, fp.closed)

	fp.err = errors.New("socket gone")
	assert.Error(t, s.Consume(item))
}
