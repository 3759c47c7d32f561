package asr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/metrics"
)

const assemblyAIDefaultURL = "wss://api.assemblyai.com/v2/realtime/ws"

// assemblyAI speaks the AssemblyAI realtime API: base64 audio inside
// JSON text frames, partial/final transcripts out, a terminate message
// to finish the session.
type assemblyAI struct {
	apiKey     string
	baseURL    string
	sampleRate int
	logger     *logrus.Entry

	conn       *websocket.Conn
	writeMu    sync.Mutex
	results    chan Result
	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

func newAssemblyAI(botID, apiKey string, sampleRate int, s settings) *assemblyAI {
	base := s.baseURL
	if base == "" {
		base = assemblyAIDefaultURL
	}
	return &assemblyAI{
		apiKey:     apiKey,
		baseURL:    base,
		sampleRate: sampleRate,
		logger:     log.WithBot(botID).WithFields(map[string]interface{}{"component": "asr", "provider": "assemblyai"}),
		results:    make(chan Result, resultBuffer),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

type assemblyAIMessage struct {
	MessageType string  `json:"message_type"`
	SessionID   string  `json:"session_id,omitempty"`
	Text        string  `json:"text,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	AudioStart  int64   `json:"audio_start,omitempty"`
	AudioEnd    int64   `json:"audio_end,omitempty"`
}

func (a *assemblyAI) Start(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{"Authorization": {a.apiKey}}
	u := fmt.Sprintf("%s?sample_rate=%d", a.baseURL, a.sampleRate)
	conn, _, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("connecting to assemblyai: %w", err)
	}

	// The server opens with a SessionBegins message; audio sent before
	// it arrives is discarded on their side.
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello assemblyAIMessage
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("waiting for session start: %w", err)
	}
	if hello.MessageType != "SessionBegins" {
		conn.Close()
		return fmt.Errorf("unexpected opening message %q", hello.MessageType)
	}
	conn.SetReadDeadline(time.Time{})

	a.conn = conn
	a.logger.Infof("Session %s started at %d Hz", hello.SessionID, a.sampleRate)
	go a.readLoop()
	return nil
}

func (a *assemblyAI) SendAudio(audio []byte) error {
	payload := struct {
		AudioData string `json:"audio_data"`
	}{AudioData: base64.StdEncoding.EncodeToString(audio)}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.write(data)
}

func (a *assemblyAI) write(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *assemblyAI) readLoop() {
	defer close(a.results)
	defer close(a.readerDone)
	for {
		var msg assemblyAIMessage
		if err := a.conn.ReadJSON(&msg); err != nil {
			select {
			case <-a.done:
			default:
				a.logger.WithError(err).Warn("Connection lost")
			}
			return
		}
		var final bool
		switch msg.MessageType {
		case "PartialTranscript":
			final = false
		case "FinalTranscript":
			final = true
		case "SessionTerminated":
			return
		default:
			continue
		}
		if msg.Text == "" {
			continue
		}
		kind := "partial"
		if final {
			kind = "final"
		}
		metrics.TranscriptResults.WithLabelValues("assemblyai", kind).Inc()
		r := Result{
			Text:       msg.Text,
			Final:      final,
			Confidence: msg.Confidence,
			StartMs:    msg.AudioStart,
			DurationMs: msg.AudioEnd - msg.AudioStart,
		}
		select {
		case a.results <- r:
		default:
			a.logger.Warn("Dropping transcript result (channel full)")
		}
	}
}

func (a *assemblyAI) Results() <-chan Result { return a.results }

func (a *assemblyAI) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		if a.conn == nil {
			close(a.results)
			close(a.readerDone)
			return
		}
		if writeErr := a.write([]byte(`{"terminate_session":true}`)); writeErr == nil {
			select {
			case <-a.readerDone:
			case <-time.After(3 * time.Second):
				a.logger.Warn("Timed out waiting for session termination")
			}
		}
		err = a.conn.Close()
	})
	return err
}
