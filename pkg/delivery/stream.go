package delivery

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/metrics"
	"github.com/tapeworks/meetingbot/pkg/pcm"
	"github.com/tapeworks/meetingbot/pkg/router"
)

// Realtime audio triggers on the consumer WebSocket.
const (
	TriggerRealtimeAudio = "realtime_audio.mixed"
	TriggerBotOutput     = "realtime_audio.bot_output"
)

const (
	streamWriteTimeout = 5 * time.Second
	// Reconnect budget on drop or failed initial connect.
	defaultRetryAttempts = 30
	defaultRetryDelay    = 2 * time.Second
)

// AudioEnvelope is the outbound realtime-audio message.
type AudioEnvelope struct {
	BotID   string     `json:"bot_id"`
	Trigger string     `json:"trigger"`
	Data    AudioChunk `json:"data"`
}

// AudioChunk carries base64 PCM16 mono audio.
type AudioChunk struct {
	Chunk       string `json:"chunk"`
	SampleRate  int    `json:"sample_rate"`
	TimestampMs int64  `json:"timestamp_ms,omitempty"`
}

// BotOutput is decoded inbound audio a consumer wants the bot to play
// into the meeting.
type BotOutput struct {
	Chunk      []byte
	SampleRate int
}

// Stream bridges one bot's mixed audio to one consumer WebSocket URL.
// It is a router sink: frames sent while disconnected are dropped, and
// only an exhausted reconnect budget degrades the sink.
type Stream struct {
	botID string
	name  string
	url   string
	rate  int

	retryAttempts int
	retryDelay    time.Duration

	logger *logrus.Entry

	mu           sync.Mutex
	conn         *websocket.Conn
	reconnecting bool
	terminalErr  error

	outputs   chan BotOutput
	done      chan struct{}
	readers   sync.WaitGroup
	closeOnce sync.Once
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithRetryPolicy overrides the reconnect budget, used by tests.
func WithRetryPolicy(attempts int, delay time.Duration) StreamOption {
	return func(s *Stream) {
		s.retryAttempts = attempts
		s.retryDelay = delay
	}
}

// NewStream creates a bridge to one consumer URL. index distinguishes
// multiple bridges of the same bot.
func NewStream(botID, url string, sampleRate, index int, opts ...StreamOption) *Stream {
	s := &Stream{
		botID:         botID,
		name:          fmt.Sprintf("stream-%d", index),
		url:           url,
		rate:          sampleRate,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
		logger:        log.WithBot(botID).WithFields(map[string]interface{}{"component": "stream", "url": url}),
		outputs:       make(chan BotOutput, 64),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins connecting in the background; the reconnect budget
// covers the initial connect too.
func (s *Stream) Start() {
	s.mu.Lock()
	s.reconnecting = true
	s.mu.Unlock()
	go s.connectLoop()
}

// Outputs delivers decoded bot_output audio from the consumer.
func (s *Stream) Outputs() <-chan BotOutput {
	return s.outputs
}

func (s *Stream) connectLoop() {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		select {
		case <-s.done:
			return
		default:
		}
		conn, _, err := dialer.Dial(s.url, nil)
		if err == nil {
			s.mu.Lock()
			select {
			case <-s.done:
				s.mu.Unlock()
				conn.Close()
				return
			default:
			}
			s.conn = conn
			s.reconnecting = false
			s.mu.Unlock()
			s.logger.Info("Connected")
			s.readers.Add(1)
			go s.readLoop(conn)
			return
		}
		metrics.StreamReconnects.Inc()
		s.logger.WithError(err).Warnf("Connect attempt %d/%d failed", attempt, s.retryAttempts)
		select {
		case <-s.done:
			return
		case <-time.After(s.retryDelay):
		}
	}
	s.mu.Lock()
	s.terminalErr = fmt.Errorf("stream to %s: giving up after %d attempts", s.url, s.retryAttempts)
	s.reconnecting = false
	s.mu.Unlock()
	s.logger.Error("Reconnect budget exhausted")
}

// handleDisconnect tears down a dead connection and starts the
// reconnect loop, once, no matter which goroutine noticed first.
func (s *Stream) handleDisconnect(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	alreadyReconnecting := s.reconnecting
	s.reconnecting = true
	s.mu.Unlock()
	conn.Close()

	select {
	case <-s.done:
		return
	default:
	}
	s.logger.WithError(err).Warn("Connection lost")
	if !alreadyReconnecting {
		go s.connectLoop()
	}
}

func (s *Stream) readLoop(conn *websocket.Conn) {
	defer s.readers.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		// Malformed inbound gets logged, nothing is sent back and the
		// connection stays up.
		var env struct {
			Trigger string `json:"trigger"`
			Data    struct {
				Chunk      string `json:"chunk"`
				SampleRate int    `json:"sample_rate"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.WithError(err).Warn("Ignoring malformed inbound message")
			continue
		}
		if env.Trigger != TriggerBotOutput {
			s.logger.Warnf("Ignoring inbound message with trigger %q", env.Trigger)
			continue
		}
		chunk, err := base64.StdEncoding.DecodeString(env.Data.Chunk)
		if err != nil {
			s.logger.WithError(err).Warn("Ignoring bot output with undecodable chunk")
			continue
		}
		if !pcm.ValidSinkRate(env.Data.SampleRate) {
			s.logger.Warnf("Ignoring bot output with unsupported sample rate %d", env.Data.SampleRate)
			continue
		}
		select {
		case s.outputs <- BotOutput{Chunk: chunk, SampleRate: env.Data.SampleRate}:
		case <-s.done:
			return
		default:
			s.logger.Warn("Dropping bot output (channel full)")
		}
	}
}

func (s *Stream) Name() string { return s.name }

func (s *Stream) Wants(kind router.ItemKind) bool {
	return kind == router.ItemAudio
}

func (s *Stream) AudioRate() int { return s.rate }

// Consume sends one audio frame to the consumer. Frames hit during a
// reconnect window are dropped silently; the error return is reserved
// for the terminal reconnect-exhausted state.
func (s *Stream) Consume(item router.Item) error {
	s.mu.Lock()
	if s.terminalErr != nil {
		err := s.terminalErr
		s.mu.Unlock()
		return err
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	env := AudioEnvelope{
		BotID:   s.botID,
		Trigger: TriggerRealtimeAudio,
		Data: AudioChunk{
			Chunk:       base64.StdEncoding.EncodeToString(item.Audio.Data),
			SampleRate:  item.Audio.SampleRate,
			TimestampMs: item.Audio.TimestampUs / 1000,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		s.handleDisconnect(conn, err)
	}
	return nil
}

// Flush closes the bridge.
func (s *Stream) Flush() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		}
		s.readers.Wait()
		close(s.outputs)
	})
	return nil
}
