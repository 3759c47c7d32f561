package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/codec"
	"github.com/tapeworks/meetingbot/pkg/config"
	"github.com/tapeworks/meetingbot/pkg/delivery"
	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/metrics"
	"github.com/tapeworks/meetingbot/pkg/router"
	"github.com/tapeworks/meetingbot/pkg/session"
)

// WSHandler owns both WebSocket surfaces: the capture ingest socket the
// in-meeting payload connects to, and the consumer realtime-audio
// socket.
type WSHandler struct {
	upgrader websocket.Upgrader
	manager  *session.Manager
	cfg      config.WebSocketConfig
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(manager *session.Manager, cfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		manager: manager,
		cfg:     cfg,
	}
}

// HandleCapture accepts the in-page capture payload's connection and
// pumps decoded transport frames into the bot's session. Exactly one
// capture connection per bot; frames with an unknown or malformed
// framing are dropped without closing the socket.
func (h *WSHandler) HandleCapture(w http.ResponseWriter, r *http.Request, botID string) {
	sess, ok := h.manager.Get(botID)
	if !ok {
		http.Error(w, "Bot has no active session", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade capture connection: %v", err)
		return
	}
	logger := log.WithBot(botID).WithField("component", "capture_ws")

	writer := codec.NewWriter(conn, h.cfg.WriteTimeout)
	if err := sess.AttachCapture(writer); err != nil {
		logger.WithError(err).Warn("Rejecting capture connection")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	logger.Info("Capture payload connected")

	readErr := h.captureReadLoop(conn, sess, logger)
	conn.Close()
	sess.CaptureClosed(readErr)
	logger.WithError(readErr).Info("Capture payload disconnected")
}

func (h *WSHandler) captureReadLoop(conn *websocket.Conn, sess *session.Session, logger *logrus.Entry) error {
	conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		metrics.CaptureBytes.Add(float64(len(data)))

		var m codec.Message
		switch msgType {
		case websocket.BinaryMessage:
			m, err = codec.Decode(data)
			if err != nil {
				// Unknown tags and short frames are dropped, not fatal.
				logger.WithError(err).Debug("Dropping undecodable capture frame")
				continue
			}
		case websocket.TextMessage:
			// Text frames carry the same JSON signaling as type-1 binary
			// frames; some capture builds send them untagged.
			m = &codec.JSONMessage{Data: data}
		default:
			continue
		}
		sess.Feed(m)
	}
}

// HandleAudio serves a consumer realtime-audio connection: mixed meeting
// audio flows out as JSON envelopes, bot_output messages flow in.
func (h *WSHandler) HandleAudio(w http.ResponseWriter, r *http.Request, botID string) {
	sess, ok := h.manager.Get(botID)
	if !ok {
		http.Error(w, "Bot has no active session", http.StatusNotFound)
		return
	}

	rate, err := parseSampleRate(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade audio connection: %v", err)
		return
	}

	client := newAudioClient(conn, botID, rate, h.cfg)
	if err := sess.AttachSink(client); err != nil {
		client.logger.WithError(err).Warn("Rejecting audio consumer")
		conn.Close()
		return
	}
	client.logger.Info("Audio consumer connected")

	go client.writePump()
	client.readPump(sess)

	// DetachSink drains the queue and calls Flush, which closes the
	// connection and stops the write pump.
	sess.DetachSink(client.Name())
	client.logger.Info("Audio consumer disconnected")
}

// audioClient is one consumer connection, registered on the session's
// router as an audio sink. Envelopes the write pump cannot keep up with
// are dropped; realtime consumers want fresh audio, not a backlog.
type audioClient struct {
	id     string
	botID  string
	rate   int
	conn   *websocket.Conn
	cfg    config.WebSocketConfig
	logger *logrus.Entry

	send      chan delivery.AudioEnvelope
	stop      chan struct{}
	closeOnce sync.Once
}

func newAudioClient(conn *websocket.Conn, botID string, rate int, cfg config.WebSocketConfig) *audioClient {
	id := fmt.Sprintf("consumer-%s", conn.RemoteAddr())
	return &audioClient{
		id:     id,
		botID:  botID,
		rate:   rate,
		conn:   conn,
		cfg:    cfg,
		logger: log.WithBot(botID).WithFields(map[string]interface{}{"component": "audio_ws", "client": id}),
		send:   make(chan delivery.AudioEnvelope, 64),
		stop:   make(chan struct{}),
	}
}

func (c *audioClient) Name() string { return c.id }

func (c *audioClient) Wants(kind router.ItemKind) bool {
	return kind == router.ItemAudio
}

func (c *audioClient) AudioRate() int { return c.rate }

func (c *audioClient) Consume(item router.Item) error {
	env := mixedAudioEnvelope(c.botID, item.Audio)
	select {
	case c.send <- env:
	case <-c.stop:
	default:
		c.logger.Debug("Dropping audio envelope (send channel full)")
	}
	return nil
}

func (c *audioClient) Flush() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.conn.Close()
	})
	return nil
}

// writePump pumps envelopes from the send channel to the connection.
func (c *audioClient) writePump() {
	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()
	defer c.Flush()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.WithError(err).Debug("Audio write failed")
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}
		case <-c.stop:
			return
		}
	}
}

// readPump consumes inbound messages. Well-formed bot_output audio is
// injected into the meeting; everything else is logged and ignored, the
// connection stays up.
func (c *audioClient) readPump(sess *session.Session) {
	defer c.Flush()

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("Audio read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		out, err := parseBotOutput(data)
		if err != nil {
			if !errors.Is(err, errNotBotOutput) {
				c.logger.WithError(err).Warn("Ignoring malformed inbound message")
			}
			continue
		}
		sess.InjectOutput(out)
	}
}
