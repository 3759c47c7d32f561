package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/metrics"
)

const (
	deepgramDefaultURL = "wss://api.deepgram.com/v1/listen"
	// deepgramKeepAlive is how often an idle connection is pinged so
	// Deepgram does not close it between speech.
	deepgramKeepAlive = 8 * time.Second
)

// deepgram speaks the Deepgram live API: binary PCM frames in, JSON
// results out, with KeepAlive and CloseStream text control messages.
type deepgram struct {
	apiKey     string
	baseURL    string
	language   string
	sampleRate int
	logger     *logrus.Entry

	conn       *websocket.Conn
	writeMu    sync.Mutex
	results    chan Result
	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

func newDeepgram(botID, apiKey, language string, sampleRate int, s settings) *deepgram {
	base := s.baseURL
	if base == "" {
		base = deepgramDefaultURL
	}
	return &deepgram{
		apiKey:     apiKey,
		baseURL:    base,
		language:   language,
		sampleRate: sampleRate,
		logger:     log.WithBot(botID).WithFields(map[string]interface{}{"component": "asr", "provider": "deepgram"}),
		results:    make(chan Result, resultBuffer),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

func (d *deepgram) Start(ctx context.Context) error {
	q := url.Values{}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if d.language != "" {
		q.Set("language", d.language)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{"Authorization": {"Token " + d.apiKey}}
	conn, _, err := dialer.DialContext(ctx, d.baseURL+"?"+q.Encode(), header)
	if err != nil {
		return fmt.Errorf("connecting to deepgram: %w", err)
	}
	d.conn = conn
	d.logger.Infof("Connected at %d Hz", d.sampleRate)

	go d.readLoop()
	go d.keepAliveLoop()
	return nil
}

func (d *deepgram) SendAudio(audio []byte) error {
	return d.write(websocket.BinaryMessage, audio)
}

func (d *deepgram) write(messageType int, data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.conn == nil {
		return fmt.Errorf("not connected")
	}
	d.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return d.conn.WriteMessage(messageType, data)
}

type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (d *deepgram) readLoop() {
	defer close(d.results)
	defer close(d.readerDone)
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done:
			default:
				d.logger.WithError(err).Warn("Connection lost")
			}
			return
		}
		var resp deepgramResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			d.logger.WithError(err).Debug("Unparseable message")
			continue
		}
		if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
			continue
		}
		alt := resp.Channel.Alternatives[0]
		if alt.Transcript == "" {
			continue
		}
		kind := "partial"
		if resp.IsFinal {
			kind = "final"
		}
		metrics.TranscriptResults.WithLabelValues("deepgram", kind).Inc()
		r := Result{
			Text:       alt.Transcript,
			Final:      resp.IsFinal,
			Confidence: alt.Confidence,
			StartMs:    int64(resp.Start * 1000),
			DurationMs: int64(resp.Duration * 1000),
		}
		select {
		case d.results <- r:
		default:
			d.logger.Warn("Dropping transcript result (channel full)")
		}
	}
}

func (d *deepgram) keepAliveLoop() {
	ticker := time.NewTicker(deepgramKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if err := d.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

func (d *deepgram) Results() <-chan Result { return d.results }

// Close asks Deepgram to flush remaining results, waits briefly for
// the server to finish, then tears the connection down.
func (d *deepgram) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		if d.conn == nil {
			close(d.results)
			close(d.readerDone)
			return
		}
		if writeErr := d.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); writeErr == nil {
			select {
			case <-d.readerDone:
			case <-time.After(3 * time.Second):
				d.logger.Warn("Timed out waiting for final results")
			}
		}
		err = d.conn.Close()
	})
	return err
}
