// Package recorder persists a bot's meeting media to disk. In "wav"
// mode it writes decoded mixed audio to a single WAV file; in "chunks"
// mode it writes the capture payload's encoded media chunks to
// numbered segment files plus an index manifest.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/pcm"
	"github.com/tapeworks/meetingbot/pkg/router"
)

// SinkName is the recorder's registration name on the router.
const SinkName = "recorder"

// Result describes what the recorder persisted, reported to the
// session once the sinks have flushed.
type Result struct {
	Format     string `json:"format"`
	Path       string `json:"path"`
	Bytes      int64  `json:"bytes"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Segments   int    `json:"segments,omitempty"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSegmentBytes caps encoded segment files at n bytes before
// rotation.
func WithSegmentBytes(n int64) Option {
	return func(r *Recorder) { r.segmentBytes = n }
}

// Recorder is the recording sink. Consume runs on the router's worker
// goroutine for this sink; Result is read by the session after the
// router has flushed.
type Recorder struct {
	botID  string
	dir    string
	format string
	rate   int
	logger *logrus.Entry

	segmentBytes int64
	paused       atomic.Bool

	mu     sync.Mutex
	wav    *wavWriter
	chunks *chunkWriter
	closed bool
	result Result
}

// New creates a recorder writing under dir/<botID>/. sampleRate is the
// PCM rate WAV audio is written at; the router resamples to it.
func New(botID, dir string, cfg bot.RecordingConfig, sampleRate int, opts ...Option) (*Recorder, error) {
	format := cfg.Format
	if format == "" {
		format = "wav"
	}
	if format != "wav" && format != "chunks" {
		return nil, fmt.Errorf("unknown recording format %q", format)
	}
	if format == "wav" && sampleRate <= 0 {
		return nil, fmt.Errorf("wav recording needs a positive sample rate, got %d", sampleRate)
	}

	botDir := filepath.Join(dir, botID)
	if err := os.MkdirAll(botDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}

	r := &Recorder{
		botID:  botID,
		dir:    botDir,
		format: format,
		rate:   sampleRate,
		logger: log.WithBot(botID).WithField("component", "recorder"),
	}
	for _, opt := range opts {
		opt(r)
	}

	switch format {
	case "wav":
		w, err := newWAVWriter(filepath.Join(botDir, "recording.wav"), sampleRate)
		if err != nil {
			return nil, fmt.Errorf("creating wav file: %w", err)
		}
		r.wav = w
	case "chunks":
		r.chunks = newChunkWriter(botID, botDir, r.segmentBytes)
	}
	r.logger.Infof("Recording %s to %s", format, botDir)
	return r, nil
}

func (r *Recorder) Name() string { return SinkName }

// Pause stops accepting media without finalizing the files; Resume
// picks the same recording back up. The session toggles these across
// recording start/stop cycles so one bot produces one artifact.
func (r *Recorder) Pause()  { r.paused.Store(true) }
func (r *Recorder) Resume() { r.paused.Store(false) }

func (r *Recorder) Wants(kind router.ItemKind) bool {
	if r.paused.Load() {
		return false
	}
	switch r.format {
	case "wav":
		return kind == router.ItemAudio
	case "chunks":
		return kind == router.ItemChunk
	}
	return false
}

func (r *Recorder) AudioRate() int { return r.rate }

func (r *Recorder) Consume(item router.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recorder closed")
	}
	switch item.Kind {
	case router.ItemAudio:
		if r.wav == nil {
			return nil
		}
		return r.wav.write(item.Audio.Data)
	case router.ItemChunk:
		if r.chunks == nil {
			return nil
		}
		return r.chunks.write(item.Chunk)
	}
	return nil
}

// Flush finalizes the recording files. Idempotent; called by the
// router once the sink queue has drained.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	switch r.format {
	case "wav":
		bytes := int64(r.wav.dataBytes)
		err := r.wav.close()
		r.result = Result{
			Format:     "wav",
			Path:       filepath.Join(r.dir, "recording.wav"),
			Bytes:      bytes,
			DurationMs: bytes / int64(pcm.BytesPerSample) * 1000 / int64(r.rate),
		}
		if err != nil {
			return fmt.Errorf("finalizing wav: %w", err)
		}
	case "chunks":
		err := r.chunks.close()
		r.result = Result{
			Format:   "chunks",
			Path:     r.chunks.indexPath(),
			Bytes:    r.chunks.index.TotalBytes,
			Segments: len(r.chunks.index.Segments),
		}
		if err != nil {
			return fmt.Errorf("finalizing segments: %w", err)
		}
	}
	r.logger.Infof("Recording finalized: %d bytes at %s", r.result.Bytes, r.result.Path)
	return nil
}

// Result reports the persisted recording. Only meaningful after Flush.
func (r *Recorder) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}
