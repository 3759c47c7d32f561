package asr

import (
	"github.com/tapeworks/meetingbot/pkg/router"
)

// SinkName is the transcription sink's registration name on the
// router.
const SinkName = "transcriber"

// Sink feeds routed audio into a Provider. A send failure degrades
// this sink only; the session keeps consuming Results until the
// provider closes the channel.
type Sink struct {
	provider Provider
	rate     int
}

// NewSink wraps an already started provider. sampleRate must match the
// rate the provider was configured with.
func NewSink(p Provider, sampleRate int) *Sink {
	return &Sink{provider: p, rate: sampleRate}
}

func (s *Sink) Name() string { return SinkName }

func (s *Sink) Wants(kind router.ItemKind) bool {
	return kind == router.ItemAudio
}

func (s *Sink) AudioRate() int { return s.rate }

func (s *Sink) Consume(item router.Item) error {
	return s.provider.SendAudio(item.Audio.Data)
}

func (s *Sink) Flush() error {
	return s.provider.Close()
}
