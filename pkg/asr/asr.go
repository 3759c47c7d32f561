// Package asr streams meeting audio to a realtime transcription
// provider over WebSocket and surfaces transcript results. Providers
// fail soft: a dead connection degrades the transcription sink, never
// the session.
package asr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/pcm"
)

var (
	ErrUnknownProvider = errors.New("unknown transcription provider")
	ErrMissingAPIKey   = errors.New("transcription provider needs an API key")
)

const (
	// writeTimeout bounds every WebSocket write to a provider.
	writeTimeout = 5 * time.Second
	// handshakeTimeout bounds the initial dial.
	handshakeTimeout = 10 * time.Second
	// resultBuffer is the result channel depth; results beyond it are
	// dropped rather than blocking the provider's read loop.
	resultBuffer = 64
)

// Result is one transcript hypothesis from a provider. Partial results
// (Final false) are superseded by later ones for the same audio span.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
	StartMs    int64
	DurationMs int64
}

// Provider is a realtime transcription connection. Start dials,
// SendAudio pushes PCM16 mono at the configured rate, Results delivers
// hypotheses until the connection ends, Close flushes and disconnects.
type Provider interface {
	Start(ctx context.Context) error
	SendAudio(audio []byte) error
	Results() <-chan Result
	Close() error
}

type settings struct {
	baseURL string
}

// Option overrides provider defaults.
type Option func(*settings)

// WithBaseURL replaces the provider endpoint, used by tests.
func WithBaseURL(u string) Option {
	return func(s *settings) { s.baseURL = u }
}

// New builds the provider named by cfg. The sample rate defaults to
// 16000 and must be one of the supported sink rates.
func New(botID string, cfg bot.TranscriptionConfig, apiKey string, opts ...Option) (Provider, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 16000
	}
	if !pcm.ValidSinkRate(rate) {
		return nil, fmt.Errorf("unsupported transcription sample rate %d", rate)
	}

	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	switch cfg.Provider {
	case "deepgram":
		return newDeepgram(botID, apiKey, cfg.Language, rate, s), nil
	case "assemblyai":
		return newAssemblyAI(botID, apiKey, rate, s), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
