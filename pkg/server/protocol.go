package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tapeworks/meetingbot/pkg/delivery"
	"github.com/tapeworks/meetingbot/pkg/pcm"
	"github.com/tapeworks/meetingbot/pkg/router"
)

// defaultConsumerRate is used when a consumer connects without a
// sample_rate query parameter.
const defaultConsumerRate = 16000

// errNotBotOutput marks an inbound message whose trigger is not
// realtime_audio.bot_output. Such messages are silently ignored.
var errNotBotOutput = errors.New("not a bot_output message")

// parseSampleRate reads the consumer's requested PCM rate from the
// query string. Only the supported sink rates are accepted.
func parseSampleRate(params url.Values) (int, error) {
	raw := params.Get("sample_rate")
	if raw == "" {
		return defaultConsumerRate, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid sample_rate %q", raw)
	}
	if !pcm.ValidSinkRate(rate) {
		return 0, fmt.Errorf("unsupported sample_rate %d", rate)
	}
	return rate, nil
}

// mixedAudioEnvelope wraps one routed audio item in the outbound
// realtime_audio.mixed envelope. The same shape is used by the outbound
// stream bridges in pkg/delivery.
func mixedAudioEnvelope(botID string, item *router.AudioItem) delivery.AudioEnvelope {
	return delivery.AudioEnvelope{
		BotID:   botID,
		Trigger: delivery.TriggerRealtimeAudio,
		Data: delivery.AudioChunk{
			Chunk:       base64.StdEncoding.EncodeToString(item.Data),
			SampleRate:  item.SampleRate,
			TimestampMs: item.TimestampUs / 1000,
		},
	}
}

// parseBotOutput decodes an inbound realtime_audio.bot_output message.
// Malformed messages get an error for logging and nothing is sent back
// to the consumer.
func parseBotOutput(data []byte) (delivery.BotOutput, error) {
	var env struct {
		Trigger string `json:"trigger"`
		Data    struct {
			Chunk      string `json:"chunk"`
			SampleRate int    `json:"sample_rate"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return delivery.BotOutput{}, fmt.Errorf("parsing inbound message: %w", err)
	}
	if env.Trigger != delivery.TriggerBotOutput {
		return delivery.BotOutput{}, errNotBotOutput
	}
	chunk, err := base64.StdEncoding.DecodeString(env.Data.Chunk)
	if err != nil {
		return delivery.BotOutput{}, fmt.Errorf("decoding bot_output chunk: %w", err)
	}
	if !pcm.ValidSinkRate(env.Data.SampleRate) {
		return delivery.BotOutput{}, fmt.Errorf("unsupported bot_output sample rate %d", env.Data.SampleRate)
	}
	return delivery.BotOutput{Chunk: chunk, SampleRate: env.Data.SampleRate}, nil
}
