package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform identifies the meeting platform a bot joins.
type Platform string

const (
	PlatformZoom       Platform = "zoom"
	PlatformGoogleMeet Platform = "google_meet"
	PlatformTeams      Platform = "teams"
)

// Valid reports whether the platform is one the system can join.
func (p Platform) Valid() bool {
	switch p {
	case PlatformZoom, PlatformGoogleMeet, PlatformTeams:
		return true
	}
	return false
}

// FromMeetingURL guesses the platform from a meeting URL.
func FromMeetingURL(url string) (Platform, error) {
	switch {
	case strings.Contains(url, "zoom.us"):
		return PlatformZoom, nil
	case strings.Contains(url, "meet.google.com"):
		return PlatformGoogleMeet, nil
	case strings.Contains(url, "teams.microsoft.com"), strings.Contains(url, "teams.live.com"):
		return PlatformTeams, nil
	}
	return "", fmt.Errorf("cannot determine platform from meeting URL: %s", url)
}

// State is the lifecycle state of a bot. Transitions are driven exclusively
// by the session state machine; see pkg/session.
type State string

const (
	StateScheduled          State = "scheduled"
	StateStaged             State = "staged"
	StateReady              State = "ready"
	StateJoining            State = "joining"
	StateWaitingRoom        State = "waiting_room"
	StateJoinedNotRecording State = "joined_not_recording"
	StateJoinedRecording    State = "joined_recording"
	StateLeaving            State = "leaving"
	StatePostProcessing     State = "post_processing"
	StateEnded              State = "ended"
	StateFatalError         State = "fatal_error"
)

// Terminal reports whether no further transitions can occur from s.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFatalError
}

// Joined reports whether the bot is currently inside the meeting.
func (s State) Joined() bool {
	return s == StateJoinedNotRecording || s == StateJoinedRecording
}

// RecordingConfig controls the recording sink.
type RecordingConfig struct {
	// Format selects the recording container: "wav" (decoded mixed audio) or
	// "chunks" (opaque encoded chunks from the capture payload).
	Format string `json:"format"`
	// AutoRecord starts recording as soon as the bot is admitted.
	AutoRecord bool `json:"auto_record"`
}

// TranscriptionConfig controls the realtime transcription sink.
type TranscriptionConfig struct {
	// Provider names the ASR backend: "deepgram", "assemblyai" or "" (off).
	Provider   string `json:"provider,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"` // 8000, 16000 or 24000
}

// Enabled reports whether a transcription provider is configured.
func (c TranscriptionConfig) Enabled() bool { return c.Provider != "" }

// StreamingConfig lists outbound realtime-audio WebSocket destinations the
// bot pushes mixed audio to.
type StreamingConfig struct {
	WebsocketURLs []string `json:"websocket_urls,omitempty"`
	SampleRate    int      `json:"sample_rate,omitempty"` // 8000, 16000 or 24000
}

// AutoLeaveConfig holds the thresholds evaluated while the bot is joined.
// Zero values fall back to the defaults below.
type AutoLeaveConfig struct {
	OnlyParticipantTimeoutSec int `json:"only_participant_timeout_seconds,omitempty"`
	SilenceTimeoutSec         int `json:"silence_timeout_seconds,omitempty"`
	MaxDurationSec            int `json:"max_duration_seconds,omitempty"`
	AdmissionTimeoutSec       int `json:"admission_timeout_seconds,omitempty"`
}

// Auto-leave defaults applied when a threshold is unset.
const (
	DefaultOnlyParticipantTimeout = 20 * time.Minute
	DefaultSilenceTimeout         = 10 * time.Minute
	DefaultMaxDuration            = 4 * time.Hour
	DefaultAdmissionTimeout       = 10 * time.Minute
)

func secondsOr(sec int, fallback time.Duration) time.Duration {
	if sec <= 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}

func (c AutoLeaveConfig) OnlyParticipantTimeout() time.Duration {
	return secondsOr(c.OnlyParticipantTimeoutSec, DefaultOnlyParticipantTimeout)
}

func (c AutoLeaveConfig) SilenceTimeout() time.Duration {
	return secondsOr(c.SilenceTimeoutSec, DefaultSilenceTimeout)
}

func (c AutoLeaveConfig) MaxDuration() time.Duration {
	return secondsOr(c.MaxDurationSec, DefaultMaxDuration)
}

func (c AutoLeaveConfig) AdmissionTimeout() time.Duration {
	return secondsOr(c.AdmissionTimeoutSec, DefaultAdmissionTimeout)
}

// Bot is one meeting-joining session record. It is owned by its session for
// the duration of its life and persisted by the store at every transition.
type Bot struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	MeetingURL string   `json:"meeting_url"`
	Platform   Platform `json:"platform"`
	BotName    string   `json:"bot_name,omitempty"`

	State State `json:"state"`

	Recording     RecordingConfig     `json:"recording"`
	Transcription TranscriptionConfig `json:"transcription"`
	Streaming     StreamingConfig     `json:"streaming"`
	AutoLeave     AutoLeaveConfig     `json:"auto_leave"`

	// JoinAt defers the join; nil means join immediately.
	JoinAt *time.Time `json:"join_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a bot record in its initial state: ready for immediate joins,
// scheduled when join_at is set.
func New(projectID, meetingURL string, joinAt *time.Time) (*Bot, error) {
	platform, err := FromMeetingURL(meetingURL)
	if err != nil {
		return nil, err
	}

	state := StateReady
	if joinAt != nil {
		state = StateScheduled
	}

	now := time.Now().UTC()
	return &Bot{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		MeetingURL: meetingURL,
		Platform:   platform,
		State:      state,
		JoinAt:     joinAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
