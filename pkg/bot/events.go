package bot

import "time"

// EventType classifies a state transition for consumers. Together with the
// old/new state pair it is persisted atomically with the transition itself.
type EventType string

const (
	EventStaged                  EventType = "staged"
	EventJoinRequested           EventType = "join_requested"
	EventPutInWaitingRoom        EventType = "put_in_waiting_room"
	EventJoined                  EventType = "joined"
	EventRecordingStarted        EventType = "recording_started"
	EventRecordingStopped        EventType = "recording_stopped"
	EventLeaveRequested          EventType = "leave_requested"
	EventLeft                    EventType = "left"
	EventPostProcessingCompleted EventType = "post_processing_completed"
	EventFatalError              EventType = "fatal_error"
)

// EventSubType refines an EventType so consumers can distinguish causes
// without internal stack traces.
type EventSubType string

const (
	// leave_requested sub-types
	SubTypeAPIRequest               EventSubType = "api_request"
	SubTypeAutoLeaveSilence         EventSubType = "auto_leave_silence"
	SubTypeAutoLeaveOnlyParticipant EventSubType = "auto_leave_only_participant"
	SubTypeAutoLeaveMaxDuration     EventSubType = "auto_leave_max_duration"
	SubTypeMeetingEnded             EventSubType = "meeting_ended"

	// fatal_error sub-types
	SubTypeAdmissionTimeout EventSubType = "admission_timeout"
	SubTypeJoinFailed       EventSubType = "join_failed"
	SubTypeCaptureLost      EventSubType = "capture_lost"
	SubTypeBrowserCrashed   EventSubType = "browser_crashed"
	SubTypeRemovedFromCall  EventSubType = "removed_from_meeting"
	SubTypeShutdown         EventSubType = "server_shutdown"
)

// Event is the append-only record of one state transition.
type Event struct {
	ID        int64        `json:"id"`
	BotID     string       `json:"bot_id"`
	OldState  State        `json:"old_state"`
	NewState  State        `json:"new_state"`
	Type      EventType    `json:"event_type"`
	SubType   EventSubType `json:"event_sub_type,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Presence is a participant's meeting-presence status as last observed.
type Presence string

const (
	PresenceInMeeting    Presence = "in_meeting"
	PresenceNotInMeeting Presence = "not_in_meeting"
	PresenceRemoved      Presence = "removed"
)

// Participant is a meeting attendee as observed by the capture adapter.
// Records are never hard-deleted; presence changes append ParticipantEvents.
type Participant struct {
	BotID       string   `json:"bot_id"`
	UserID      string   `json:"user_id"` // platform-provided stable identifier
	DisplayName string   `json:"display_name"`
	IsHost      bool     `json:"is_host,omitempty"`
	IsScreen    bool     `json:"is_screen_sharing,omitempty"`
	Presence    Presence `json:"presence"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ParticipantEventKind is the kind of roster change observed.
type ParticipantEventKind string

const (
	ParticipantJoined  ParticipantEventKind = "join"
	ParticipantLeft    ParticipantEventKind = "leave"
	ParticipantUpdated ParticipantEventKind = "update"
)

// ParticipantEvent is one append-only roster observation. Leave events may be
// inferred from periodic full-roster resync on some platforms; ObservedAt is
// then lagged relative to the actual departure (up to about a minute).
type ParticipantEvent struct {
	ID          int64                `json:"id"`
	BotID       string               `json:"bot_id"`
	UserID      string               `json:"user_id"`
	DisplayName string               `json:"display_name"`
	Kind        ParticipantEventKind `json:"kind"`
	Inferred    bool                 `json:"inferred,omitempty"` // true when derived from roster resync
	ObservedAt  time.Time            `json:"observed_at"`
}

// CaptionEvent is one caption update. Platforms revise interim captions:
// a higher Version for the same CaptionID supersedes earlier text.
type CaptionEvent struct {
	BotID       string    `json:"bot_id"`
	CaptionID   int64     `json:"caption_id"`
	Version     int64     `json:"version"`
	UserID      string    `json:"user_id"`
	Text        string    `json:"text"`
	Final       bool      `json:"final,omitempty"`
	TimestampMs int64     `json:"timestamp_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatMessage is one in-meeting chat message, deduplicated by MessageID.
type ChatMessage struct {
	BotID       string    `json:"bot_id"`
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Text        string    `json:"text"`
	ToBot       bool      `json:"to_bot,omitempty"` // direct message to the bot
	TimestampMs int64     `json:"timestamp_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// TranscriptSegment is one utterance produced by the transcription provider.
// Interim segments are superseded in place; final segments are immutable.
type TranscriptSegment struct {
	ID         int64     `json:"id"`
	BotID      string    `json:"bot_id"`
	UserID     string    `json:"user_id,omitempty"`
	Text       string    `json:"text"`
	Final      bool      `json:"final"`
	Confidence float64   `json:"confidence,omitempty"`
	StartMs    int64     `json:"start_ms"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
