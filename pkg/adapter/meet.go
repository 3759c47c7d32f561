package adapter

import "encoding/json"

// meetAdapter parses the Google Meet capture payload's signaling. Meet has
// no discrete leave event: the payload periodically replays the full
// participant collection, and departures are inferred by diffing
// consecutive snapshots. Observed leave times therefore lag the actual
// departure by up to one resync period (~1 minute worst case).
type meetAdapter struct {
	*base
}

func newMeet(opts Options) *meetAdapter {
	a := &meetAdapter{}
	a.base = newBase(opts, a)
	return a
}

func (a *meetAdapter) platform() string { return "google_meet" }

type meetParticipant struct {
	DeviceID    string `json:"deviceId"`
	FullName    string `json:"fullName"`
	IsHost      bool   `json:"isHost"`
	Screenshare bool   `json:"screenshare"`
}

type meetStream struct {
	StreamID    string `json:"streamId"`
	DeviceID    string `json:"deviceId"`
	MediaType   string `json:"mediaType"` // "audio", "video"
	Screenshare bool   `json:"isScreenshare"`
	Active      bool   `json:"active"`
	CreatedMs   int64  `json:"createdMs"`
}

type meetSignal struct {
	Type  string `json:"type"`
	State string `json:"state,omitempty"`

	Participants []meetParticipant `json:"participants,omitempty"`
	Streams      []meetStream      `json:"streams,omitempty"`

	CaptionID   int64  `json:"captionId,omitempty"`
	Version     int64  `json:"version,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
	Text        string `json:"text,omitempty"`
	IsFinal     bool   `json:"isFinal,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`

	MessageID  string `json:"messageId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	ToBot      bool   `json:"toBot,omitempty"`

	Silent  bool  `json:"silent,omitempty"`
	SinceMs int64 `json:"sinceMs,omitempty"`
}

func (a *meetAdapter) parseSignal(data []byte) {
	var sig meetSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		a.badSignal(err, data)
		return
	}

	switch sig.Type {
	case "call_state":
		if status, ok := meetCallState[sig.State]; ok {
			a.emit(Event{Kind: KindMembership, Membership: status})
		}

	case "participants":
		roster := make([]ParticipantInfo, 0, len(sig.Participants))
		for _, p := range sig.Participants {
			roster = append(roster, ParticipantInfo{
				UserID:      p.DeviceID,
				DisplayName: p.FullName,
				IsHost:      p.IsHost,
				IsScreen:    p.Screenshare,
			})
		}
		a.syncRoster(roster)

	case "media_streams":
		outputs := make([]DeviceOutput, 0, len(sig.Streams))
		for _, s := range sig.Streams {
			kind := OutputVideo
			switch {
			case s.Screenshare:
				kind = OutputScreenShare
			case s.MediaType == "audio":
				kind = OutputAudio
			}
			outputs = append(outputs, DeviceOutput{
				StreamID:  s.StreamID,
				UserID:    s.DeviceID,
				Kind:      kind,
				Active:    s.Active,
				CreatedMs: s.CreatedMs,
			})
		}
		a.updateOutputs(outputs)

	case "caption":
		a.emit(Event{Kind: KindCaption, Caption: captionEvent(
			sig.CaptionID, sig.Version, sig.DeviceID, sig.Text, sig.IsFinal, sig.TimestampMs)})

	case "chat":
		a.emit(Event{Kind: KindChat, Chat: chatMessage(
			sig.MessageID, sig.DeviceID, sig.SenderName, sig.Text, sig.ToBot, sig.TimestampMs)})

	case "silence":
		a.emit(Event{Kind: KindSilence, Silence: &SilenceStatus{Silent: sig.Silent, SinceMs: sig.SinceMs}})
	}
}

var meetCallState = map[string]MembershipStatus{
	"waiting": StatusWaitingRoom,
	"joined":  StatusJoined,
	"kicked":  StatusRemoved,
	"ended":   StatusMeetingEnded,
	"denied":  StatusJoinFailed,
}
