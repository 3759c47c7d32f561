package adapter

import "encoding/json"

// teamsAdapter parses the Microsoft Teams capture payload's signaling.
// Like Meet, Teams replays full roster snapshots; leaves are inferred by
// diffing and lag the actual departure.
type teamsAdapter struct {
	*base
}

func newTeams(opts Options) *teamsAdapter {
	a := &teamsAdapter{}
	a.base = newBase(opts, a)
	return a
}

func (a *teamsAdapter) platform() string { return "teams" }

type teamsParticipant struct {
	MRI         string `json:"mri"` // Teams resource identifier, e.g. "8:orgid:..."
	DisplayName string `json:"displayName"`
	IsOrganizer bool   `json:"isOrganizer"`
	IsSharing   bool   `json:"isSharingScreen"`
}

type teamsStream struct {
	SourceID   string `json:"sourceId"`
	MRI        string `json:"mri"`
	StreamType string `json:"streamType"` // "audio", "video", "screenshare"
	Active     bool   `json:"active"`
	CreatedMs  int64  `json:"createdMs"`
}

type teamsSignal struct {
	Kind  string `json:"kind"`
	State string `json:"state,omitempty"`

	Participants []teamsParticipant `json:"participants,omitempty"`
	Streams      []teamsStream      `json:"streams,omitempty"`

	CaptionID   int64  `json:"captionId,omitempty"`
	Version     int64  `json:"version,omitempty"`
	MRI         string `json:"mri,omitempty"`
	Text        string `json:"text,omitempty"`
	IsFinal     bool   `json:"isFinal,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`

	MessageID  string `json:"messageId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content,omitempty"`
	ToBot      bool   `json:"toBot,omitempty"`

	Silent  bool  `json:"silent,omitempty"`
	SinceMs int64 `json:"sinceMs,omitempty"`
}

func (a *teamsAdapter) parseSignal(data []byte) {
	var sig teamsSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		a.badSignal(err, data)
		return
	}

	switch sig.Kind {
	case "callState":
		if status, ok := teamsCallState[sig.State]; ok {
			a.emit(Event{Kind: KindMembership, Membership: status})
		}

	case "rosterUpdate":
		roster := make([]ParticipantInfo, 0, len(sig.Participants))
		for _, p := range sig.Participants {
			roster = append(roster, ParticipantInfo{
				UserID:      p.MRI,
				DisplayName: p.DisplayName,
				IsHost:      p.IsOrganizer,
				IsScreen:    p.IsSharing,
			})
		}
		a.syncRoster(roster)

	case "streamMap":
		outputs := make([]DeviceOutput, 0, len(sig.Streams))
		for _, s := range sig.Streams {
			kind := OutputVideo
			switch s.StreamType {
			case "audio":
				kind = OutputAudio
			case "screenshare":
				kind = OutputScreenShare
			}
			outputs = append(outputs, DeviceOutput{
				StreamID:  s.SourceID,
				UserID:    s.MRI,
				Kind:      kind,
				Active:    s.Active,
				CreatedMs: s.CreatedMs,
			})
		}
		a.updateOutputs(outputs)

	case "closedCaption":
		a.emit(Event{Kind: KindCaption, Caption: captionEvent(
			sig.CaptionID, sig.Version, sig.MRI, sig.Text, sig.IsFinal, sig.TimestampMs)})

	case "chatMessage":
		a.emit(Event{Kind: KindChat, Chat: chatMessage(
			sig.MessageID, sig.MRI, sig.SenderName, sig.Content, sig.ToBot, sig.TimestampMs)})

	case "silenceState":
		a.emit(Event{Kind: KindSilence, Silence: &SilenceStatus{Silent: sig.Silent, SinceMs: sig.SinceMs}})
	}
}

var teamsCallState = map[string]MembershipStatus{
	"inLobby":     StatusWaitingRoom,
	"established": StatusJoined,
	"removed":     StatusRemoved,
	"terminated":  StatusMeetingEnded,
	"failed":      StatusJoinFailed,
}
