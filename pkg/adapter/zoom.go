package adapter

import "encoding/json"

// zoomAdapter parses the Zoom capture payload's signaling. Zoom reports
// discrete roster events (users_added/users_removed), so leaves are exact,
// not inferred.
type zoomAdapter struct {
	*base
}

func newZoom(opts Options) *zoomAdapter {
	a := &zoomAdapter{}
	a.base = newBase(opts, a)
	return a
}

func (a *zoomAdapter) platform() string { return "zoom" }

type zoomUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	IsHost   bool   `json:"isHost"`
	ShareOn  bool   `json:"bShareOn"`
}

type zoomOutput struct {
	StreamID  string `json:"streamId"`
	UserID    string `json:"userId"`
	MediaType string `json:"mediaType"` // "audio", "video", "share"
	Active    bool   `json:"active"`
	CreatedMs int64  `json:"createdMs"`
}

type zoomSignal struct {
	Evt    string `json:"evt"`
	Status string `json:"status,omitempty"`

	Users   []zoomUser `json:"users,omitempty"`
	UserIDs []string   `json:"userIds,omitempty"`

	CaptionID   int64  `json:"captionId,omitempty"`
	Version     int64  `json:"version,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Text        string `json:"text,omitempty"`
	Done        bool   `json:"done,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`

	MsgID      string `json:"msgId,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	ToBot      bool   `json:"toBot,omitempty"`

	Outputs []zoomOutput `json:"outputs,omitempty"`

	Silent  bool  `json:"silent,omitempty"`
	SinceMs int64 `json:"sinceMs,omitempty"`
}

func (a *zoomAdapter) parseSignal(data []byte) {
	var sig zoomSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		a.badSignal(err, data)
		return
	}

	switch sig.Evt {
	case "meeting_status":
		if status, ok := zoomMeetingStatus[sig.Status]; ok {
			a.emit(Event{Kind: KindMembership, Membership: status})
		}

	case "users_added":
		for _, u := range sig.Users {
			a.observeJoin(ParticipantInfo{
				UserID:      u.UserID,
				DisplayName: u.UserName,
				IsHost:      u.IsHost,
				IsScreen:    u.ShareOn,
			})
		}

	case "user_updated":
		for _, u := range sig.Users {
			a.observeJoin(ParticipantInfo{
				UserID:      u.UserID,
				DisplayName: u.UserName,
				IsHost:      u.IsHost,
				IsScreen:    u.ShareOn,
			})
		}

	case "users_removed":
		for _, id := range sig.UserIDs {
			a.observeLeave(id)
		}

	case "caption":
		a.emit(Event{Kind: KindCaption, Caption: captionEvent(
			sig.CaptionID, sig.Version, sig.UserID, sig.Text, sig.Done, sig.TimestampMs)})

	case "chat":
		a.emit(Event{Kind: KindChat, Chat: chatMessage(
			sig.MsgID, sig.SenderID, sig.SenderName, sig.Text, sig.ToBot, sig.TimestampMs)})

	case "media_map":
		outputs := make([]DeviceOutput, 0, len(sig.Outputs))
		for _, o := range sig.Outputs {
			kind := OutputVideo
			switch o.MediaType {
			case "audio":
				kind = OutputAudio
			case "share":
				kind = OutputScreenShare
			}
			outputs = append(outputs, DeviceOutput{
				StreamID:  o.StreamID,
				UserID:    o.UserID,
				Kind:      kind,
				Active:    o.Active,
				CreatedMs: o.CreatedMs,
			})
		}
		a.updateOutputs(outputs)

	case "audio_status":
		a.emit(Event{Kind: KindSilence, Silence: &SilenceStatus{Silent: sig.Silent, SinceMs: sig.SinceMs}})
	}
}

var zoomMeetingStatus = map[string]MembershipStatus{
	"in_waiting_room": StatusWaitingRoom,
	"in_meeting":      StatusJoined,
	"removed":         StatusRemoved,
	"ended":           StatusMeetingEnded,
	"failed":          StatusJoinFailed,
}
