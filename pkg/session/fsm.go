package session

import (
	"errors"

	"github.com/looplab/fsm"

	"github.com/tapeworks/meetingbot/pkg/bot"
)

// ErrIllegalTransition is returned when a requested transition is not
// permitted from the bot's current state. The request is rejected and
// the state is left untouched.
var ErrIllegalTransition = errors.New("illegal state transition")

// Lifecycle transition names. Each maps to exactly one destination
// state; the event type persisted alongside depends on the cause.
const (
	edgeStage  = "stage"
	edgeJoin   = "join"
	edgeWait   = "wait"
	edgeAdmit  = "admit"
	edgeRecord = "record"
	edgePause  = "pause"
	edgeLeave  = "leave"
	edgeDepart = "depart"
	edgeFinish = "finish"
	edgeFail   = "fail"
)

// edgeDst maps a transition name to its destination state so the
// transition can be persisted before the in-memory machine moves.
var edgeDst = map[string]bot.State{
	edgeStage:  bot.StateStaged,
	edgeJoin:   bot.StateJoining,
	edgeWait:   bot.StateWaitingRoom,
	edgeAdmit:  bot.StateJoinedNotRecording,
	edgeRecord: bot.StateJoinedRecording,
	edgePause:  bot.StateJoinedNotRecording,
	edgeLeave:  bot.StateLeaving,
	edgeDepart: bot.StatePostProcessing,
	edgeFinish: bot.StateEnded,
	edgeFail:   bot.StateFatalError,
}

func src(states ...bot.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// newLifecycle builds the bot state machine starting from initial.
// States and edges mirror the persisted bot.State values; fail is
// reachable from every non-terminal state.
func newLifecycle(initial bot.State) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: edgeStage, Src: src(bot.StateScheduled), Dst: string(bot.StateStaged)},
			{Name: edgeJoin, Src: src(bot.StateReady, bot.StateStaged), Dst: string(bot.StateJoining)},
			{Name: edgeWait, Src: src(bot.StateJoining), Dst: string(bot.StateWaitingRoom)},
			{Name: edgeAdmit, Src: src(bot.StateJoining, bot.StateWaitingRoom), Dst: string(bot.StateJoinedNotRecording)},
			{Name: edgeRecord, Src: src(bot.StateJoinedNotRecording), Dst: string(bot.StateJoinedRecording)},
			{Name: edgePause, Src: src(bot.StateJoinedRecording), Dst: string(bot.StateJoinedNotRecording)},
			{Name: edgeLeave, Src: src(
				bot.StateJoining, bot.StateWaitingRoom,
				bot.StateJoinedNotRecording, bot.StateJoinedRecording,
			), Dst: string(bot.StateLeaving)},
			{Name: edgeDepart, Src: src(bot.StateLeaving), Dst: string(bot.StatePostProcessing)},
			{Name: edgeFinish, Src: src(bot.StatePostProcessing), Dst: string(bot.StateEnded)},
			{Name: edgeFail, Src: src(
				bot.StateScheduled, bot.StateStaged, bot.StateReady,
				bot.StateJoining, bot.StateWaitingRoom,
				bot.StateJoinedNotRecording, bot.StateJoinedRecording,
				bot.StateLeaving, bot.StatePostProcessing,
			), Dst: string(bot.StateFatalError)},
		},
		fsm.Callbacks{},
	)
}
