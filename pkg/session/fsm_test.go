package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/meetingbot/pkg/bot"
)

func TestLifecycle_FullPath(t *testing.T) {
	m := newLifecycle(bot.StateReady)

	for _, edge := range []string{edgeJoin, edgeWait, edgeAdmit, edgeRecord, edgePause, edgeLeave, edgeDepart, edgeFinish} {
		require.True(t, m.Can(edge), "edge %s should be allowed from %s", edge, m.Current())
		require.NoError(t, m.Event(context.Background(), edge))
		assert.Equal(t, string(edgeDst[edge]), m.Current())
	}
	assert.Equal(t, string(bot.StateEnded), m.Current())
}

func TestLifecycle_ScheduledEntryPath(t *testing.T) {
	m := newLifecycle(bot.StateScheduled)

	require.NoError(t, m.Event(context.Background(), edgeStage))
	assert.Equal(t, string(bot.StateStaged), m.Current())
	require.NoError(t, m.Event(context.Background(), edgeJoin))
	assert.Equal(t, string(bot.StateJoining), m.Current())
}

func TestLifecycle_RejectsIllegalEdges(t *testing.T) {
	cases := []struct {
		from bot.State
		edge string
	}{
		{bot.StateReady, edgeRecord},          // cannot record before joining
		{bot.StateReady, edgeDepart},          // cannot post-process before leaving
		{bot.StateJoining, edgeRecord},        // cannot record before admission
		{bot.StateJoinedRecording, edgeAdmit}, // cannot re-admit
		{bot.StateLeaving, edgeRecord},        // no recording while leaving
		{bot.StatePostProcessing, edgeLeave},  // leave already happened
		{bot.StateReady, edgeStage},           // only scheduled bots stage
	}
	for _, tc := range cases {
		m := newLifecycle(tc.from)
		assert.False(t, m.Can(tc.edge), "%s should be rejected from %s", tc.edge, tc.from)
		assert.Error(t, m.Event(context.Background(), tc.edge))
		assert.Equal(t, string(tc.from), m.Current(), "state must be unchanged after a rejected %s", tc.edge)
	}
}

func TestLifecycle_TerminalStatesAreFinal(t *testing.T) {
	edges := []string{edgeStage, edgeJoin, edgeWait, edgeAdmit, edgeRecord, edgePause, edgeLeave, edgeDepart, edgeFinish, edgeFail}
	for _, terminal := range []bot.State{bot.StateEnded, bot.StateFatalError} {
		m := newLifecycle(terminal)
		for _, edge := range edges {
			assert.False(t, m.Can(edge), "edge %s should be rejected from terminal %s", edge, terminal)
		}
	}
}

func TestLifecycle_FatalFromAnyNonTerminal(t *testing.T) {
	nonTerminal := []bot.State{
		bot.StateScheduled, bot.StateStaged, bot.StateReady,
		bot.StateJoining, bot.StateWaitingRoom,
		bot.StateJoinedNotRecording, bot.StateJoinedRecording,
		bot.StateLeaving, bot.StatePostProcessing,
	}
	for _, from := range nonTerminal {
		m := newLifecycle(from)
		require.NoError(t, m.Event(context.Background(), edgeFail), "fail should be allowed from %s", from)
		assert.Equal(t, string(bot.StateFatalError), m.Current())
	}
}
