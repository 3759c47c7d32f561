package router

import (
	"github.com/tapeworks/meetingbot/pkg/adapter"
)

type trackInfo struct {
	streamID  string
	screen    bool
	createdMs int64
	firstSeen uint64
}

// trackSelector picks the single video track delivered to sinks.
// Screen shares beat camera tracks, newer tracks beat older ones, and
// two tracks created in the same millisecond are ordered by when the
// router first learned about them. Frame arrival order never matters.
type trackSelector struct {
	tracks  map[string]trackInfo
	seen    map[string]uint64
	nextSeq uint64
	current string
}

func newTrackSelector() *trackSelector {
	return &trackSelector{
		tracks: make(map[string]trackInfo),
		seen:   make(map[string]uint64),
	}
}

// update replaces the active track set from a device outputs snapshot
// and reselects. It reports whether the selected track changed.
func (s *trackSelector) update(outputs []adapter.DeviceOutput) bool {
	active := make(map[string]trackInfo, len(outputs))
	for _, out := range outputs {
		if out.Kind != adapter.OutputVideo && out.Kind != adapter.OutputScreenShare {
			continue
		}
		seq, ok := s.seen[out.StreamID]
		if !ok {
			seq = s.nextSeq
			s.seen[out.StreamID] = seq
			s.nextSeq++
		}
		active[out.StreamID] = trackInfo{
			streamID:  out.StreamID,
			screen:    out.Kind == adapter.OutputScreenShare,
			createdMs: out.CreatedMs,
			firstSeen: seq,
		}
	}
	s.tracks = active

	prev := s.current
	s.current = s.pick()
	return s.current != prev
}

func (s *trackSelector) pick() string {
	var best trackInfo
	found := false
	for _, t := range s.tracks {
		if !found || better(t, best) {
			best = t
			found = true
		}
	}
	if !found {
		return ""
	}
	return best.streamID
}

func better(a, b trackInfo) bool {
	if a.screen != b.screen {
		return a.screen
	}
	if a.createdMs != b.createdMs {
		return a.createdMs > b.createdMs
	}
	return a.firstSeen < b.firstSeen
}

// selected reports whether frames from the given stream should be
// delivered.
func (s *trackSelector) selected(streamID string) bool {
	return s.current != "" && s.current == streamID
}
