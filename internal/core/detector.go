package core

import (
	"time"
)

const (
	// PositionJitterMS tolerates small backwards position jumps caused by
	// buffering before a restart is assumed.
	PositionJitterMS = 3000
	// MinCountedPositionMS is the playback position a freshly started track
	// must have reached before its transition counts as a listen. Positions
	// below it are deferred to a later tick, so skipping through intros
	// never counts.
	MinCountedPositionMS = 1000
	// MinRelistenGap is the minimum wall-clock gap between two counted
	// listens of the same track. Seeking back to the start inside this gap
	// is a resume, not a repeat listen.
	MinRelistenGap = 30 * time.Second
)

// DecisionKind classifies the outcome of comparing two snapshots.
type DecisionKind int

const (
	// DecisionNone means no listen event occurred.
	DecisionNone DecisionKind = iota
	// DecisionNewListen means a new listen started and must be recorded.
	DecisionNewListen
	// DecisionResume means the same listen continued after a restart or
	// seek inside the relisten gap.
	DecisionResume
	// DecisionDefer means a track transition was observed below the counted
	// position threshold. The caller must keep the previous snapshot and
	// re-evaluate on the next tick.
	DecisionDefer
)

// Decision is the Transition Detector's verdict for one pair of snapshots.
type Decision struct {
	Kind    DecisionKind
	TrackID string
	// ListenedAt is the play log key for a new listen, truncated to the
	// minute.
	ListenedAt time.Time
}

// Detect decides whether a new listen event started between prev and curr.
// It is a pure function: lastListenTrack and lastListenAt identify the most
// recently accepted listen, now is the wall-clock time of the current tick.
//
// Rules, in order:
//  1. Nothing playing: no-op. The previous track identity stays valid for
//     resume detection.
//  2. Same track, position monotonic within jitter: same ongoing listen.
//  3. Same track, position jumped back past the jitter tolerance: a restart.
//     Counts as a new listen only outside MinRelistenGap.
//  4. Different track: a new listen once the position passes
//     MinCountedPositionMS, otherwise deferred.
func Detect(prev, curr *Snapshot, lastListenTrack string, lastListenAt, now time.Time) Decision {
	if curr == nil {
		return Decision{Kind: DecisionNone}
	}

	if prev != nil && prev.TrackID == curr.TrackID {
		if curr.ProgressMS >= prev.ProgressMS-PositionJitterMS {
			return Decision{Kind: DecisionNone}
		}

		// Restarted or seeked back to the start.
		if lastListenTrack == curr.TrackID && !lastListenAt.IsZero() && now.Sub(lastListenAt) <= MinRelistenGap {
			return Decision{Kind: DecisionResume, TrackID: curr.TrackID}
		}
		return Decision{
			Kind:       DecisionNewListen,
			TrackID:    curr.TrackID,
			ListenedAt: curr.ListenStart(),
		}
	}

	// Track transition, or first observation after startup.
	if curr.ProgressMS < MinCountedPositionMS {
		return Decision{Kind: DecisionDefer, TrackID: curr.TrackID}
	}
	return Decision{
		Kind:       DecisionNewListen,
		TrackID:    curr.TrackID,
		ListenedAt: curr.ListenStart(),
	}
}
