// Swipebox Match Sessions
//
// A host starts a session over an ordered list of candidate items (the games
// the group might play), shares the session code, and everyone swipes through
// the same list independently. Progress is broadcast to all connected clients
// over a per-session websocket group. When everyone is done (or the host ends
// the session), decisions are aggregated into unanimous matches and a ranked
// list.
//
// Features:
// - Session codes: random 8-char IDs via crypto/rand, with collision check
// - Two modes: solo (single participant, "pick" ends the session) and
//   collaborative (like/skip only, host closes the vote)
// - Durable decision ledger in SQLite; reconnecting clients resume from the
//   last recorded progress
// - Per-session websocket fan-out: joins, progress, completion, phase and
//   session-end events pushed to every subscribed client
// - Optional Redis pub/sub backbone so multiple processes share one fan-out
//   group
// - Idle sessions auto-cancelled after a configurable timeout
// - In-browser QR button to share the join link, backed by go-qrcode

package main

import (
	"time"
)

// Mode selects how a session is played.
type Mode string

const (
	ModeSolo          Mode = "solo"
	ModeCollaborative Mode = "collaborative"
)

func (m Mode) valid() bool {
	return m == ModeSolo || m == ModeCollaborative
}

// Status is the session lifecycle state. Completed and cancelled are
// terminal: once reached, the session never changes again.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// canTransition reports whether a session may move from one status to
// another. The only legal moves are active -> completed and
// active -> cancelled.
func canTransition(from, to Status) bool {
	return from == StatusActive && to.terminal()
}

// Kind is a participant's verdict on a single item.
type Kind string

const (
	KindLike Kind = "like"
	KindSkip Kind = "skip"
	KindPick Kind = "pick"
)

// allowedIn reports whether a decision kind is legal for the session mode.
// Pick is the solo-mode terminal decision; collaborative sessions only
// recognize like and skip.
func (k Kind) allowedIn(m Mode) bool {
	switch k {
	case KindLike, KindSkip:
		return true
	case KindPick:
		return m == ModeSolo
	default:
		return false
	}
}

// Session is the registry row for one match session. Items is the immutable
// ordered list every participant traverses, so progress counters are
// comparable across participants.
type Session struct {
	ID             string     `json:"-"`
	Code           string     `json:"code"`
	Mode           Mode       `json:"mode"`
	Status         Status     `json:"status"`
	HostID         string     `json:"hostParticipantId"`
	Items          []string   `json:"itemOrder"`
	PickingStarted bool       `json:"pickingStarted"`
	CreatedAt      time.Time  `json:"createdAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// Participant is one roster member. Progress counts decided items and never
// decreases; Done flips exactly once, either when progress reaches the end
// of the item list or when the participant finishes early.
type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"displayName"`
	IsHost   bool      `json:"isHost"`
	Progress int       `json:"progress"`
	Done     bool      `json:"done"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Decision is one ledger entry: a participant's verdict on one item, plus
// the participant's progress at the time it was recorded.
type Decision struct {
	ParticipantID string `json:"participantId"`
	ItemID        string `json:"itemId"`
	Kind          Kind   `json:"kind"`
	SequenceIndex int    `json:"sequenceIndex"`
}

// Phase is the participant-facing stage of a session, derived from stored
// state rather than persisted as a status: collaborative sessions sit in the
// lobby until the host starts picking, solo sessions pick immediately.
type Phase string

const (
	PhaseLobby   Phase = "lobby"
	PhasePicking Phase = "picking"
	PhaseEnded   Phase = "ended"
)

// Snapshot is the full authoritative view of a session and its roster. It is
// sent to every newly subscribed websocket client and returned by the
// snapshot endpoint, so a client that missed events (or just reconnected)
// can reconstruct correct state without replaying them.
type Snapshot struct {
	Session Session       `json:"session"`
	Roster  []Participant `json:"roster"`
	Phase   Phase         `json:"phase"`
}

func (s Session) phase() Phase {
	switch {
	case s.Status.terminal():
		return PhaseEnded
	case s.Mode == ModeCollaborative && !s.PickingStarted:
		return PhaseLobby
	default:
		return PhasePicking
	}
}

// allDone reports whether every roster member has finished. An empty roster
// is never "all done".
func allDone(roster []Participant) bool {
	if len(roster) == 0 {
		return false
	}
	for _, p := range roster {
		if !p.Done {
			return false
		}
	}
	return true
}
