package main

import (
	"encoding/json"
	"fmt"
)

// Event is the closed set of notifications fanned out to a session's
// subscribers. Each variant carries exactly the fields its kind needs, so
// subscribers can switch on the concrete type and the compiler flags any
// unhandled kind.
//
// Delivery is best-effort and at most once per send: correctness lives in
// the persisted ledger, and a client that misses an event reconstructs
// state from the snapshot.
type Event interface {
	eventType() string
}

// SnapshotEvent is sent to a newly subscribed connection only, never
// broadcast, so late joiners and reconnecting clients start from the full
// authoritative state.
type SnapshotEvent struct {
	Snapshot Snapshot `json:"snapshot"`
}

// ParticipantJoined announces a new roster member.
type ParticipantJoined struct {
	Participant Participant `json:"participant"`
}

// ProgressChanged announces a participant's advanced progress counter. The
// underlying write is committed before this is published, so a receiver can
// immediately query the new value.
type ProgressChanged struct {
	ParticipantID string `json:"participantId"`
	Progress      int    `json:"progress"`
}

// ParticipantDone announces that a participant finished swiping.
type ParticipantDone struct {
	ParticipantID string `json:"participantId"`
}

// PickingStarted is the host's advisory "leave the lobby" signal for
// collaborative sessions. Clients that never receive it derive the same
// phase from the snapshot on join.
type PickingStarted struct{}

// SessionEnded announces a terminal status. Subscribers should fetch the
// aggregated results on receipt.
type SessionEnded struct {
	Status Status `json:"status"`
}

func (SnapshotEvent) eventType() string     { return "snapshot" }
func (ParticipantJoined) eventType() string { return "participant-joined" }
func (ProgressChanged) eventType() string   { return "progress-changed" }
func (ParticipantDone) eventType() string   { return "participant-done" }
func (PickingStarted) eventType() string    { return "picking-started" }
func (SessionEnded) eventType() string      { return "session-ended" }

// envelope is the wire shape for events: a type tag plus the variant's own
// fields.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func encodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope{
		Type: e.eventType(),
		Data: data,
	})
}

func decodeEvent(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case "snapshot":
		var e SnapshotEvent
		return e, unmarshalData(env.Data, &e)
	case "participant-joined":
		var e ParticipantJoined
		return e, unmarshalData(env.Data, &e)
	case "progress-changed":
		var e ProgressChanged
		return e, unmarshalData(env.Data, &e)
	case "participant-done":
		var e ParticipantDone
		return e, unmarshalData(env.Data, &e)
	case "picking-started":
		return PickingStarted{}, nil
	case "session-ended":
		var e SessionEnded
		return e, unmarshalData(env.Data, &e)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

func unmarshalData(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
