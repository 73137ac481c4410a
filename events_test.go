package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventWireFormat(t *testing.T) {
	payload, err := encodeEvent(ProgressChanged{ParticipantID: "p1", Progress: 3})
	require.NoError(t, err)

	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &env))
	require.Equal(t, "progress-changed", env.Type)
	require.JSONEq(t, `{"participantId":"p1","progress":3}`, string(env.Data))
}

func TestEventRoundTrip(t *testing.T) {
	for _, event := range []Event{
		ParticipantJoined{Participant: Participant{ID: "p2", Name: "guest"}},
		ProgressChanged{ParticipantID: "p1", Progress: 7},
		ParticipantDone{ParticipantID: "p1"},
		PickingStarted{},
		SessionEnded{Status: StatusCancelled},
	} {
		payload, err := encodeEvent(event)
		require.NoError(t, err)

		decoded, err := decodeEvent(payload)
		require.NoError(t, err)
		require.Equal(t, event, decoded)
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := decodeEvent([]byte(`{"type":"confetti","data":{}}`))
	require.Error(t, err)

	_, err = decodeEvent([]byte(`not json`))
	require.Error(t, err)
}
