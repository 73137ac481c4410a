package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg *Config) *httptest.Server {
	t.Helper()

	store := newTestStore(t)
	bus := newMemoryBus()
	t.Cleanup(func() {
		_ = bus.Close()
	})

	mux := httprouter.New()
	mm := registerMatchGame(cfg, store, bus, "/match", mux)
	t.Cleanup(mm.Close)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

// doJSON posts (or gets) JSON and decodes the response into out, returning
// the status code.
func doJSON(t *testing.T, method, url string, in, out any) int {
	t.Helper()

	var body *bytes.Buffer
	if in != nil {
		encoded, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewBuffer(encoded)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func createMatch(t *testing.T, base string, mode Mode, items []string) createMatchResponse {
	t.Helper()

	var created createMatchResponse
	status := doJSON(t, http.MethodPost, base+"/match", createMatchRequest{
		Mode:     mode,
		HostName: "host",
		ItemIDs:  items,
	}, &created)
	require.Equal(t, http.StatusCreated, status)

	return created
}

func TestMatchLifecycle(t *testing.T) {
	server := newTestServer(t, &Config{})
	base := server.URL

	created := createMatch(t, base, ModeCollaborative, []string{"A", "B", "C"})
	require.Len(t, created.Code, 8)
	require.Equal(t, PhaseLobby, created.Snapshot.Phase)
	session := base + "/match/" + created.Code

	var joined joinMatchResponse
	status := doJSON(t, http.MethodPost, session+"/join", joinMatchRequest{Name: "guest"}, &joined)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, joined.Snapshot.Roster, 2)

	status = doJSON(t, http.MethodPost, session+"/start", actorRequest{ParticipantID: created.HostParticipantID}, nil)
	require.Equal(t, http.StatusOK, status)

	var snap Snapshot
	status = doJSON(t, http.MethodGet, session, nil, &snap)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, PhasePicking, snap.Phase)

	swipe := func(pid, item string, kind Kind, progress int) decisionResponse {
		var resp decisionResponse
		status := doJSON(t, http.MethodPost, session+"/decision", decisionRequest{
			ParticipantID: pid,
			ItemID:        item,
			Kind:          kind,
			Progress:      progress,
		}, &resp)
		require.Equal(t, http.StatusOK, status)
		require.True(t, resp.Accepted)
		return resp
	}

	host, guest := created.HostParticipantID, joined.ParticipantID
	swipe(host, "A", KindLike, 0)
	swipe(host, "B", KindLike, 1)
	resp := swipe(host, "C", KindSkip, 2)
	require.Equal(t, 3, resp.Progress)

	swipe(guest, "A", KindLike, 0)
	swipe(guest, "B", KindSkip, 1)
	swipe(guest, "C", KindLike, 2)

	status = doJSON(t, http.MethodPost, session+"/end", actorRequest{ParticipantID: host}, nil)
	require.Equal(t, http.StatusOK, status)

	var results resultsResponse
	status = doJSON(t, http.MethodGet, session+"/results", nil, &results)
	require.Equal(t, http.StatusOK, status)

	require.Len(t, results.Roster, 2)
	require.Len(t, results.UnanimousMatches, 1)
	require.Equal(t, "A", results.UnanimousMatches[0].ItemID)
	require.Equal(t, "A", results.RankedResults[0].ItemID)
	require.Equal(t, 2, results.RankedResults[0].LikeCount)
}

func TestMatchErrorStatuses(t *testing.T) {
	server := newTestServer(t, &Config{})
	base := server.URL

	// Malformed body.
	resp, err := http.Post(base+"/match", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown session.
	status := doJSON(t, http.MethodGet, base+"/match/NOPE1234", nil, nil)
	require.Equal(t, http.StatusNotFound, status)

	created := createMatch(t, base, ModeCollaborative, []string{"A", "B"})
	session := base + "/match/" + created.Code
	host := created.HostParticipantID

	// Solo sessions cannot be joined.
	solo := createMatch(t, base, ModeSolo, []string{"A"})
	status = doJSON(t, http.MethodPost, base+"/match/"+solo.Code+"/join", joinMatchRequest{Name: "guest"}, nil)
	require.Equal(t, http.StatusForbidden, status)

	// Pick outside solo mode.
	status = doJSON(t, http.MethodPost, session+"/decision", decisionRequest{
		ParticipantID: host, ItemID: "A", Kind: KindPick, Progress: 0,
	}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)

	// Skipping ahead.
	status = doJSON(t, http.MethodPost, session+"/decision", decisionRequest{
		ParticipantID: host, ItemID: "B", Kind: KindLike, Progress: 1,
	}, nil)
	require.Equal(t, http.StatusConflict, status)

	// Results before the session is over.
	status = doJSON(t, http.MethodGet, session+"/results", nil, nil)
	require.Equal(t, http.StatusConflict, status)

	// Non-host cannot end.
	var joined joinMatchResponse
	status = doJSON(t, http.MethodPost, session+"/join", joinMatchRequest{Name: "guest"}, &joined)
	require.Equal(t, http.StatusOK, status)
	status = doJSON(t, http.MethodPost, session+"/end", actorRequest{ParticipantID: joined.ParticipantID}, nil)
	require.Equal(t, http.StatusForbidden, status)

	// After the host ends it, further writes report the closed session.
	status = doJSON(t, http.MethodPost, session+"/end", actorRequest{ParticipantID: host}, nil)
	require.Equal(t, http.StatusOK, status)
	status = doJSON(t, http.MethodPost, session+"/decision", decisionRequest{
		ParticipantID: host, ItemID: "A", Kind: KindLike, Progress: 0,
	}, nil)
	require.Equal(t, http.StatusGone, status)
}

func TestMatchAutoFinalize(t *testing.T) {
	server := newTestServer(t, &Config{autoFinalize: true})
	base := server.URL

	created := createMatch(t, base, ModeCollaborative, []string{"A"})
	session := base + "/match/" + created.Code
	host := created.HostParticipantID

	status := doJSON(t, http.MethodPost, session+"/decision", decisionRequest{
		ParticipantID: host, ItemID: "A", Kind: KindLike, Progress: 0,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	status = doJSON(t, http.MethodPost, session+"/done", actorRequest{ParticipantID: host}, nil)
	require.Equal(t, http.StatusOK, status)

	// The last done mark completed the session; results are available.
	var results resultsResponse
	status = doJSON(t, http.MethodGet, session+"/results", nil, &results)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "A", results.RankedResults[0].ItemID)
}

func TestMatchAutoFinalizeOnLastSwipe(t *testing.T) {
	server := newTestServer(t, &Config{autoFinalize: true})
	base := server.URL

	created := createMatch(t, base, ModeCollaborative, []string{"A", "B"})
	session := base + "/match/" + created.Code
	host := created.HostParticipantID

	var joined joinMatchResponse
	status := doJSON(t, http.MethodPost, session+"/join", joinMatchRequest{Name: "guest"}, &joined)
	require.Equal(t, http.StatusOK, status)

	// Both participants finish by swiping through the whole list; nobody
	// touches the done endpoint.
	for _, pid := range []string{host, joined.ParticipantID} {
		for i, item := range []string{"A", "B"} {
			status := doJSON(t, http.MethodPost, session+"/decision", decisionRequest{
				ParticipantID: pid, ItemID: item, Kind: KindLike, Progress: i,
			}, nil)
			require.Equal(t, http.StatusOK, status)
		}
	}

	// The final swipe completed the session.
	var snap Snapshot
	status = doJSON(t, http.MethodGet, session, nil, &snap)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, StatusCompleted, snap.Session.Status)

	var results resultsResponse
	status = doJSON(t, http.MethodGet, session+"/results", nil, &results)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "A", results.UnanimousMatches[0].ItemID)
}

func TestMatchResponsesCarrySecurityHeaders(t *testing.T) {
	server := newTestServer(t, &Config{})
	base := server.URL

	created := createMatch(t, base, ModeCollaborative, []string{"A"})

	resp, err := http.Get(base + "/match/" + created.Code)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.Equal(t, "default-src 'self'", resp.Header.Get("Content-Security-Policy"))

	// Error responses too.
	resp, err = http.Get(base + "/match/NOPE1234")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestHubClosesWhenLastClientLeaves(t *testing.T) {
	store := newTestStore(t)
	bus := newMemoryBus()
	defer bus.Close()

	mm := newMatchManager(&Config{}, store, bus)
	defer mm.Close()

	hub := mm.hub("ROOM1234")
	client := &Client{send: make(chan []byte, 1)}
	hub.register <- client
	hub.unreg <- client

	select {
	case <-hub.done:
	case <-time.After(time.Second):
		t.Fatal("hub kept running with no clients")
	}

	mm.mu.Lock()
	_, alive := mm.hubs["ROOM1234"]
	mm.mu.Unlock()
	require.False(t, alive)
}

func readWireEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	event, err := decodeEvent(payload)
	require.NoError(t, err)

	return event
}

func TestWebSocketSnapshotFirst(t *testing.T) {
	server := newTestServer(t, &Config{})
	base := server.URL

	created := createMatch(t, base, ModeCollaborative, []string{"A", "B"})
	session := base + "/match/" + created.Code

	wsURL := "ws" + strings.TrimPrefix(session, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// First frame is always the full snapshot.
	event := readWireEvent(t, conn)
	snapshot, ok := event.(SnapshotEvent)
	require.True(t, ok, "expected snapshot, got %#v", event)
	require.Equal(t, created.Code, snapshot.Snapshot.Session.Code)

	var joined joinMatchResponse
	status := doJSON(t, http.MethodPost, session+"/join", joinMatchRequest{Name: "guest"}, &joined)
	require.Equal(t, http.StatusOK, status)

	event = readWireEvent(t, conn)
	joinEvent, ok := event.(ParticipantJoined)
	require.True(t, ok, "expected participant-joined, got %#v", event)
	require.Equal(t, "guest", joinEvent.Participant.Name)

	status = doJSON(t, http.MethodPost, session+"/decision", decisionRequest{
		ParticipantID: joined.ParticipantID, ItemID: "A", Kind: KindLike, Progress: 0,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	event = readWireEvent(t, conn)
	progress, ok := event.(ProgressChanged)
	require.True(t, ok, "expected progress-changed, got %#v", event)
	require.Equal(t, joined.ParticipantID, progress.ParticipantID)
	require.Equal(t, 1, progress.Progress)

	status = doJSON(t, http.MethodPost, session+"/end", actorRequest{ParticipantID: created.HostParticipantID}, nil)
	require.Equal(t, http.StatusOK, status)

	event = readWireEvent(t, conn)
	ended, ok := event.(SessionEnded)
	require.True(t, ok, "expected session-ended, got %#v", event)
	require.Equal(t, StatusCompleted, ended.Status)

	// The hub tears the group down after the terminal event.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestWebSocketSkipsOwnProgress(t *testing.T) {
	server := newTestServer(t, &Config{})
	base := server.URL

	created := createMatch(t, base, ModeSolo, []string{"A", "B"})
	session := base + "/match/" + created.Code
	host := created.HostParticipantID

	wsURL := "ws" + strings.TrimPrefix(session, "http") + "/ws?participant=" + host
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	_, ok := readWireEvent(t, conn).(SnapshotEvent)
	require.True(t, ok)

	status := doJSON(t, http.MethodPost, session+"/decision", decisionRequest{
		ParticipantID: host, ItemID: "A", Kind: KindLike, Progress: 0,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	// Picking completes the session. The subscriber identified itself as the
	// acting participant, so it sees no echo of its own progress; the next
	// frames are its done mark and the terminal event.
	status = doJSON(t, http.MethodPost, session+"/decision", decisionRequest{
		ParticipantID: host, ItemID: "B", Kind: KindPick, Progress: 1,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	done, ok := readWireEvent(t, conn).(ParticipantDone)
	require.True(t, ok)
	require.Equal(t, host, done.ParticipantID)

	ended, ok := readWireEvent(t, conn).(SessionEnded)
	require.True(t, ok)
	require.Equal(t, StatusCompleted, ended.Status)
}

func TestMatchQRCode(t *testing.T) {
	server := newTestServer(t, &Config{})
	base := server.URL

	created := createMatch(t, base, ModeCollaborative, []string{"A"})

	resp, err := http.Get(base + "/match/" + created.Code + "/qr")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	magic := make([]byte, 8)
	_, err = io.ReadFull(resp.Body, magic)
	require.NoError(t, err)
	require.Equal(t, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, magic)
}
