package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Requests and responses for the match endpoints.

type createMatchRequest struct {
	Mode     Mode     `json:"mode"`
	HostName string   `json:"hostName"`
	ItemIDs  []string `json:"itemIds"`
}

type createMatchResponse struct {
	Code              string   `json:"code"`
	HostParticipantID string   `json:"hostParticipantId"`
	Snapshot          Snapshot `json:"snapshot"`
}

type joinMatchRequest struct {
	Name string `json:"name"`
}

type joinMatchResponse struct {
	ParticipantID string   `json:"participantId"`
	Snapshot      Snapshot `json:"snapshot"`
}

type decisionRequest struct {
	ParticipantID string `json:"participantId"`
	ItemID        string `json:"itemId"`
	Kind          Kind   `json:"kind"`
	Progress      int    `json:"progress"`
}

type decisionResponse struct {
	Accepted bool `json:"accepted"`
	Progress int  `json:"progress"`
}

type actorRequest struct {
	ParticipantID string `json:"participantId"`
}

type acceptedResponse struct {
	Accepted bool `json:"accepted"`
}

type resultsResponse struct {
	UnanimousMatches []ItemResult  `json:"unanimousMatches"`
	RankedResults    []ItemResult  `json:"rankedResults"`
	Roster           []Participant `json:"roster"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client is one websocket subscriber of a session's fan-out group.
type Client struct {
	conn          *websocket.Conn
	send          chan []byte
	participantID string
}

// Hub fans bus events out to this process's websocket clients for a single
// session code. Durable writes never depend on it: a hub that drops a slow
// client loses nothing but UI hints.
type Hub struct {
	code string

	clients  map[*Client]bool
	register chan *Client
	unreg    chan *Client

	events <-chan Event
	cancel func()
	done   chan struct{}
}

func newHub(code string, bus MessageBus) *Hub {
	events, cancel := bus.Subscribe(code)

	return &Hub{
		code:     code,
		clients:  make(map[*Client]bool),
		register: make(chan *Client),
		unreg:    make(chan *Client),
		events:   events,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (h *Hub) run(cfg *Config, mm *MatchManager) {
	defer func() {
		h.cancel()
		for c := range h.clients {
			close(c.send)
			_ = c.conn.Close()
			delete(h.clients, c)
		}
		mm.remove(h)
		close(h.done)
	}()

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true

		case c := <-h.unreg:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			// No clients left means nobody to fan out to; the next
			// subscriber gets a fresh hub.
			if len(h.clients) == 0 {
				return
			}

		case event, ok := <-h.events:
			if !ok {
				return
			}

			payload, err := encodeEvent(event)
			if err != nil {
				logf(cfg, "MATCH: dropping unencodable event for %s: %v", h.code, err)
				continue
			}

			dropped := false
			for c := range h.clients {
				if skipSubscriber(event, c) {
					continue
				}
				select {
				case c.send <- payload:
				default:
					delete(h.clients, c)
					close(c.send)
					dropped = true
				}
			}
			if dropped && len(h.clients) == 0 {
				return
			}

			// A terminal event is the last thing a group will ever see;
			// clients fetch results over HTTP from here on.
			if _, ended := event.(SessionEnded); ended {
				return
			}
		}
	}
}

// skipSubscriber suppresses events the subscriber already knows about,
// currently only a participant's own progress.
func skipSubscriber(event Event, c *Client) bool {
	if c.participantID == "" {
		return false
	}
	if e, ok := event.(ProgressChanged); ok {
		return e.ParticipantID == c.participantID
	}
	return false
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	// All state changes arrive over HTTP; the websocket is downstream only.
	// Reading still has to run to process control frames and notice closes.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MatchManager is the session coordinator: the only surface the HTTP and
// websocket handlers talk to. It sequences writes through the store,
// publishes fan-out events after each durable write commits, and owns the
// per-process hub registry.
type MatchManager struct {
	cfg   *Config
	store *Store
	bus   MessageBus

	mu   sync.Mutex
	hubs map[string]*Hub

	stop     chan struct{}
	stopOnce sync.Once
}

func newMatchManager(cfg *Config, store *Store, bus MessageBus) *MatchManager {
	mm := &MatchManager{
		cfg:   cfg,
		store: store,
		bus:   bus,
		hubs:  make(map[string]*Hub),
		stop:  make(chan struct{}),
	}
	if cfg.sessionTimeout > 0 {
		go mm.reaperLoop()
	}
	return mm
}

func (mm *MatchManager) hub(code string) *Hub {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if hub, ok := mm.hubs[code]; ok {
		return hub
	}

	hub := newHub(code, mm.bus)
	mm.hubs[code] = hub
	go hub.run(mm.cfg, mm)
	return hub
}

func (mm *MatchManager) remove(h *Hub) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.hubs[h.code] == h {
		delete(mm.hubs, h.code)
	}
}

// Close stops the reaper and tears down every hub.
func (mm *MatchManager) Close() {
	mm.stopOnce.Do(func() {
		close(mm.stop)
	})

	mm.mu.Lock()
	hubs := make([]*Hub, 0, len(mm.hubs))
	for _, hub := range mm.hubs {
		hubs = append(hubs, hub)
	}
	mm.mu.Unlock()

	for _, hub := range hubs {
		hub.cancel()
		<-hub.done
	}
}

// reaperLoop periodically cancels sessions that have been idle longer than
// the configured timeout. This covers hosts that vanish without ever ending
// their session: rather than living forever, the session is cancelled and
// its subscribers are told.
func (mm *MatchManager) reaperLoop() {
	ticker := time.NewTicker(mm.cfg.sessionTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-mm.cfg.sessionTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		codes, err := mm.store.CancelIdle(ctx, cutoff)
		if err != nil {
			logf(mm.cfg, "MATCH: idle reaper: %v", err)
			cancel()
			continue
		}

		for _, code := range codes {
			logf(mm.cfg, "MATCH: Cancelled idle session %s", code)
			mm.publish(ctx, code, SessionEnded{Status: StatusCancelled})
		}
		cancel()
	}
}

// finalizeIfAllDone completes the session once every roster member has
// finished, when the auto-finalize policy opts in. Finishing is never
// silently automatic otherwise: without the flag, only the host's explicit
// end (or a solo pick) closes a session. Safe to race: a concurrent
// completion simply wins.
func (mm *MatchManager) finalizeIfAllDone(ctx context.Context, cfg *Config, code string, roster []Participant) {
	if !cfg.autoFinalize || !allDone(roster) {
		return
	}

	switch err := mm.store.Finalize(ctx, code); {
	case err == nil:
		logf(cfg, "MATCH: Session %s auto-finalized, all participants done", code)
		mm.publish(ctx, code, SessionEnded{Status: StatusCompleted})
	case errors.Is(err, ErrSessionClosed):
		// A concurrent completion won the race.
	default:
		logf(cfg, "MATCH: auto-finalize %s: %v", code, err)
	}
}

// publish pushes an event onto the bus. Fan-out failures never propagate to
// the caller; the durable write has already committed.
func (mm *MatchManager) publish(ctx context.Context, code string, event Event) {
	if err := mm.bus.Publish(ctx, code, event); err != nil {
		logf(mm.cfg, "MATCH: publish %s for %s: %v", event.eventType(), code, err)
	}
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("encode response:", err)
	}
}

// writeError maps the validation taxonomy onto HTTP statuses.
func writeError(cfg *Config, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, ErrUnknownSession), errors.Is(err, ErrUnknownParticipant):
		status = http.StatusNotFound
	case errors.Is(err, ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, ErrOutOfOrder), errors.Is(err, ErrNotYetCompleted):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidDecision):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	}

	if status == http.StatusInternalServerError {
		log.Println("internal error:", err)
		writeJSON(cfg, w, status, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(cfg, w, status, errorResponse{Error: err.Error()})
}

func parseBody(r *http.Request, dst any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (mm *MatchManager) createHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req createMatchRequest
		if err := parseBody(r, &req); err != nil {
			writeJSON(cfg, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		if req.HostName == "" || len(req.ItemIDs) == 0 || !req.Mode.valid() {
			writeJSON(cfg, w, http.StatusBadRequest, errorResponse{Error: "mode, hostName and itemIds are required"})
			return
		}

		snap, err := mm.store.CreateSession(r.Context(), req.Mode, req.HostName, req.ItemIDs)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		logf(cfg, "MATCH: %q created %s session %s over %d items",
			req.HostName, snap.Session.Mode, snap.Session.Code, len(snap.Session.Items))

		writeJSON(cfg, w, http.StatusCreated, createMatchResponse{
			Code:              snap.Session.Code,
			HostParticipantID: snap.Session.HostID,
			Snapshot:          snap,
		})
	}
}

func (mm *MatchManager) joinHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		var req joinMatchRequest
		if err := parseBody(r, &req); err != nil || req.Name == "" {
			writeJSON(cfg, w, http.StatusBadRequest, errorResponse{Error: "name is required"})
			return
		}

		participant, snap, err := mm.store.AddParticipant(r.Context(), code, req.Name)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		logf(cfg, "MATCH: %q joined %s", req.Name, code)
		mm.publish(r.Context(), code, ParticipantJoined{Participant: participant})

		writeJSON(cfg, w, http.StatusOK, joinMatchResponse{
			ParticipantID: participant.ID,
			Snapshot:      snap,
		})
	}
}

func (mm *MatchManager) snapshotHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		snap, err := mm.store.Snapshot(r.Context(), ps.ByName("code"))
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, snap)
	}
}

func (mm *MatchManager) decisionHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		var req decisionRequest
		if err := parseBody(r, &req); err != nil {
			writeJSON(cfg, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
		if req.ParticipantID == "" || req.ItemID == "" {
			writeJSON(cfg, w, http.StatusBadRequest, errorResponse{Error: "participantId and itemId are required"})
			return
		}

		outcome, err := mm.store.RecordDecision(r.Context(), code, req.ParticipantID, req.ItemID, req.Kind, req.Progress)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		// Events go out only after the write is externally visible.
		mm.publish(r.Context(), code, ProgressChanged{
			ParticipantID: req.ParticipantID,
			Progress:      outcome.Progress,
		})
		if outcome.ParticipantDone {
			mm.publish(r.Context(), code, ParticipantDone{ParticipantID: req.ParticipantID})
		}
		if outcome.SessionCompleted {
			logf(cfg, "MATCH: Session %s completed by pick", code)
			mm.publish(r.Context(), code, SessionEnded{Status: StatusCompleted})
		} else if outcome.ParticipantDone && cfg.autoFinalize {
			// Swiping through the whole list is the usual way to finish;
			// the last finisher may close the session without anyone ever
			// calling the done endpoint.
			if snap, err := mm.store.Snapshot(r.Context(), code); err == nil {
				mm.finalizeIfAllDone(r.Context(), cfg, code, snap.Roster)
			}
		}

		writeJSON(cfg, w, http.StatusOK, decisionResponse{
			Accepted: true,
			Progress: outcome.Progress,
		})
	}
}

func (mm *MatchManager) doneHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		var req actorRequest
		if err := parseBody(r, &req); err != nil || req.ParticipantID == "" {
			writeJSON(cfg, w, http.StatusBadRequest, errorResponse{Error: "participantId is required"})
			return
		}

		roster, err := mm.store.MarkDone(r.Context(), code, req.ParticipantID)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		mm.publish(r.Context(), code, ParticipantDone{ParticipantID: req.ParticipantID})
		mm.finalizeIfAllDone(r.Context(), cfg, code, roster)

		writeJSON(cfg, w, http.StatusOK, acceptedResponse{Accepted: true})
	}
}

func (mm *MatchManager) startHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		var req actorRequest
		if err := parseBody(r, &req); err != nil || req.ParticipantID == "" {
			writeJSON(cfg, w, http.StatusBadRequest, errorResponse{Error: "participantId is required"})
			return
		}

		if err := mm.store.StartPicking(r.Context(), code, req.ParticipantID); err != nil {
			writeError(cfg, w, err)
			return
		}

		logf(cfg, "MATCH: Session %s left the lobby", code)
		mm.publish(r.Context(), code, PickingStarted{})

		writeJSON(cfg, w, http.StatusOK, acceptedResponse{Accepted: true})
	}
}

func (mm *MatchManager) endHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		var req actorRequest
		if err := parseBody(r, &req); err != nil || req.ParticipantID == "" {
			writeJSON(cfg, w, http.StatusBadRequest, errorResponse{Error: "participantId is required"})
			return
		}

		status, err := mm.store.EndSession(r.Context(), code, req.ParticipantID)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		logf(cfg, "MATCH: Session %s ended by host (%s)", code, status)
		mm.publish(r.Context(), code, SessionEnded{Status: status})

		writeJSON(cfg, w, http.StatusOK, acceptedResponse{Accepted: true})
	}
}

func (mm *MatchManager) resultsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		results, snap, err := mm.store.Results(r.Context(), ps.ByName("code"))
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		writeJSON(cfg, w, http.StatusOK, resultsResponse{
			UnanimousMatches: results.UnanimousMatches,
			RankedResults:    results.RankedResults,
			Roster:           snap.Roster,
		})
	}
}

// wsHandler subscribes a connection to the session's fan-out group. The
// first frame the client receives is always a full snapshot, so a late
// joiner or reconnecting client never depends on having seen prior events.
func (mm *MatchManager) wsHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")

		snap, err := mm.store.Snapshot(r.Context(), code)
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		payload, err := encodeEvent(SnapshotEvent{Snapshot: snap})
		if err != nil {
			writeError(cfg, w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:          conn,
			send:          make(chan []byte, 8),
			participantID: r.URL.Query().Get("participant"),
		}

		// Queued ahead of registration, so the snapshot beats any broadcast.
		client.send <- payload

		hub := mm.hub(code)
		select {
		case hub.register <- client:
		case <-hub.done:
			// Hub ended between lookup and registration; retry on a fresh
			// hub unless the session is already terminal.
			if snap.Session.Status.terminal() {
				close(client.send)
				_ = conn.Close()
				return
			}
			hub = mm.hub(code)
			select {
			case hub.register <- client:
			case <-hub.done:
				close(client.send)
				_ = conn.Close()
				return
			}
		}

		logf(cfg, "MATCH: Subscriber connected to %s from %s", code, realIP(r))

		go client.writePump()
		client.readPump(hub)
	}
}

// qrHandler generates a PNG QR code for the current session URL.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")
		if code == "" {
			http.Error(w, "missing session code", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		// We are at /.../:code/qr; strip trailing "/qr" to get the session URL.
		path := strings.TrimSuffix(r.URL.Path, "/qr")

		url := scheme + "://" + r.Host + path

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

// registerMatchGame sets up routes so that:
//   - POST $path                  → create a session over an item list
//   - GET  $path/:code            → session + roster snapshot
//   - POST $path/:code/join       → join the roster
//   - POST $path/:code/decision   → record one swipe
//   - POST $path/:code/done       → finish early
//   - POST $path/:code/start      → host starts the picking phase
//   - POST $path/:code/end        → host ends the session
//   - GET  $path/:code/results    → unanimous matches + ranked list
//   - GET  $path/:code/ws         → websocket fan-out group
//   - GET  $path/:code/qr         → PNG QR code for the session URL
func registerMatchGame(cfg *Config, store *Store, bus MessageBus, path string, mux *httprouter.Router) *MatchManager {
	mm := newMatchManager(cfg, store, bus)

	mux.POST(cfg.prefix+path, mm.createHandler(cfg))
	mux.GET(cfg.prefix+path+"/:code", mm.snapshotHandler(cfg))
	mux.POST(cfg.prefix+path+"/:code/join", mm.joinHandler(cfg))
	mux.POST(cfg.prefix+path+"/:code/decision", mm.decisionHandler(cfg))
	mux.POST(cfg.prefix+path+"/:code/done", mm.doneHandler(cfg))
	mux.POST(cfg.prefix+path+"/:code/start", mm.startHandler(cfg))
	mux.POST(cfg.prefix+path+"/:code/end", mm.endHandler(cfg))
	mux.GET(cfg.prefix+path+"/:code/results", mm.resultsHandler(cfg))
	mux.GET(cfg.prefix+path+"/:code/ws", mm.wsHandler(cfg))
	mux.GET(cfg.prefix+path+"/:code/qr", qrHandler(cfg))

	return mm
}
