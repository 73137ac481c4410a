package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the durable session registry and decision ledger, backed by
// SQLite. Every read-modify-write (progress advancement, done marking,
// status transitions) happens inside an immediate transaction, so two
// concurrent submissions for the same participant can never both pass their
// precondition checks against a stale read.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL UNIQUE,
    mode TEXT NOT NULL CHECK (mode IN ('solo', 'collaborative')),
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'cancelled')),
    host_id TEXT NOT NULL,
    item_order TEXT NOT NULL,
    picking_started INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    last_active TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS participants (
    id TEXT NOT NULL,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    is_host INTEGER NOT NULL DEFAULT 0,
    progress INTEGER NOT NULL DEFAULT 0,
    done INTEGER NOT NULL DEFAULT 0,
    joined_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS decisions (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    participant_id TEXT NOT NULL,
    item_id TEXT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('like', 'skip', 'pick')),
    sequence_index INTEGER NOT NULL,
    decided_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, participant_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_decisions_session_item ON decisions(session_id, item_id);
`

// OpenStore opens (or creates) the SQLite database at path and ensures the
// schema exists. Safe to call against an existing database.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes all transactions, which is the
	// per-session-row locking model these operations rely on. It also keeps
	// the connection-scoped pragmas below in effect for every query.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// newSessionCode generates a crypto-random session code and ensures it
// doesn't collide with an existing session.
func (s *Store) newSessionCode(ctx context.Context) (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		code := string(out)

		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE code = ?`, code).Scan(&exists)
		if err != nil {
			return "", err
		}
		if exists == 0 {
			return code, nil
		}
	}
}

// CreateSession registers a new session over the given immutable item order
// and adds the host as its first participant.
func (s *Store) CreateSession(ctx context.Context, mode Mode, hostName string, items []string) (Snapshot, error) {
	if !mode.valid() {
		return Snapshot{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidDecision, mode)
	}
	if len(items) == 0 {
		return Snapshot{}, errors.New("item list must not be empty")
	}

	code, err := s.newSessionCode(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	order, err := json.Marshal(items)
	if err != nil {
		return Snapshot{}, err
	}

	now := time.Now().UTC()
	sessionID := uuid.NewString()
	hostID := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, code, mode, status, host_id, item_order, picking_started, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, code, mode, StatusActive, hostID, string(order), soloStarts(mode), now, now,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO participants (id, session_id, name, is_host, joined_at)
		VALUES (?, ?, ?, 1, ?)`,
		hostID, sessionID, hostName, now,
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to add host: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, err
	}

	return s.Snapshot(ctx, code)
}

// Solo sessions have no lobby; the single participant picks immediately.
func soloStarts(mode Mode) int {
	if mode == ModeSolo {
		return 1
	}
	return 0
}

// Snapshot loads the full authoritative session + roster view.
func (s *Store) Snapshot(ctx context.Context, code string) (Snapshot, error) {
	return loadSnapshot(ctx, s.db, code)
}

// querier covers both *sql.DB and *sql.Tx, so snapshot loading can run
// inside or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSnapshot(ctx context.Context, q querier, code string) (Snapshot, error) {
	sess, err := loadSession(ctx, q, code)
	if err != nil {
		return Snapshot{}, err
	}

	roster, err := loadRoster(ctx, q, sess.ID)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Session: sess,
		Roster:  roster,
		Phase:   sess.phase(),
	}, nil
}

func loadSession(ctx context.Context, q querier, code string) (Session, error) {
	var (
		sess    Session
		order   string
		started int
		endedAt sql.NullTime
	)

	err := q.QueryRowContext(ctx, `
		SELECT id, code, mode, status, host_id, item_order, picking_started, created_at, ended_at
		FROM sessions
		WHERE code = ?`, code,
	).Scan(&sess.ID, &sess.Code, &sess.Mode, &sess.Status, &sess.HostID, &order, &started, &sess.CreatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrUnknownSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}

	if err := json.Unmarshal([]byte(order), &sess.Items); err != nil {
		return Session{}, fmt.Errorf("corrupt item order for %s: %w", code, err)
	}
	sess.PickingStarted = started != 0
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}

	return sess, nil
}

// loadRoster returns participants in join order, the stable order used for
// likedBy/pickedBy lists in results.
func loadRoster(ctx context.Context, q querier, sessionID string) ([]Participant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, is_host, progress, done, joined_at
		FROM participants
		WHERE session_id = ?
		ORDER BY joined_at, id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}
	defer rows.Close()

	var roster []Participant
	for rows.Next() {
		var (
			p            Participant
			isHost, done int
		)
		if err := rows.Scan(&p.ID, &p.Name, &isHost, &p.Progress, &done, &p.JoinedAt); err != nil {
			return nil, err
		}
		p.IsHost = isHost != 0
		p.Done = done != 0
		roster = append(roster, p)
	}

	return roster, rows.Err()
}

// AddParticipant joins a participant to an active session and returns the
// new participant along with a fresh snapshot. A disconnect never removes a
// participant, so rejoining by participant id is purely a read path and does
// not go through here.
func (s *Store) AddParticipant(ctx context.Context, code, name string) (Participant, Snapshot, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return Participant{}, Snapshot{}, err
	}
	defer tx.Rollback()

	sess, err := loadSession(ctx, tx, code)
	if err != nil {
		return Participant{}, Snapshot{}, err
	}
	if sess.Status != StatusActive {
		return Participant{}, Snapshot{}, ErrSessionClosed
	}
	if sess.Mode == ModeSolo {
		return Participant{}, Snapshot{}, fmt.Errorf("%w: solo sessions have exactly one participant", ErrForbidden)
	}

	now := time.Now().UTC()
	p := Participant{
		ID:       uuid.NewString(),
		Name:     name,
		JoinedAt: now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO participants (id, session_id, name, is_host, joined_at)
		VALUES (?, ?, ?, 0, ?)`,
		p.ID, sess.ID, p.Name, now,
	)
	if err != nil {
		return Participant{}, Snapshot{}, fmt.Errorf("failed to add participant: %w", err)
	}

	if err := touchSession(ctx, tx, sess.ID, now); err != nil {
		return Participant{}, Snapshot{}, err
	}

	snap, err := loadSnapshot(ctx, tx, code)
	if err != nil {
		return Participant{}, Snapshot{}, err
	}

	if err := tx.Commit(); err != nil {
		return Participant{}, Snapshot{}, err
	}

	return p, snap, nil
}

// DecisionOutcome is what a successful RecordDecision produced, so the
// caller can fan out the matching events after the write has committed.
type DecisionOutcome struct {
	Progress         int
	ParticipantDone  bool
	SessionCompleted bool
}

// RecordDecision validates and records one decision. The claimed progress is
// a precondition, not an assignment: the stored progress only advances when
// the claim moves it forward, so a duplicate or reordered retry of an
// already-recorded item succeeds without double counting and returns the
// authoritative progress for the client to self-correct against.
//
// In solo mode, a pick completes the session and marks the participant done
// atomically with the decision write.
func (s *Store) RecordDecision(ctx context.Context, code, participantID, itemID string, kind Kind, claimed int) (DecisionOutcome, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return DecisionOutcome{}, err
	}
	defer tx.Rollback()

	sess, err := loadSession(ctx, tx, code)
	if err != nil {
		return DecisionOutcome{}, err
	}
	if sess.Status != StatusActive {
		return DecisionOutcome{}, ErrSessionClosed
	}

	var (
		progress int
		done     int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT progress, done FROM participants
		WHERE session_id = ? AND id = ?`, sess.ID, participantID,
	).Scan(&progress, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return DecisionOutcome{}, ErrUnknownParticipant
	}
	if err != nil {
		return DecisionOutcome{}, err
	}

	if !kind.allowedIn(sess.Mode) {
		return DecisionOutcome{}, ErrInvalidDecision
	}
	// The claim must name the item at that position, and may not skip ahead
	// of the recorded progress: the ledger holds exactly the sequence
	// indexes 0..progress-1, with no gaps. Claims below the recorded
	// progress are retried duplicates and are accepted idempotently.
	if claimed < 0 || claimed >= len(sess.Items) || sess.Items[claimed] != itemID || claimed > progress {
		return DecisionOutcome{}, ErrOutOfOrder
	}

	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO decisions (session_id, participant_id, item_id, kind, sequence_index, decided_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, participant_id, item_id)
		DO UPDATE SET kind = excluded.kind, decided_at = excluded.decided_at`,
		sess.ID, participantID, itemID, kind, claimed, now,
	)
	if err != nil {
		return DecisionOutcome{}, fmt.Errorf("failed to record decision: %w", err)
	}

	// Compare-and-set: only advance past the current stored value.
	if claimed+1 > progress {
		progress = claimed + 1
	}

	outcome := DecisionOutcome{Progress: progress}

	if progress == len(sess.Items) || kind == KindPick {
		done = 1
		outcome.ParticipantDone = true
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE participants SET progress = ?, done = ?
		WHERE session_id = ? AND id = ?`,
		progress, done, sess.ID, participantID,
	)
	if err != nil {
		return DecisionOutcome{}, err
	}

	if kind == KindPick {
		if err := closeSession(ctx, tx, sess.ID, StatusCompleted, now); err != nil {
			return DecisionOutcome{}, err
		}
		outcome.SessionCompleted = true
	} else if err := touchSession(ctx, tx, sess.ID, now); err != nil {
		return DecisionOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return DecisionOutcome{}, err
	}

	return outcome, nil
}

// MarkDone finishes a participant early, independent of reaching the end of
// the item list. Returns the updated roster so the caller can decide whether
// every participant has now finished.
func (s *Store) MarkDone(ctx context.Context, code, participantID string) ([]Participant, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sess, err := loadSession(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusActive {
		return nil, ErrSessionClosed
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE participants SET done = 1
		WHERE session_id = ? AND id = ?`, sess.ID, participantID,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrUnknownParticipant
	}

	if err := touchSession(ctx, tx, sess.ID, time.Now().UTC()); err != nil {
		return nil, err
	}

	roster, err := loadRoster(ctx, tx, sess.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return roster, nil
}

// StartPicking records the host's "start picking" signal for a
// collaborative session, so the lobby phase survives in snapshots for
// clients that join after the broadcast.
func (s *Store) StartPicking(ctx context.Context, code, participantID string) error {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sess, err := loadSession(ctx, tx, code)
	if err != nil {
		return err
	}
	if sess.Status != StatusActive {
		return ErrSessionClosed
	}
	if sess.HostID != participantID {
		return ErrForbidden
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET picking_started = 1, last_active = ?
		WHERE id = ?`, time.Now().UTC(), sess.ID,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// EndSession ends an active session on behalf of the host. If the ledger
// already holds decisions the session completes; a session abandoned before
// anyone decided anything is cancelled instead. Returns the terminal status
// it applied.
func (s *Store) EndSession(ctx context.Context, code, participantID string) (Status, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	sess, err := loadSession(ctx, tx, code)
	if err != nil {
		return "", err
	}
	if sess.Status != StatusActive {
		return "", ErrSessionClosed
	}
	if sess.HostID != participantID {
		return "", ErrForbidden
	}

	var recorded int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM decisions WHERE session_id = ?`, sess.ID,
	).Scan(&recorded)
	if err != nil {
		return "", err
	}

	to := StatusCompleted
	if recorded == 0 {
		to = StatusCancelled
	}

	if err := closeSession(ctx, tx, sess.ID, to, time.Now().UTC()); err != nil {
		return "", err
	}

	return to, tx.Commit()
}

// Finalize completes a session without a host check, for the
// auto-finalize-when-all-done policy.
func (s *Store) Finalize(ctx context.Context, code string) error {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sess, err := loadSession(ctx, tx, code)
	if err != nil {
		return err
	}
	if !canTransition(sess.Status, StatusCompleted) {
		return ErrSessionClosed
	}

	if err := closeSession(ctx, tx, sess.ID, StatusCompleted, time.Now().UTC()); err != nil {
		return err
	}

	return tx.Commit()
}

// Decisions returns every ledger entry for a session, for aggregation.
func (s *Store) Decisions(ctx context.Context, sessionID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, item_id, kind, sequence_index
		FROM decisions
		WHERE session_id = ?
		ORDER BY participant_id, sequence_index`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ParticipantID, &d.ItemID, &d.Kind, &d.SequenceIndex); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}

	return decisions, rows.Err()
}

// Results aggregates the ledger for a terminal session. The ledger of a
// finished session is immutable, so the output is a deterministic function
// of the stored rows and may be cached by callers indefinitely.
func (s *Store) Results(ctx context.Context, code string) (Results, Snapshot, error) {
	snap, err := s.Snapshot(ctx, code)
	if err != nil {
		return Results{}, Snapshot{}, err
	}
	if !snap.Session.Status.terminal() {
		return Results{}, Snapshot{}, ErrNotYetCompleted
	}

	decisions, err := s.Decisions(ctx, snap.Session.ID)
	if err != nil {
		return Results{}, Snapshot{}, err
	}

	return aggregate(snap.Session.Items, snap.Roster, decisions), snap, nil
}

// CancelIdle cancels active sessions whose last activity predates the
// cutoff, returning the codes of the sessions it closed.
func (s *Store) CancelIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT code FROM sessions
		WHERE status = ? AND last_active < ?`, StatusActive, cutoff,
	)
	if err != nil {
		return nil, err
	}

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return nil, err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(codes) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ?
		WHERE status = ? AND last_active < ?`,
		StatusCancelled, now, StatusActive, cutoff,
	)
	if err != nil {
		return nil, err
	}

	return codes, tx.Commit()
}

// beginImmediate opens a write transaction. The pool is capped at a single
// connection (see OpenStore), so transactions are fully serialized: a
// concurrent read-modify-write can never observe a stale progress value.
func (s *Store) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func touchSession(ctx context.Context, tx *sql.Tx, sessionID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET last_active = ? WHERE id = ?`, now, sessionID)
	return err
}

func closeSession(ctx context.Context, tx *sql.Tx, sessionID string, to Status, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ?, last_active = ?
		WHERE id = ?`, to, now, now, sessionID,
	)
	return err
}
