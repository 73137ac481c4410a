/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Validation failures surfaced by the session store and handlers. All of
// them are detected before any write; none are retried server-side.
var (
	// ErrUnknownSession means no session exists for the given code.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnknownParticipant means the participant is not on the roster.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrSessionClosed means the action was addressed to a session that is
	// already completed or cancelled. Callers should re-fetch the snapshot
	// and stop submitting.
	ErrSessionClosed = errors.New("session closed")

	// ErrOutOfOrder means the claimed progress does not match the item being
	// decided. Callers should resync their progress counter from the
	// snapshot before retrying.
	ErrOutOfOrder = errors.New("decision out of order")

	// ErrInvalidDecision means the decision kind is not legal for the
	// session mode, e.g. pick in a collaborative session.
	ErrInvalidDecision = errors.New("invalid decision kind for session mode")

	// ErrForbidden means a non-host attempted a host-only action.
	ErrForbidden = errors.New("forbidden")

	// ErrNotYetCompleted means results were requested while the session is
	// still active.
	ErrNotYetCompleted = errors.New("session not yet completed")
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
