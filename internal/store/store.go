// Package store persists session metadata: who created a session and when.
//
// The live state of a session (members, permissions, the shell) is never stored,
// it only exists in the registry of the server process that hosts the session.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

type Record struct {
	SessionID    string    `json:"session_id"`
	HostUsername string    `json:"host_username"`
	CreatedAt    time.Time `json:"created_at"`
	Active       bool      `json:"active"`
}

type Store interface {
	// Put creates or replaces the record with the same session ID
	Put(ctx context.Context, record Record) error

	// Get returns ErrNotFound when there's no record with the specified session ID
	Get(ctx context.Context, sessionID string) (*Record, error)

	SetActive(ctx context.Context, sessionID string, active bool) error

	// ListActiveBefore returns active records created before the cutoff, oldest first
	ListActiveBefore(ctx context.Context, cutoff time.Time) ([]Record, error)

	// DeleteInactiveBefore removes inactive records created before the cutoff
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
