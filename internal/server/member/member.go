package member

import (
	"context"
	"errors"
	"github.com/google/uuid"
)

const defaultOutboxSize = 256

var (
	ErrOutboxFull = errors.New("member's outbox is full")
	ErrClosed     = errors.New("member is closed")
)

// Member is a single client connection participating in a session.
//
// Outgoing messages are queued in the member's outbox and written to the
// connection by a separate writer, so that a fan-out never waits on a slow socket.
type Member struct {
	//nolint:containedctx // seems perfectly valid for our use-case
	subCtx context.Context
	cancel context.CancelFunc

	token    string
	username string
	isHost   bool

	outbox chan []byte
}

func New(ctx context.Context, username string, isHost bool, opts ...Option) *Member {
	subCtx, cancel := context.WithCancel(ctx)

	member := &Member{
		subCtx:   subCtx,
		cancel:   cancel,
		token:    uuid.New().String(),
		username: username,
		isHost:   isHost,
	}

	// Apply options
	for _, opt := range opts {
		opt(member)
	}

	// Apply defaults
	if member.outbox == nil {
		member.outbox = make(chan []byte, defaultOutboxSize)
	}

	return member
}

func (member *Member) Token() string {
	return member.token
}

func (member *Member) Username() string {
	return member.username
}

// IsHost is the host flag the member has joined with, it never changes afterwards.
func (member *Member) IsHost() bool {
	return member.isHost
}

// Enqueue never blocks: a member that can't keep up is reported via ErrOutboxFull.
func (member *Member) Enqueue(payload []byte) error {
	select {
	case <-member.subCtx.Done():
		return ErrClosed
	default:
	}

	select {
	case member.outbox <- payload:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (member *Member) Outbox() <-chan []byte {
	return member.outbox
}

func (member *Member) Context() context.Context {
	return member.subCtx
}

func (member *Member) Close() error {
	member.cancel()

	return nil
}
