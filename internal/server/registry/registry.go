package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/cirruslabs/termdesk/internal/protocol"
	"github.com/cirruslabs/termdesk/internal/server/member"
	"github.com/cirruslabs/termdesk/pkg/shell"
	"go.uber.org/zap"
	"sort"
	"sync"
)

var (
	ErrUsernameTaken  = errors.New("username is already taken")
	ErrSessionGone    = errors.New("session has no members")
	ErrRegistryClosed = errors.New("registry is shutting down")
	ErrAlreadyJoined  = errors.New("member is already registered")
)

// Shell is the part of a PTY session that the registry relies on.
type Shell interface {
	Execute(command string) shell.Result
	Exited() bool
	Close() error
}

type ShellOpener func() (Shell, error)

type LifecycleHook func(sessionID string, live bool)

// Registry keeps track of who is connected to which session and owns
// the shell of each session.
type Registry struct {
	logger *zap.Logger

	openShell     ShellOpener
	lifecycleHook LifecycleHook

	sessionsLock sync.Mutex
	sessions     map[string]*session
	closed       bool
}

type session struct {
	id string

	// Guarded by the Registry's sessionsLock
	members     []*member.Member
	permissions map[*member.Member]bool
	shell   Shell
	gone    bool

	// Serializes shell creation and command execution within the session
	shellLock sync.Mutex
}

func New(opts ...Option) *Registry {
	registry := &Registry{
		sessions: make(map[string]*session),
	}

	// Apply options
	for _, opt := range opts {
		opt(registry)
	}

	// Apply defaults
	if registry.logger == nil {
		registry.logger = zap.NewNop()
	}
	if registry.openShell == nil {
		logger := registry.logger
		registry.openShell = func() (Shell, error) {
			shellPty, err := shell.New(shell.WithLogger(logger))
			if err != nil {
				return nil, err
			}

			logger.Debug("spawned shell", zap.Int("pid", shellPty.Pid()))

			return shellPty, nil
		}
	}

	return registry
}

// Register adds a member to the session, creating the session if necessary.
// Usernames are unique within a session.
func (registry *Registry) Register(sessionID string, newMember *member.Member) error {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	if registry.closed {
		return ErrRegistryClosed
	}

	sess, ok := registry.sessions[sessionID]
	if !ok {
		sess = &session{id: sessionID, permissions: make(map[*member.Member]bool)}
		registry.sessions[sessionID] = sess

		registry.notify(sessionID, true)
	}

	for _, existing := range sess.members {
		if existing == newMember {
			return ErrAlreadyJoined
		}

		if existing.Username() == newMember.Username() {
			return fmt.Errorf("%w: %q is already connected to session %q",
				ErrUsernameTaken, newMember.Username(), sessionID)
		}
	}

	sess.members = append(sess.members, newMember)

	// Hosts start with the permission to execute commands
	sess.permissions[newMember] = newMember.IsHost()

	return nil
}

// Unregister removes the member from the session and closes it. The session itself
// along with its shell is torn down once its last member leaves. Unregistering
// an already removed member is a no-op.
func (registry *Registry) Unregister(oldMember *member.Member, sessionID string) {
	var teardown Shell

	registry.sessionsLock.Lock()

	if sess, ok := registry.sessions[sessionID]; ok {
		for i, existing := range sess.members {
			if existing != oldMember {
				continue
			}

			sess.members = append(sess.members[:i:i], sess.members[i+1:]...)
			delete(sess.permissions, oldMember)

			if len(sess.members) == 0 {
				delete(registry.sessions, sessionID)
				sess.gone = true
				teardown = sess.shell
				sess.shell = nil

				registry.notify(sessionID, false)
			}

			break
		}
	}

	registry.sessionsLock.Unlock()

	_ = oldMember.Close()

	if teardown != nil {
		registry.closeShell(sessionID, teardown)
	}
}

// Members returns the members of the session in the order they've joined.
func (registry *Registry) Members(sessionID string) []protocol.Member {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	return registry.membersLocked(sessionID)
}

func (registry *Registry) membersLocked(sessionID string) []protocol.Member {
	sess, ok := registry.sessions[sessionID]
	if !ok {
		return []protocol.Member{}
	}

	result := make([]protocol.Member, 0, len(sess.members))

	for _, existing := range sess.members {
		result = append(result, protocol.Member{
			Username:      existing.Username(),
			HasPermission: sess.permissions[existing],
			IsHost:        existing.IsHost(),
		})
	}

	return result
}

// SetPermission updates the permission of the first member with the given username, if any.
func (registry *Registry) SetPermission(sessionID string, username string, value bool) {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	if sess, existing := registry.findMemberLocked(sessionID, username); existing != nil {
		sess.permissions[existing] = value
	}
}

// Permitted tells whether the member with the given username may execute commands.
func (registry *Registry) Permitted(sessionID string, username string) bool {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	if sess, existing := registry.findMemberLocked(sessionID, username); existing != nil {
		return sess.permissions[existing]
	}

	return false
}

func (registry *Registry) findMemberLocked(sessionID string, username string) (*session, *member.Member) {
	sess, ok := registry.sessions[sessionID]
	if !ok {
		return nil, nil
	}

	for _, existing := range sess.members {
		if existing.Username() == username {
			return sess, existing
		}
	}

	return nil, nil
}

// Broadcast queues the event for every member of the session. Members that
// can't accept it are considered disconnected and are unregistered.
func (registry *Registry) Broadcast(sessionID string, event interface{}) {
	registry.broadcast(sessionID, func() interface{} {
		return event
	})
}

// BroadcastMemberUpdate is like Broadcast, but the member list is captured atomically
// with the fan-out, so that no member_update can overtake a fresher one.
func (registry *Registry) BroadcastMemberUpdate(sessionID string, message string) {
	registry.broadcast(sessionID, func() interface{} {
		return protocol.NewMemberUpdate(registry.membersLocked(sessionID), message)
	})
}

func (registry *Registry) broadcast(sessionID string, eventFunc func() interface{}) {
	var failed []*member.Member

	// Members are enqueued under the lock so that every member observes
	// the session's events in the same order
	registry.sessionsLock.Lock()

	if sess, ok := registry.sessions[sessionID]; ok {
		payload, err := json.Marshal(eventFunc())
		if err != nil {
			registry.sessionsLock.Unlock()

			registry.logger.Error("failed to marshal event", zap.String("session-id", sessionID), zap.Error(err))

			return
		}

		for _, existing := range sess.members {
			if err := existing.Enqueue(payload); err != nil {
				registry.logger.Debug("pruning member that failed to accept an event",
					zap.String("session-id", sessionID), zap.String("username", existing.Username()),
					zap.Error(err))

				failed = append(failed, existing)
			}
		}
	}

	registry.sessionsLock.Unlock()

	for _, existing := range failed {
		registry.Unregister(existing, sessionID)
	}
}

// EnsureShell starts a shell for the session unless a running one already exists.
func (registry *Registry) EnsureShell(sessionID string) error {
	sess := registry.findSession(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %q", ErrSessionGone, sessionID)
	}

	sess.shellLock.Lock()
	defer sess.shellLock.Unlock()

	_, err := registry.ensureShellLocked(sess)

	return err
}

// Execute runs the command in the session's shell, starting the shell first if needed.
// Commands within a session are executed one at a time.
func (registry *Registry) Execute(sessionID string, command string) shell.Result {
	sess := registry.findSession(sessionID)
	if sess == nil {
		return shell.Faulted(fmt.Errorf("%w: %q", ErrSessionGone, sessionID))
	}

	sess.shellLock.Lock()
	defer sess.shellLock.Unlock()

	sessionShell, err := registry.ensureShellLocked(sess)
	if err != nil {
		return shell.Faulted(fmt.Errorf("failed to start shell: %w", err))
	}

	return sessionShell.Execute(command)
}

// ensureShellLocked must be called with the session's shellLock held.
func (registry *Registry) ensureShellLocked(sess *session) (Shell, error) {
	registry.sessionsLock.Lock()
	if sess.gone {
		registry.sessionsLock.Unlock()

		return nil, fmt.Errorf("%w: %q", ErrSessionGone, sess.id)
	}
	current := sess.shell
	registry.sessionsLock.Unlock()

	if current != nil && !current.Exited() {
		return current, nil
	}

	// Spawning a process can take a while, so do it without holding the registry lock
	newShell, err := registry.openShell()
	if err != nil {
		return nil, err
	}

	registry.sessionsLock.Lock()
	if sess.gone {
		registry.sessionsLock.Unlock()

		registry.closeShell(sess.id, newShell)

		return nil, fmt.Errorf("%w: %q", ErrSessionGone, sess.id)
	}
	sess.shell = newShell
	registry.sessionsLock.Unlock()

	if current != nil {
		registry.logger.Info("replacing exited shell", zap.String("session-id", sess.id))
		registry.closeShell(sess.id, current)
	} else {
		registry.logger.Info("started shell", zap.String("session-id", sess.id))
	}

	return newShell, nil
}

func (registry *Registry) closeShell(sessionID string, oldShell Shell) {
	// Best-effort: the shell may have died on its own already
	if err := oldShell.Close(); err != nil {
		registry.logger.Debug("failed to close shell", zap.String("session-id", sessionID), zap.Error(err))
	}
}

func (registry *Registry) findSession(sessionID string) *session {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	return registry.sessions[sessionID]
}

func (registry *Registry) notify(sessionID string, live bool) {
	if registry.lifecycleHook != nil {
		registry.lifecycleHook(sessionID, live)
	}
}

func (registry *Registry) HasShell(sessionID string) bool {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	sess, ok := registry.sessions[sessionID]
	if !ok || sess.shell == nil {
		return false
	}

	return !sess.shell.Exited()
}

// Live tells whether the session currently has at least one member.
func (registry *Registry) Live(sessionID string) bool {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	_, ok := registry.sessions[sessionID]

	return ok
}

func (registry *Registry) NumSessions() int {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	return len(registry.sessions)
}

func (registry *Registry) SessionIDs() []string {
	registry.sessionsLock.Lock()
	defer registry.sessionsLock.Unlock()

	result := make([]string, 0, len(registry.sessions))

	for sessionID := range registry.sessions {
		result = append(result, sessionID)
	}

	sort.Strings(result)

	return result
}

// Close disconnects every member and terminates every shell. No new members
// can be registered afterwards.
func (registry *Registry) Close() error {
	registry.sessionsLock.Lock()

	registry.closed = true

	var members []*member.Member
	shells := make(map[string]Shell)

	for sessionID, sess := range registry.sessions {
		members = append(members, sess.members...)
		sess.members = nil
		sess.gone = true

		if sess.shell != nil {
			shells[sessionID] = sess.shell
			sess.shell = nil
		}

		delete(registry.sessions, sessionID)

		registry.notify(sessionID, false)
	}

	registry.sessionsLock.Unlock()

	for _, existing := range members {
		_ = existing.Close()
	}

	for sessionID, oldShell := range shells {
		registry.closeShell(sessionID, oldShell)
	}

	return nil
}
