package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/cirruslabs/termdesk/internal/protocol"
	"github.com/cirruslabs/termdesk/internal/server/member"
	"github.com/cirruslabs/termdesk/internal/server/registry"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"net/http"
	"time"
)

const (
	defaultUsername = "Anonymous"

	maxMessageSize = 64 * 1024
	writeTimeout   = 10 * time.Second

	// Private close code telling the client to pick another username
	StatusUsernameTaken websocket.StatusCode = 4009

	noPermissionMessage = "You don't have permission to execute commands"
	rateLimitedMessage  = "Too many messages, slow down"
)

func (ts *TermdeskServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	username := r.URL.Query().Get("username")
	if username == "" {
		username = defaultUsername
	}
	isHost := r.URL.Query().Get("is_host") == "true"

	logger := ts.logger.With(SessionIDField(sessionID), UsernameField(username), zap.Bool("is-host", isHost)).
		With(ts.RequestTraceContext(r)...)

	if !ts.originAllowed(r) {
		logger.Warn("refusing WebSocket connection from a disallowed origin",
			zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, "origin not allowed", http.StatusForbidden)

		return
	}

	// The origin was checked above using our own policy
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("failed to accept WebSocket connection", zap.Error(err))

		return
	}
	conn.SetReadLimit(maxMessageSize)

	newMember := member.New(r.Context(), username, isHost)
	logger = logger.With(HashedTokenField(newMember.Token()))

	if err := ts.registry.Register(sessionID, newMember); err != nil {
		switch {
		case errors.Is(err, registry.ErrUsernameTaken):
			logger.Info("refusing member with a duplicate username")
			_ = conn.Close(StatusUsernameTaken, "username is already taken")
		case errors.Is(err, registry.ErrRegistryClosed):
			_ = conn.Close(websocket.StatusGoingAway, "server is shutting down")
		default:
			logger.Warn("failed to register member", zap.Error(err))
			_ = conn.Close(websocket.StatusInternalError, "failed to join the session")
		}

		return
	}

	logger.Info("member joined")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		ts.writePump(conn, newMember, logger)
	}()

	defer func() {
		ts.registry.Unregister(newMember, sessionID)
		ts.registry.BroadcastMemberUpdate(sessionID, fmt.Sprintf("%s left the session", username))

		logger.Info("member left")

		<-writerDone
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	if isHost {
		if err := ts.registry.EnsureShell(sessionID); err != nil {
			// Not fatal, the shell will be started on the first command
			logger.Warn("failed to start shell", zap.Error(err))
		}
	}

	ts.registry.BroadcastMemberUpdate(sessionID, "")
	ts.sendPrivate(newMember, protocol.NewWelcome(fmt.Sprintf("Welcome to session %s, %s!", sessionID, username)),
		logger)

	limiter := rate.NewLimiter(ts.messageRate, ts.messageBurst)

	for {
		_, payload, err := conn.Read(newMember.Context())
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure ||
				status == websocket.StatusGoingAway {
				logger.Debug("connection closed by the client")
			} else {
				logger.Debug("failed to read from the connection", zap.Error(err))
			}

			return
		}

		if !limiter.Allow() {
			logger.Debug("rate limiting member")
			ts.sendPrivate(newMember, protocol.NewError(rateLimitedMessage), logger)

			continue
		}

		request, err := protocol.Decode(payload)
		if err != nil {
			logger.Warn("received malformed message", zap.Error(err))
			ts.sendPrivate(newMember, protocol.NewError(err.Error()), logger)

			continue
		}

		ts.dispatch(sessionID, newMember, request, logger)
	}
}

func (ts *TermdeskServer) dispatch(
	sessionID string,
	requester *member.Member,
	request protocol.Request,
	logger *zap.Logger,
) {
	switch typedRequest := request.(type) {
	case protocol.ExecuteCommand:
		// The connection's own username is authoritative, whatever the message claims
		if !ts.registry.Permitted(sessionID, requester.Username()) {
			logger.Debug("refusing to execute a command without permission")
			ts.sendPrivate(requester, protocol.NewError(noPermissionMessage), logger)

			return
		}

		result := ts.registry.Execute(sessionID, typedRequest.Command)
		if result.Fault != nil {
			logger.Warn("command execution faulted", zap.Error(result.Fault))
		}

		ts.registry.Broadcast(sessionID, protocol.NewTerminalOutput(typedRequest.Command, result.Text(),
			requester.Username()))
	case protocol.GrantPermission:
		ts.setPermission(sessionID, requester, typedRequest.Username, true, logger)
	case protocol.RevokePermission:
		ts.setPermission(sessionID, requester, typedRequest.Username, false, logger)
	}
}

func (ts *TermdeskServer) setPermission(
	sessionID string,
	requester *member.Member,
	username string,
	value bool,
	logger *zap.Logger,
) {
	if !requester.IsHost() {
		logger.Debug("ignoring permission change from a non-host member", zap.String("target", username))

		return
	}

	ts.registry.SetPermission(sessionID, username, value)
	ts.registry.BroadcastMemberUpdate(sessionID, "")

	logger.Info("changed permission", zap.String("target", username), zap.Bool("has-permission", value))
}

// sendPrivate queues the event for a single member, a member that can't accept it is disconnected.
func (ts *TermdeskServer) sendPrivate(target *member.Member, event interface{}, logger *zap.Logger) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal event", zap.Error(err))

		return
	}

	if err := target.Enqueue(payload); err != nil {
		logger.Debug("failed to queue a private event, disconnecting", zap.Error(err))
		_ = target.Close()
	}
}

// writePump is the only writer of the connection.
func (ts *TermdeskServer) writePump(conn *websocket.Conn, target *member.Member, logger *zap.Logger) {
	pingTicker := time.NewTicker(ts.pingInterval)
	defer pingTicker.Stop()

	write := func(operation func(ctx context.Context) error) bool {
		ctx, cancel := context.WithTimeout(target.Context(), writeTimeout)
		defer cancel()

		if err := operation(ctx); err != nil {
			if target.Context().Err() == nil {
				logger.Debug("failed to write to the connection, disconnecting", zap.Error(err))
			}

			// Cancels the reader as well
			_ = target.Close()

			return false
		}

		return true
	}

	for {
		select {
		case <-target.Context().Done():
			return
		case payload := <-target.Outbox():
			if !write(func(ctx context.Context) error {
				return conn.Write(ctx, websocket.MessageText, payload)
			}) {
				return
			}
		case <-pingTicker.C:
			if !write(conn.Ping) {
				return
			}
		}
	}
}
