package server

import (
	"github.com/cirruslabs/termdesk/internal/server/registry"
	"github.com/cirruslabs/termdesk/internal/store"
	"github.com/cirruslabs/termdesk/pkg/shell"
	"go.uber.org/zap"
	"net/http"
	"time"
)

type Option func(*TermdeskServer)

type WebsocketOriginFunc func(*http.Request) bool
type SessionIDGenerator func() string

func WithLogger(logger *zap.Logger) Option {
	return func(ts *TermdeskServer) {
		ts.logger = logger
	}
}

func WithServerAddress(address string) Option {
	return func(ts *TermdeskServer) {
		ts.address = address
	}
}

// WithWebsocketOriginFunc overrides the origin check for the WebSocket endpoints,
// taking precedence over WithAllowedOrigins.
func WithWebsocketOriginFunc(websocketOriginFunc WebsocketOriginFunc) Option {
	return func(ts *TermdeskServer) {
		ts.websocketOriginFunc = websocketOriginFunc
	}
}

// WithAllowedOrigins restricts both the CORS policy of the REST API and the origins
// the WebSocket endpoints accept connections from. No origins means any origin.
func WithAllowedOrigins(allowedOrigins []string) Option {
	return func(ts *TermdeskServer) {
		ts.allowedOrigins = allowedOrigins
	}
}

func WithSessionIDGenerator(sessionIDGenerator SessionIDGenerator) Option {
	return func(ts *TermdeskServer) {
		ts.generateSessionID = sessionIDGenerator
	}
}

func WithStore(sessionStore store.Store) Option {
	return func(ts *TermdeskServer) {
		ts.store = sessionStore
	}
}

// WithShellOptions configures the shells spawned for the sessions.
func WithShellOptions(shellOpts ...shell.Option) Option {
	return func(ts *TermdeskServer) {
		ts.shellOpts = append(ts.shellOpts, shellOpts...)
	}
}

// WithShellOpener replaces the PTY-backed shells altogether, mostly useful in tests.
func WithShellOpener(shellOpener registry.ShellOpener) Option {
	return func(ts *TermdeskServer) {
		ts.shellOpener = shellOpener
	}
}

// WithMessageRate limits how many messages per second a single connection may send,
// a zero messagesPerSecond disables the limit.
func WithMessageRate(messagesPerSecond float64, burst int) Option {
	return func(ts *TermdeskServer) {
		ts.messagesPerSecond = messagesPerSecond
		ts.messageBurst = burst
	}
}

// WithRecordRetention enables periodic removal of inactive session records that
// were created more than retention ago, schedule uses the standard cron syntax.
// A zero retention disables the removal.
func WithRecordRetention(retention time.Duration, schedule string) Option {
	return func(ts *TermdeskServer) {
		ts.recordRetention = retention
		ts.janitorSchedule = schedule
	}
}

func WithGCPProjectID(gcpProjectID string) Option {
	return func(ts *TermdeskServer) {
		ts.gcpProjectID = gcpProjectID
	}
}

func WithPingInterval(pingInterval time.Duration) Option {
	return func(ts *TermdeskServer) {
		ts.pingInterval = pingInterval
	}
}
