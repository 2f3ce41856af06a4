package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/cirruslabs/termdesk/internal/server/registry"
	"github.com/cirruslabs/termdesk/internal/store"
	"github.com/cirruslabs/termdesk/pkg/shell"
	"github.com/google/uuid"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	keepaliveInterval = 1 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

type TermdeskServer struct {
	logger *zap.Logger

	registry  *registry.Registry
	store     store.Store
	lifecycle *lifecycleQueue

	address  string
	listener net.Listener

	websocketOriginFunc WebsocketOriginFunc
	allowedOrigins      []string
	pingInterval        time.Duration

	messagesPerSecond float64
	messageRate       rate.Limit
	messageBurst      int

	shellOpts   []shell.Option
	shellOpener registry.ShellOpener

	generateSessionID SessionIDGenerator

	recordRetention time.Duration
	janitorSchedule string

	gcpProjectID string
}

func New(opts ...Option) (*TermdeskServer, error) {
	ts := &TermdeskServer{
		lifecycle: newLifecycleQueue(),
	}

	// Apply options
	for _, opt := range opts {
		opt(ts)
	}

	// Apply defaults
	if ts.logger == nil {
		ts.logger = zap.NewNop()
	}
	if ts.store == nil {
		ts.store = store.NewMemory()
	}
	if ts.generateSessionID == nil {
		ts.generateSessionID = func() string {
			return uuid.New().String()[:8]
		}
	}
	if ts.address == "" {
		ts.address = "0.0.0.0:0"
	}
	if ts.pingInterval == 0 {
		ts.pingInterval = keepaliveInterval
	}
	if ts.shellOpener == nil {
		shellOpts := append([]shell.Option{shell.WithLogger(ts.logger)}, ts.shellOpts...)

		ts.shellOpener = func() (registry.Shell, error) {
			shellPty, err := shell.New(shellOpts...)
			if err != nil {
				return nil, err
			}

			ts.logger.Debug("spawned shell", zap.Int("pid", shellPty.Pid()))

			return shellPty, nil
		}
	}

	// Validate
	if ts.messagesPerSecond < 0 || ts.messageBurst < 0 {
		return nil, fmt.Errorf("message rate and burst should not be negative")
	}
	if ts.messagesPerSecond == 0 {
		ts.messageRate = rate.Inf
	} else {
		ts.messageRate = rate.Limit(ts.messagesPerSecond)
	}
	if ts.recordRetention > 0 {
		if _, err := cron.ParseStandard(ts.janitorSchedule); err != nil {
			return nil, fmt.Errorf("invalid janitor schedule %q: %w", ts.janitorSchedule, err)
		}
	}

	ts.registry = registry.New(
		registry.WithLogger(ts.logger),
		registry.WithShellOpener(ts.shellOpener),
		registry.WithLifecycleHook(ts.lifecycle.Push),
	)

	// Listen
	listener, err := net.Listen("tcp", ts.address)
	if err != nil {
		return nil, err
	}
	ts.listener = listener

	return ts, nil
}

func (ts *TermdeskServer) Run(ctx context.Context) (err error) {
	// Create a sub-context to let the first failing Goroutine to start the cancellation process
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keepaliveOption := grpc.KeepaliveParams(keepalive.ServerParameters{
		Time: keepaliveInterval,
	})
	grpcServer := grpc.NewServer(keepaliveOption)
	defer grpcServer.Stop()
	RegisterSessionServiceServer(grpcServer, ts)

	grpcWebServer := grpcweb.WrapServer(
		grpcServer,
		grpcweb.WithWebsockets(true),
		grpcweb.WithWebsocketOriginFunc(ts.originAllowed),
		grpcweb.WithOriginFunc(func(origin string) bool {
			return ts.originListed(origin)
		}),
		grpcweb.WithWebsocketPingInterval(keepaliveInterval),
	)

	router := ts.router()

	handler := func(w http.ResponseWriter, r *http.Request) {
		contentType := r.Header.Get("content-type")
		switch {
		case strings.ToLower(r.Header.Get("Sec-Websocket-Protocol")) == "grpc-websockets":
			grpcWebServer.ServeHTTP(w, r)
		case strings.HasPrefix(contentType, "application/grpc-web"):
			grpcWebServer.ServeHTTP(w, r)
		case strings.HasPrefix(contentType, "application/grpc"):
			grpcServer.ServeHTTP(w, r)
		default:
			router.ServeHTTP(w, r)
		}
	}

	// Enable HTTP/2 without TLS aka h2c, WebSocket upgrades still work over HTTP/1.1
	server := &http.Server{
		Handler:           h2c.NewHandler(http.HandlerFunc(handler), &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go ts.consumeLifecycleEvents(subCtx)

	if ts.recordRetention > 0 {
		janitor := cron.New()
		if _, err := janitor.AddFunc(ts.janitorSchedule, func() {
			ts.sweepRecords(subCtx)
		}); err != nil {
			return err
		}
		janitor.Start()
		defer func() {
			<-janitor.Stop().Done()
		}()
	}

	serverErrCh := make(chan error, 1)

	go func() {
		defer cancel()

		ts.logger.Sugar().Infof("starting server on %s...", ts.listener.Addr().String())

		if serverErr := server.Serve(ts.listener); serverErr != nil && !errors.Is(serverErr, http.ErrServerClosed) {
			ts.logger.Warn("server failed", zap.String("address", ts.listener.Addr().String()),
				zap.Error(serverErr))
			serverErrCh <- serverErr
		}
	}()

	<-subCtx.Done()

	ts.logger.Info("shutting down")

	// Disconnect the members first, hijacked WebSocket connections
	// are not tracked by the HTTP server
	_ = ts.registry.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		ts.logger.Warn("failed to gracefully shut down the server", zap.Error(err))
	}

	// Persist whatever lifecycle changes the shutdown has caused
	ts.applyLifecycleEvents(shutdownCtx)

	select {
	case serverErr := <-serverErrCh:
		return serverErr
	default:
		return nil
	}
}

func (ts *TermdeskServer) ServerAddress() string {
	return ts.listener.Addr().String()
}

// Registry exposes the live sessions, mostly for diagnostics and tests.
func (ts *TermdeskServer) Registry() *registry.Registry {
	return ts.registry
}

// originAllowed decides whether a browser from the request's origin may open a WebSocket.
func (ts *TermdeskServer) originAllowed(request *http.Request) bool {
	if ts.websocketOriginFunc != nil {
		return ts.websocketOriginFunc(request)
	}

	origin := request.Header.Get("Origin")

	// Non-browser clients don't send an Origin
	if origin == "" {
		return true
	}

	return ts.originListed(origin)
}

func (ts *TermdeskServer) originListed(origin string) bool {
	if len(ts.allowedOrigins) == 0 {
		return true
	}

	for _, allowedOrigin := range ts.allowedOrigins {
		if allowedOrigin == "*" || strings.EqualFold(allowedOrigin, origin) {
			return true
		}
	}

	return false
}
