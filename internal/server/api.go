package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/cirruslabs/termdesk/internal/protocol"
	"github.com/cirruslabs/termdesk/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"net/http"
	"strings"
	"time"
)

const maxSessionIDAttempts = 5

var (
	ErrHostUsernameRequired = errors.New("host_username is required")
	ErrSessionIDExhausted   = errors.New("failed to generate a unique session ID")
)

type createSessionRequest struct {
	HostUsername string `json:"host_username"`
}

type membersResponse struct {
	SessionID string            `json:"session_id"`
	Members   []protocol.Member `json:"members"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (ts *TermdeskServer) router() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.Get("/ws/{sessionID}", ts.handleWebsocket)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   ts.allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	router.Route("/api", func(api chi.Router) {
		api.Use(ts.requestLogger)
		api.Use(corsHandler.Handler)

		api.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"message": "termdesk API"})
		})
		api.Post("/sessions", ts.handleCreateSession)
		api.Get("/sessions/{sessionID}", ts.handleGetSession)
		api.Get("/sessions/{sessionID}/members", ts.handleGetMembers)
	})

	return router
}

func (ts *TermdeskServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		ts.logger.Debug("handled request",
			append(ts.RequestTraceContext(r),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.Status()),
				zap.Duration("duration", time.Since(start)),
			)...)
	})
}

func (ts *TermdeskServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var request createSessionRequest

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: fmt.Sprintf("invalid request body: %v", err)})

		return
	}

	record, err := ts.createSession(r.Context(), request.HostUsername)
	if err != nil {
		if errors.Is(err, ErrHostUsernameRequired) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})

			return
		}

		ts.logger.Error("failed to create session", append(ts.RequestTraceContext(r), zap.Error(err))...)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Failed to create session"})

		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (ts *TermdeskServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	record, err := ts.store.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Session not found"})

			return
		}

		ts.logger.Error("failed to get session", append(ts.RequestTraceContext(r), zap.Error(err))...)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Failed to get session"})

		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (ts *TermdeskServer) handleGetMembers(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	writeJSON(w, http.StatusOK, membersResponse{
		SessionID: sessionID,
		Members:   ts.registry.Members(sessionID),
	})
}

// createSession persists a new session record with a fresh ID,
// used by both the REST and the gRPC APIs.
func (ts *TermdeskServer) createSession(ctx context.Context, hostUsername string) (*store.Record, error) {
	if strings.TrimSpace(hostUsername) == "" {
		return nil, ErrHostUsernameRequired
	}

	for attempt := 0; attempt < maxSessionIDAttempts; attempt++ {
		sessionID := ts.generateSessionID()

		_, err := ts.store.Get(ctx, sessionID)
		if err == nil {
			ts.logger.Debug("session ID collision, retrying", SessionIDField(sessionID))

			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		record := store.Record{
			SessionID:    sessionID,
			HostUsername: hostUsername,
			CreatedAt:    time.Now().UTC(),
			Active:       true,
		}

		if err := ts.store.Put(ctx, record); err != nil {
			return nil, err
		}

		ts.logger.Info("created session", SessionIDField(sessionID), UsernameField(hostUsername))

		return &record, nil
	}

	return nil, ErrSessionIDExhausted
}

func writeJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(value)
}
