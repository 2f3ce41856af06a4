package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/cirruslabs/termdesk/internal/protocol"
	"github.com/cirruslabs/termdesk/internal/server"
	"github.com/cirruslabs/termdesk/internal/server/registry"
	"github.com/cirruslabs/termdesk/pkg/shell"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"testing"
	"time"
)

const readTimeout = 10 * time.Second

type event struct {
	Type     string            `json:"type"`
	Message  string            `json:"message"`
	Members  []protocol.Member `json:"members"`
	Command  string            `json:"command"`
	Output   string            `json:"output"`
	Username string            `json:"username"`
}

// echoShell only understands "echo", which is enough to make the outputs predictable
type echoShell struct{}

func (echoShell) Execute(command string) shell.Result {
	if rest, ok := strings.CutPrefix(command, "echo "); ok {
		return shell.Result{Output: rest + "\n"}
	}

	return shell.Result{Output: "sh: " + command + ": not found\n"}
}

func (echoShell) Exited() bool {
	return false
}

func (echoShell) Close() error {
	return nil
}

// Handlers may still log while the server is shutting down, so don't tie the logger to the test
func testLogger(t *testing.T) *zap.Logger {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	return logger
}

func startServer(t *testing.T, opts ...server.Option) (*server.TermdeskServer, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	opts = append([]server.Option{
		server.WithLogger(testLogger(t)),
		server.WithServerAddress("127.0.0.1:0"),
		server.WithShellOpener(func() (registry.Shell, error) {
			return echoShell{}, nil
		}),
	}, opts...)

	termdeskServer, err := server.New(opts...)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- termdeskServer.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})

	return termdeskServer, cancel
}

func join(t *testing.T, address string, sessionID string, username string, isHost bool) *websocket.Conn {
	t.Helper()

	conn, _, err := dialSession(address, sessionID, username, isHost, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}

func dialSession(
	address string,
	sessionID string,
	username string,
	isHost bool,
	header http.Header,
) (*websocket.Conn, *http.Response, error) {
	query := url.Values{}
	query.Set("username", username)
	if isHost {
		query.Set("is_host", "true")
	}

	target := url.URL{
		Scheme:   "ws",
		Host:     address,
		Path:     "/ws/" + sessionID,
		RawQuery: query.Encode(),
	}

	return websocket.DefaultDialer.Dial(target.String(), header)
}

func readEvent(t *testing.T, conn *websocket.Conn) event {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))

	var result event
	require.NoError(t, conn.ReadJSON(&result))

	return result
}

func send(t *testing.T, conn *websocket.Conn, message interface{}) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(message))
}

func TestCollaborativeSession(t *testing.T) {
	termdeskServer, _ := startServer(t)
	address := termdeskServer.ServerAddress()

	// The host joins and is the only member
	alice := join(t, address, "abc123", "alice", true)

	update := readEvent(t, alice)
	require.Equal(t, protocol.TypeMemberUpdate, update.Type)
	require.Equal(t, []protocol.Member{{Username: "alice", HasPermission: true, IsHost: true}}, update.Members)

	welcome := readEvent(t, alice)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	require.Equal(t, "Welcome to session abc123, alice!", welcome.Message)

	// A viewer joins, everyone learns about it
	bob := join(t, address, "abc123", "bob", false)

	expectedMembers := []protocol.Member{
		{Username: "alice", HasPermission: true, IsHost: true},
		{Username: "bob", HasPermission: false, IsHost: false},
	}

	for _, conn := range []*websocket.Conn{alice, bob} {
		update := readEvent(t, conn)
		require.Equal(t, protocol.TypeMemberUpdate, update.Type)
		require.Equal(t, expectedMembers, update.Members)
	}
	require.Equal(t, protocol.TypeWelcome, readEvent(t, bob).Type)

	// The viewer can't run commands yet, and only the viewer is told about it
	send(t, bob, map[string]string{"type": "execute_command", "command": "echo hi", "username": "bob"})

	refusal := readEvent(t, bob)
	require.Equal(t, protocol.TypeError, refusal.Type)
	require.Equal(t, "You don't have permission to execute commands", refusal.Message)

	// Claiming to be the host doesn't help either
	send(t, bob, map[string]string{"type": "execute_command", "command": "echo hi", "username": "alice"})
	require.Equal(t, protocol.TypeError, readEvent(t, bob).Type)

	// Only the host can grant permissions
	send(t, bob, map[string]string{"type": "grant_permission", "username": "bob"})
	send(t, alice, map[string]string{"type": "grant_permission", "username": "bob"})

	expectedMembers[1].HasPermission = true

	for _, conn := range []*websocket.Conn{alice, bob} {
		update := readEvent(t, conn)
		require.Equal(t, protocol.TypeMemberUpdate, update.Type, "no terminal_output was expected before")
		require.Equal(t, expectedMembers, update.Members)
	}

	// Now the output is broadcast to everyone
	send(t, bob, map[string]string{"type": "execute_command", "command": "echo hi", "username": "bob"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		output := readEvent(t, conn)
		require.Equal(t, event{
			Type:     protocol.TypeTerminalOutput,
			Command:  "echo hi",
			Output:   "hi\n",
			Username: "bob",
		}, output)
	}

	// Revoking works the same way
	send(t, alice, map[string]string{"type": "revoke_permission", "username": "bob"})

	expectedMembers[1].HasPermission = false

	for _, conn := range []*websocket.Conn{alice, bob} {
		require.Equal(t, expectedMembers, readEvent(t, conn).Members)
	}

	// The viewer leaves
	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	farewell := readEvent(t, alice)
	require.Equal(t, protocol.TypeMemberUpdate, farewell.Type)
	require.Equal(t, "bob left the session", farewell.Message)
	require.Equal(t, expectedMembers[:1], farewell.Members)
}

func TestUsernameDefaultsToAnonymous(t *testing.T) {
	termdeskServer, _ := startServer(t)

	conn := join(t, termdeskServer.ServerAddress(), "abc123", "", false)

	update := readEvent(t, conn)
	require.Equal(t, []protocol.Member{{Username: "Anonymous"}}, update.Members)
	require.Equal(t, "Welcome to session abc123, Anonymous!", readEvent(t, conn).Message)
}

func TestDuplicateUsernameIsRejected(t *testing.T) {
	termdeskServer, _ := startServer(t)
	address := termdeskServer.ServerAddress()

	alice := join(t, address, "abc123", "alice", true)
	readEvent(t, alice)
	readEvent(t, alice)

	impostor := join(t, address, "abc123", "alice", false)

	require.NoError(t, impostor.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := impostor.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected a close error, got %v", err)
	assert.Equal(t, int(server.StatusUsernameTaken), closeErr.Code)

	// The first alice is unaffected
	assert.Len(t, termdeskServer.Registry().Members("abc123"), 1)
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	termdeskServer, _ := startServer(t, server.WithAllowedOrigins([]string{"https://termdesk.example"}))

	_, resp, err := dialSession(termdeskServer.ServerAddress(), "abc123", "mallory", false,
		http.Header{"Origin": []string{"https://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dialSession(termdeskServer.ServerAddress(), "abc123", "alice", true,
		http.Header{"Origin": []string{"https://termdesk.example"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestMalformedMessagesKeepConnectionOpen(t *testing.T) {
	termdeskServer, _ := startServer(t)

	alice := join(t, termdeskServer.ServerAddress(), "abc123", "alice", true)
	readEvent(t, alice)
	readEvent(t, alice)

	for _, payload := range []string{
		`not json at all`,
		`{"command":"echo hi"}`,
		`{"type":"execute_command","username":"alice"}`,
		`{"type":"resize_terminal"}`,
	} {
		require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(payload)))

		reply := readEvent(t, alice)
		require.Equal(t, protocol.TypeError, reply.Type, payload)
		require.Contains(t, reply.Message, "malformed message")
	}

	send(t, alice, map[string]string{"type": "execute_command", "command": "echo still here", "username": "alice"})
	require.Equal(t, "still here\n", readEvent(t, alice).Output)
}

func TestMessagesAreRateLimited(t *testing.T) {
	termdeskServer, _ := startServer(t, server.WithMessageRate(0.001, 1))

	bob := join(t, termdeskServer.ServerAddress(), "abc123", "bob", false)
	readEvent(t, bob)
	readEvent(t, bob)

	// The first message uses up the burst and is silently ignored, since bob is not a host
	send(t, bob, map[string]string{"type": "grant_permission", "username": "bob"})
	send(t, bob, map[string]string{"type": "grant_permission", "username": "bob"})

	reply := readEvent(t, bob)
	require.Equal(t, protocol.TypeError, reply.Type)
	require.Equal(t, "Too many messages, slow down", reply.Message)
}

func TestSessionsAreIsolated(t *testing.T) {
	termdeskServer, _ := startServer(t)
	address := termdeskServer.ServerAddress()

	alice := join(t, address, "first", "alice", true)
	readEvent(t, alice)
	readEvent(t, alice)

	carol := join(t, address, "second", "carol", true)
	readEvent(t, carol)
	readEvent(t, carol)

	send(t, carol, map[string]string{"type": "execute_command", "command": "echo second", "username": "carol"})
	require.Equal(t, "second\n", readEvent(t, carol).Output)

	send(t, alice, map[string]string{"type": "execute_command", "command": "echo first", "username": "alice"})

	// Alice never sees the output from the other session
	require.Equal(t, "first\n", readEvent(t, alice).Output)
}

func TestShutdownDisconnectsMembers(t *testing.T) {
	termdeskServer, cancel := startServer(t)

	alice := join(t, termdeskServer.ServerAddress(), "abc123", "alice", true)
	readEvent(t, alice)
	readEvent(t, alice)

	cancel()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "the server should've disconnected us")
	}
}

func TestRealShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PTYs are not supported on Windows")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	termdeskServer, err := server.New(
		server.WithLogger(testLogger(t)),
		server.WithServerAddress("127.0.0.1:0"),
		server.WithShellOptions(
			shell.WithCommand([]string{"/bin/sh"}),
			shell.WithPollInterval(time.Second),
			shell.WithDrainWindow(5*time.Second),
		),
	)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- termdeskServer.Run(ctx)
	}()

	alice := join(t, termdeskServer.ServerAddress(), "abc123", "alice", true)
	readEvent(t, alice)
	readEvent(t, alice)

	require.True(t, termdeskServer.Registry().HasShell("abc123"), "host should have started the shell")

	send(t, alice, map[string]string{"type": "execute_command", "command": "echo termdesk-canary",
		"username": "alice"})

	output := readEvent(t, alice)
	require.Equal(t, protocol.TypeTerminalOutput, output.Type)
	require.Contains(t, output.Output, "termdesk-canary")

	cancel()
	require.NoError(t, <-errCh)

	require.Equal(t, 0, termdeskServer.Registry().NumSessions())
}

func TestRESTAPI(t *testing.T) {
	termdeskServer, _ := startServer(t, server.WithSessionIDGenerator(func() string {
		return "abc123"
	}))
	baseURL := "http://" + termdeskServer.ServerAddress()

	getJSON := func(path string, target interface{}) int {
		resp, err := http.Get(baseURL + path)
		require.NoError(t, err)
		defer resp.Body.Close()

		if target != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
		}

		return resp.StatusCode
	}

	resp, err := http.Get(baseURL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var root map[string]string
	require.Equal(t, http.StatusOK, getJSON("/api/", &root))
	require.Equal(t, "termdesk API", root["message"])

	// Creation requires a host
	resp, err = http.Post(baseURL+"/api/sessions", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(baseURL+"/api/sessions", "application/json",
		bytes.NewBufferString(`{"host_username":"alice"}`))
	require.NoError(t, err)

	var created map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "abc123", created["session_id"])
	require.Equal(t, "alice", created["host_username"])
	require.Equal(t, true, created["active"])
	require.NotEmpty(t, created["created_at"])

	var fetched map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON("/api/sessions/abc123", &fetched))
	require.Equal(t, created, fetched)

	var notFound map[string]string
	require.Equal(t, http.StatusNotFound, getJSON("/api/sessions/doesnt-exist", &notFound))
	require.Equal(t, "Session not found", notFound["detail"])

	// Members are the live ones
	alice := join(t, termdeskServer.ServerAddress(), "abc123", "alice", true)
	readEvent(t, alice)

	var members struct {
		SessionID string            `json:"session_id"`
		Members   []protocol.Member `json:"members"`
	}
	require.Equal(t, http.StatusOK, getJSON("/api/sessions/abc123/members", &members))
	require.Equal(t, "abc123", members.SessionID)
	require.Equal(t, []protocol.Member{{Username: "alice", HasPermission: true, IsHost: true}}, members.Members)
}

func TestCORS(t *testing.T) {
	termdeskServer, _ := startServer(t, server.WithAllowedOrigins([]string{"https://termdesk.example"}))

	request, err := http.NewRequest(http.MethodOptions,
		fmt.Sprintf("http://%s/api/sessions", termdeskServer.ServerAddress()), nil)
	require.NoError(t, err)
	request.Header.Set("Origin", "https://termdesk.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Equal(t, "https://termdesk.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSessionServiceOverGRPC(t *testing.T) {
	termdeskServer, _ := startServer(t)

	clientConn, err := grpc.Dial(termdeskServer.ServerAddress(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer clientConn.Close()

	client := server.NewSessionServiceClient(clientConn)
	ctx := context.Background()

	created, err := client.CreateSession(ctx, "alice")
	require.NoError(t, err)

	sessionID := created.GetFields()["session_id"].GetStringValue()
	require.Len(t, sessionID, 8)
	require.Equal(t, "alice", created.GetFields()["host_username"].GetStringValue())
	require.True(t, created.GetFields()["active"].GetBoolValue())

	fetched, err := client.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, created.AsMap(), fetched.AsMap())

	_, err = client.GetSession(ctx, "doesn't exist")
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.CreateSession(ctx, "")
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
