// Package protocol describes the JSON messages exchanged over a session's WebSocket.
//
// Every message is an object with a "type" discriminator. Clients send execute_command,
// grant_permission and revoke_permission; the server sends welcome, member_update,
// terminal_output and error.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed message")

const (
	TypeExecuteCommand   = "execute_command"
	TypeGrantPermission  = "grant_permission"
	TypeRevokePermission = "revoke_permission"

	TypeWelcome        = "welcome"
	TypeMemberUpdate   = "member_update"
	TypeTerminalOutput = "terminal_output"
	TypeError          = "error"
)

// Request is one decoded inbound message: ExecuteCommand, GrantPermission or RevokePermission.
type Request interface {
	Type() string
}

type ExecuteCommand struct {
	Command  string
	Username string
}

func (ExecuteCommand) Type() string { return TypeExecuteCommand }

type GrantPermission struct {
	Username string
}

func (GrantPermission) Type() string { return TypeGrantPermission }

type RevokePermission struct {
	Username string
}

func (RevokePermission) Type() string { return TypeRevokePermission }

type inbound struct {
	Type     string  `json:"type"`
	Command  *string `json:"command"`
	Username *string `json:"username"`
}

func Decode(data []byte) (Request, error) {
	var msg inbound

	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case TypeExecuteCommand:
		if msg.Command == nil {
			return nil, missingField(msg.Type, "command")
		}
		if msg.Username == nil {
			return nil, missingField(msg.Type, "username")
		}

		return ExecuteCommand{Command: *msg.Command, Username: *msg.Username}, nil
	case TypeGrantPermission:
		if msg.Username == nil {
			return nil, missingField(msg.Type, "username")
		}

		return GrantPermission{Username: *msg.Username}, nil
	case TypeRevokePermission:
		if msg.Username == nil {
			return nil, missingField(msg.Type, "username")
		}

		return RevokePermission{Username: *msg.Username}, nil
	case "":
		return nil, fmt.Errorf("%w: missing message type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, msg.Type)
	}
}

func missingField(messageType string, field string) error {
	return fmt.Errorf("%w: %s requires a %q field", ErrMalformed, messageType, field)
}
