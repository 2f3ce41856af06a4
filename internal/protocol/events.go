package protocol

// Member is how a session member is presented to clients.
type Member struct {
	Username      string `json:"username"`
	HasPermission bool   `json:"has_permission"`
	IsHost        bool   `json:"is_host"`
}

type Welcome struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewWelcome(message string) Welcome {
	return Welcome{Type: TypeWelcome, Message: message}
}

type MemberUpdate struct {
	Type    string   `json:"type"`
	Members []Member `json:"members"`
	Message string   `json:"message,omitempty"`
}

func NewMemberUpdate(members []Member, message string) MemberUpdate {
	// Always serialize as a list, even for a session that has just emptied
	if members == nil {
		members = []Member{}
	}

	return MemberUpdate{Type: TypeMemberUpdate, Members: members, Message: message}
}

type TerminalOutput struct {
	Type     string `json:"type"`
	Command  string `json:"command"`
	Output   string `json:"output"`
	Username string `json:"username"`
}

func NewTerminalOutput(command, output, username string) TerminalOutput {
	return TerminalOutput{Type: TypeTerminalOutput, Command: command, Output: output, Username: username}
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}
