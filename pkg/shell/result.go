package shell

import (
	"errors"
	"fmt"
)

var (
	ErrShellExited = errors.New("shell has exited")
	ErrClosed      = errors.New("shell is closed")
)

// Result is the outcome of a single Execute call: either captured output or a fault
// that prevented talking to the shell.
type Result struct {
	Output string
	Fault  error
}

func Faulted(err error) Result {
	return Result{Fault: err}
}

// Text renders the result the way it's shown to terminal viewers.
func (result Result) Text() string {
	if result.Fault != nil {
		return fmt.Sprintf("Error: %v", result.Fault)
	}

	return result.Output
}
