package shell

import (
	"go.uber.org/zap"
	"time"
)

type Option func(*ShellPTY)

func WithLogger(logger *zap.Logger) Option {
	return func(sp *ShellPTY) {
		sp.logger = logger
	}
}

// WithCommand overrides the shell argv; by default bash is used if found in PATH, /bin/sh otherwise.
func WithCommand(argv []string) Option {
	return func(sp *ShellPTY) {
		sp.argv = argv
	}
}

// WithEnv replaces the inherited environment of the shell process.
func WithEnv(env []string) Option {
	return func(sp *ShellPTY) {
		sp.env = env
	}
}

func WithDrainWindow(window time.Duration) Option {
	return func(sp *ShellPTY) {
		sp.drainWindow = window
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(sp *ShellPTY) {
		sp.pollInterval = interval
	}
}
