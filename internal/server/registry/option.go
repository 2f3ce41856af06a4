package registry

import "go.uber.org/zap"

type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(registry *Registry) {
		registry.logger = logger
	}
}

func WithShellOpener(shellOpener ShellOpener) Option {
	return func(registry *Registry) {
		registry.openShell = shellOpener
	}
}

// WithLifecycleHook installs a function that's called whenever a session appears
// (live is true) or disappears (live is false). The hook is called with the registry
// lock held, so it must not block or call back into the registry.
func WithLifecycleHook(lifecycleHook LifecycleHook) Option {
	return func(registry *Registry) {
		registry.lifecycleHook = lifecycleHook
	}
}
