package ruleswatcher

import (
	"context"
)

type RulesWatcher interface {
	InitialSync(ctx context.Context) error
	Start(ctx context.Context) error
	Stop()
}

// Reloader publishes the rules found under paths.
type Reloader interface {
	ReloadPaths(paths []string) error
}

type RulesWatcherCallback = func()
