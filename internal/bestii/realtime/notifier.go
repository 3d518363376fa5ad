// Package realtime fans out "scope changed" notifications to live
// subscriptions. Stores publish after every committed write; subscribers
// re-read their window when notified.
//
// Notifications carry no data. Watch callbacks run on the publisher's
// goroutine and must not block.
package realtime

import (
	"context"
	"sync"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

// Notifier publishes and delivers scope change notifications.
type Notifier interface {
	// Publish announces that scope has changed.
	Publish(ctx context.Context, scope chat.Scope) error
	// Watch registers fn for changes to scope and returns a function that
	// removes it. The returned function is safe to call more than once.
	Watch(scope chat.Scope, fn func()) (cancel func())
	Close() error
}

// Local delivers notifications within one process.
type Local struct {
	mu       sync.RWMutex
	next     uint64
	watchers map[string]map[uint64]func()
}

// NewLocal returns an in-process Notifier.
func NewLocal() *Local {
	return &Local{watchers: make(map[string]map[uint64]func())}
}

// Publish calls every watcher of scope.
func (l *Local) Publish(_ context.Context, scope chat.Scope) error {
	l.dispatch(scope.Key())
	return nil
}

// Watch implements Notifier.
func (l *Local) Watch(scope chat.Scope, fn func()) func() {
	key := scope.Key()

	l.mu.Lock()
	l.next++
	id := l.next
	if l.watchers[key] == nil {
		l.watchers[key] = make(map[uint64]func())
	}
	l.watchers[key][id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.watchers[key], id)
			if len(l.watchers[key]) == 0 {
				delete(l.watchers, key)
			}
		})
	}
}

// Watchers returns the number of active watchers for scope.
func (l *Local) Watchers(scope chat.Scope) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.watchers[scope.Key()])
}

// Close drops every watcher.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = make(map[string]map[uint64]func())
	return nil
}

func (l *Local) dispatch(key string) {
	l.mu.RLock()
	fns := make([]func(), 0, len(l.watchers[key]))
	for _, fn := range l.watchers[key] {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

var _ Notifier = (*Local)(nil)
