package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DennisMainhardt/bestii-sub000/internal/bestii/chat"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("store: closed")

// subscription re-reads the scope's window whenever it is kicked. Kicks that
// arrive while a read is running collapse into one follow-up read.
type subscription struct {
	kick     chan struct{}
	done     chan struct{}
	unwatch  func()
	stopOnce sync.Once
}

func (sub *subscription) notify() {
	select {
	case sub.kick <- struct{}{}:
	default:
	}
}

func (sub *subscription) stop() {
	sub.stopOnce.Do(func() {
		sub.unwatch()
		close(sub.done)
	})
}

// Subscribe delivers the newest SubscriptionWindow messages of scope, in
// ascending order, once immediately and again after every change to the
// scope. Deliveries run on a goroutine owned by the subscription and never
// overlap. Read failures go to onError, which may be nil.
//
// The returned function releases the subscription. It is safe to call more
// than once, including from inside onUpdate. The subscription also ends when
// ctx is cancelled or the Store is closed.
func (s *Store) Subscribe(ctx context.Context, scope chat.Scope, onUpdate func([]chat.Message), onError func(error)) (func(), error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if onUpdate == nil {
		return nil, fmt.Errorf("store: subscribe: onUpdate is required")
	}

	sub := &subscription{
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	s.subsMu.Lock()
	if s.closed {
		s.subsMu.Unlock()
		return nil, ErrClosed
	}
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	sub.unwatch = s.notifier.Watch(scope, sub.notify)
	sub.notify()

	go s.runSubscription(ctx, scope, sub, onUpdate, onError)

	return sub.stop, nil
}

func (s *Store) runSubscription(ctx context.Context, scope chat.Scope, sub *subscription, onUpdate func([]chat.Message), onError func(error)) {
	defer func() {
		sub.stop()
		s.subsMu.Lock()
		delete(s.subs, sub)
		s.subsMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-sub.kick:
		}

		msgs, err := s.Recent(ctx, scope, SubscriptionWindow)

		select {
		case <-sub.done:
			return
		default:
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("store: subscription read failed", "scope", scope.Key(), "err", err)
			if onError != nil {
				onError(err)
			}
			continue
		}
		onUpdate(msgs)
	}
}
