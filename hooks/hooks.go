// Package hooks dispatches the lifecycle callbacks that gate and observe
// connections and documents.
//
// A Gate decides a transition: it returns an opaque context value to accept,
// or an error to reject. A Callback is the resolve/reject flavour of the same
// decision and is turned into a Gate with FromCallback. Listeners observe a
// transition without gating it.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrRejected = errors.New("rejected")

type (
	Gate[T any] func(ctx context.Context, data T) (any, error)

	Callback[T any] func(data T, resolve func(any), reject func(error))

	Listener[T any] func(ctx context.Context, data T) error
)

// RejectionError is returned by Dispatch for every refused gate, whether the
// hook returned an error, called reject, or panicked.
type RejectionError struct {
	Hook string
	Err  error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected: %v", e.Hook, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Allow accepts every request with a nil context value.
func Allow[T any](ctx context.Context, data T) (any, error) {
	return nil, nil
}

// Dispatch invokes gate exactly once and returns its context value. A nil
// gate accepts. Dispatch imposes no deadline of its own; a gate that never
// returns blocks until ctx is done, if the gate honours ctx.
func Dispatch[T any](ctx context.Context, name string, gate Gate[T], data T) (result any, err error) {
	if gate == nil {
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &RejectionError{Hook: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = gate(ctx, data)
	if err != nil {
		var rejection *RejectionError
		if !errors.As(err, &rejection) {
			err = &RejectionError{Hook: name, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// FromCallback adapts a resolve/reject callback to a Gate. The first of
// resolve or reject wins; later calls are ignored. Either may be called from
// another goroutine after the callback has returned.
func FromCallback[T any](cb Callback[T]) Gate[T] {
	return func(ctx context.Context, data T) (any, error) {
		type outcome struct {
			value any
			err   error
		}

		done := make(chan outcome, 1)
		var once sync.Once
		resolve := func(value any) {
			once.Do(func() { done <- outcome{value: value} })
		}
		reject := func(err error) {
			if err == nil {
				err = ErrRejected
			}
			once.Do(func() { done <- outcome{err: err} })
		}

		cb(data, resolve, reject)

		select {
		case o := <-done:
			return o.value, o.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Notify runs listener in the background. Its outcome is logged and
// otherwise ignored.
func Notify[T any](ctx context.Context, name string, listener Listener[T], data T) {
	if listener == nil {
		return
	}

	go func() {
		log := logrus.WithField("hook", name)
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("Hook panicked")
			}
		}()

		if err := listener(ctx, data); err != nil {
			log.WithError(err).Warn("Hook returned an error")
		}
	}()
}

// Call runs listener synchronously, converting a panic into an error.
func Call[T any](ctx context.Context, name string, listener Listener[T], data T) (err error) {
	if listener == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()

	return listener(ctx, data)
}

// Chain runs listeners in order and returns the joined errors.
func Chain[T any](listeners ...Listener[T]) Listener[T] {
	return func(ctx context.Context, data T) error {
		var errs []error
		for _, listener := range listeners {
			if listener == nil {
				continue
			}
			if err := listener(ctx, data); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
