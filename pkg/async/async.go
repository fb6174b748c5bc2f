// Package async wraps goroutine launches with panic recovery and
// bounded-concurrency batch helpers. Fire-and-forget work (gateway
// mirroring, event fan-out) goes through SafeGo so a panicking module
// callback can never take the process down.
package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SafeGo runs fn on its own goroutine with a deadline and panic
// recovery. Errors and panics are logged under taskName.
func SafeGo(parent context.Context, timeout time.Duration, taskName string, log *logrus.Logger, fn func(context.Context) error) {
	if log == nil {
		log = logrus.New()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": r,
				}).Errorf("background task panicked\n%s", debug.Stack())
			}
		}()

		if err := fn(ctx); err != nil {
			log.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// Batch runs fn over items with at most workers running concurrently
// and returns every error encountered. A panic in fn surfaces as an
// error for its item rather than crashing the batch.
func Batch[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	var errs []error

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, item := range items {
		item := item
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = nil
					mu.Lock()
					errs = append(errs, fmt.Errorf("panic: %v", r))
					mu.Unlock()
				}
			}()
			if e := fn(ctx, item); e != nil {
				mu.Lock()
				errs = append(errs, e)
				mu.Unlock()
			}
			// Individual failures do not cancel the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
