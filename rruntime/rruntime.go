// Package rruntime spawns goroutines that report panics to the operator error
// channel before crashing the process.
package rruntime

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Go starts fn in a new goroutine. A panic inside fn is captured and flushed
// to the error channel, then re-raised: the pipeline isolates per-profile
// failures at stage boundaries, so a panic escaping to here is a programming
// error worth crashing on.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				sentry.Flush(2 * time.Second)
				panic(fmt.Errorf("goroutine panic: %v", r))
			}
		}()
		fn()
	}()
}

// GoRoutineFactory adapts Go to factory interfaces (e.g. stats.Start).
var GoRoutineFactory goRoutineFactory

type goRoutineFactory struct{}

func (goRoutineFactory) Go(function func()) {
	Go(function)
}
