// Package dontpanic provides function wrappers and supervisors to ensure
// that wrapped code does not panic and cause program crashes.
//
// When should you use this package? Anytime you are running a function or
// goroutine where it isn't obvious whether it can or can't panic. This may
// be a higher risk in long running goroutines and functions or ones that are
// difficult to test completely.
package dontpanic

import (
	"fmt"
	"sync"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/shardkv/internal/log"
)

// Try will wrap the provided function with a panic recovery. If a panic occurs,
// the recovered panic will be sent to Sentry and logged as an error.
// Returns `true` if no panic and `false` otherwise.
func Try(fn func()) bool { return catchAndLog(fn) }

// Go will run the provided function in a goroutine and recover from any
// panics.  If a panic occurs, the recovered panic will be sent to Sentry
// and logged as an error. Go is best used in fire-and-forget goroutines where
// observability is lost.
func Go(fn func()) { go Try(fn) }

var logger = log.Default()

func catchAndLog(fn func()) bool {
	var id *sentry.EventID
	var recovered interface{}
	normal := true

	func() {
		defer func() {
			recovered = recover()
			if recovered != nil {
				normal = false
			}

			if err, ok := recovered.(error); ok {
				id = sentry.CaptureException(err)
			} else if recovered != nil {
				id = sentry.CaptureMessage(fmt.Sprintf("%v", recovered))
			}
		}()
		fn()
	}()

	if normal {
		return true
	}

	entry := logger
	if id != nil && *id != "" {
		entry = entry.WithField("sentry_id", *id)
	}
	entry.Errorf(
		"dontpanic: recovered value: %+v", recovered,
	)
	return normal
}

// Group runs goroutines through Try and lets the owner join all of them
// before it is torn down. The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go runs fn in a new goroutine tracked by the group.
func (g *Group) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		Try(fn)
	}()
}

// Wait blocks until every goroutine spawned by the group returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
