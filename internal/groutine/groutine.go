// Package groutine starts named goroutines. The name is attached as a pprof
// label and stored in the goroutine's context, and panics are recovered so a
// faulty background loop never takes the host process down.
package groutine

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// PanicHandler receives recovered panics. Tests may replace it.
var PanicHandler = func(name string, recovered any, stack []byte) {
	logrus.WithFields(logrus.Fields{
		"goroutine": name,
		"panic":     fmt.Sprint(recovered),
	}).Errorf("goroutine panicked\n%s", stack)
}

// Go starts fn in a new goroutine labelled with name.
// If parentCtx is nil, context.Background() is used.
//
//	done := make(chan struct{})
//	groutine.Go(ctx, "link-writer", func(ctx context.Context) {
//	    defer close(done)
//	    // work
//	})
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				PanicHandler(name, r, debug.Stack())
			}
		}()
		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(goroutineNameKey).(string); ok {
		return s
	}
	return ""
}
