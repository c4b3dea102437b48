// Package capability answers whether the host can afford background work
// right now. Callers treat a failed check as available.
package capability

import (
	"context"
	"log/slog"
	"runtime"
)

type Checker interface {
	Available(ctx context.Context) (bool, error)
}

// Func adapts a plain function to Checker.
type Func func(ctx context.Context) (bool, error)

func (f Func) Available(ctx context.Context) (bool, error) {
	return f(ctx)
}

// Always reports available without looking at anything.
var Always Checker = Func(func(context.Context) (bool, error) { return true, nil })

// FailOpen wraps a Checker so errors and panics read as available.
type FailOpen struct {
	Checker Checker
	Logger  *slog.Logger
}

func (f FailOpen) Allowed(ctx context.Context) (ok bool) {
	if f.Checker == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			if f.Logger != nil {
				f.Logger.Warn("capability check panicked", "panic", r)
			}
			ok = true
		}
	}()
	available, err := f.Checker.Available(ctx)
	if err != nil {
		if f.Logger != nil {
			f.Logger.Warn("capability check failed", "err", err)
		}
		return true
	}
	return available
}

// Memory reports unavailable while the Go heap is above MaxHeapBytes.
type Memory struct {
	MaxHeapBytes uint64
}

func (m Memory) Available(context.Context) (bool, error) {
	if m.MaxHeapBytes == 0 {
		return true, nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc <= m.MaxHeapBytes, nil
}

// All is available only when every checker is.
type All []Checker

func (a All) Available(ctx context.Context) (bool, error) {
	for _, c := range a {
		ok, err := c.Available(ctx)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}
