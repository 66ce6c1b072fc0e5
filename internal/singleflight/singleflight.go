// Package singleflight collapses concurrent calls for the same key into one
// execution. Unlike golang.org/x/sync/singleflight, a completed call keeps
// answering for a grace window so that near-simultaneous callers that arrive
// just after completion still share the result.
package singleflight

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Group manages a set of in-flight and recently completed calls.
type Group struct {
	mu        sync.Mutex
	m         map[string]*call
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// call represents an active or completed function call.
type call struct {
	done      chan struct{}
	val       any
	err       error
	completed time.Time
	finished  bool
}

// New creates a Group whose completed calls are joinable for window.
// A zero window shares only in-flight calls.
func New(window time.Duration) *Group {
	return &Group{
		m:      make(map[string]*call),
		window: window,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (g *Group) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Window returns the grace window.
func (g *Group) Window() time.Duration {
	return g.window
}

// Do executes fn once per key. Callers arriving while the call is in flight,
// or within the grace window after it completed, receive the same result and
// shared=true. fn runs on a context detached from ctx's cancellation; ctx only
// bounds this caller's wait.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, err error, shared bool) {
	g.mu.Lock()
	now := g.now()
	g.sweepLocked(now)
	if c, ok := g.m[key]; ok && g.joinableLocked(c, now) {
		g.mu.Unlock()
		v, err = wait(ctx, c)
		return v, err, true
	}

	c := &call{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	go g.run(context.WithoutCancel(ctx), c, fn)

	v, err = wait(ctx, c)
	return v, err, false
}

// TryDo runs fn synchronously unless a call for key is in flight, in which
// case it returns ErrInProgress and ran=false. Completed calls are never
// joined by TryDo.
func (g *Group) TryDo(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (v any, err error, ran bool) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok && !c.finished {
		g.mu.Unlock()
		return nil, ErrInProgress, false
	}

	c := &call{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	g.run(ctx, c, fn)
	return c.val, c.err, true
}

func (g *Group) run(ctx context.Context, c *call, fn func(ctx context.Context) (any, error)) {
	var (
		val any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("singleflight: panic in call: %v", r)
			}
		}()
		val, err = fn(ctx)
	}()

	g.mu.Lock()
	c.val, c.err = val, err
	c.finished = true
	c.completed = g.now()
	g.mu.Unlock()
	close(c.done)
}

func wait(ctx context.Context, c *call) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Group) joinableLocked(c *call, now time.Time) bool {
	return !c.finished || now.Sub(c.completed) < g.window
}

// sweepLocked drops expired completed calls, at most once per window.
func (g *Group) sweepLocked(now time.Time) {
	if g.window > 0 && now.Sub(g.lastSweep) < g.window {
		return
	}
	g.lastSweep = now
	for key, c := range g.m {
		if !g.joinableLocked(c, now) {
			delete(g.m, key)
		}
	}
}

// Forget removes key so the next call executes fresh. Callers already
// waiting on the old call still receive its result.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// ForgetFunc removes every key for which match returns true and reports how
// many were removed.
func (g *Group) ForgetFunc(match func(key string) bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key := range g.m {
		if match(key) {
			delete(g.m, key)
			n++
		}
	}
	return n
}

// Len reports the number of joinable calls.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	n := 0
	for _, c := range g.m {
		if g.joinableLocked(c, now) {
			n++
		}
	}
	return n
}
