package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// idleWaiter tracks in-flight network requests for one tab and signals once
// the count has stayed at zero for the debounce window.
type idleWaiter struct {
	mu       sync.Mutex
	window   time.Duration
	inflight map[network.RequestID]struct{}
	timer    *time.Timer
	done     bool
	idle     chan struct{}
}

func newIdleWaiter(window time.Duration) *idleWaiter {
	return &idleWaiter{
		window:   window,
		inflight: make(map[network.RequestID]struct{}),
		idle:     make(chan struct{}),
	}
}

// handle consumes network events from chromedp.ListenTarget.
func (w *idleWaiter) handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		w.requestStarted(e.RequestID)
	case *network.EventLoadingFinished:
		w.requestDone(e.RequestID)
	case *network.EventLoadingFailed:
		w.requestDone(e.RequestID)
	}
}

func (w *idleWaiter) requestStarted(id network.RequestID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.inflight[id] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *idleWaiter) requestDone(id network.RequestID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
	w.armLocked()
}

// arm starts the debounce when no requests are in flight. Called once after
// navigation is issued so a page with no residual traffic still settles.
func (w *idleWaiter) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armLocked()
}

func (w *idleWaiter) armLocked() {
	if w.done || len(w.inflight) != 0 {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.window, w.fire)
		return
	}
	w.timer.Reset(w.window)
}

func (w *idleWaiter) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done || len(w.inflight) != 0 {
		return
	}
	w.done = true
	close(w.idle)
}

// waitAction blocks until the page reaches network idle or the navigation
// context expires.
func (w *idleWaiter) waitAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		w.arm()
		select {
		case <-w.idle:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait network idle: %w", ctx.Err())
		}
	})
}
