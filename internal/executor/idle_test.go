package executor

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func idleFired(w *idleWaiter) bool {
	select {
	case <-w.idle:
		return true
	default:
		return false
	}
}

func waitIdle(t *testing.T, w *idleWaiter, within time.Duration) {
	t.Helper()
	select {
	case <-w.idle:
	case <-time.After(within):
		t.Fatal("idle was not signaled in time")
	}
}

func TestIdleWaiterFiresAfterQuietWindow(t *testing.T) {
	t.Parallel()

	w := newIdleWaiter(20 * time.Millisecond)
	w.arm()

	waitIdle(t, w, time.Second)
}

func TestIdleWaiterHoldsWhileRequestsInFlight(t *testing.T) {
	t.Parallel()

	w := newIdleWaiter(20 * time.Millisecond)
	w.handle(&network.EventRequestWillBeSent{RequestID: "req-1"})
	w.arm()

	time.Sleep(60 * time.Millisecond)
	require.False(t, idleFired(w), "idle must not fire with a request in flight")

	w.handle(&network.EventLoadingFinished{RequestID: "req-1"})
	waitIdle(t, w, time.Second)
}

func TestIdleWaiterDebounceResetsOnNewRequest(t *testing.T) {
	t.Parallel()

	w := newIdleWaiter(50 * time.Millisecond)
	w.handle(&network.EventRequestWillBeSent{RequestID: "req-1"})
	w.handle(&network.EventLoadingFinished{RequestID: "req-1"})

	// A new request inside the debounce window keeps the page busy.
	time.Sleep(10 * time.Millisecond)
	w.handle(&network.EventRequestWillBeSent{RequestID: "req-2"})
	time.Sleep(80 * time.Millisecond)
	require.False(t, idleFired(w), "debounce must reset when a request starts")

	w.handle(&network.EventLoadingFailed{RequestID: "req-2"})
	waitIdle(t, w, time.Second)
}

func TestIdleWaiterFailedRequestsCountAsDone(t *testing.T) {
	t.Parallel()

	w := newIdleWaiter(20 * time.Millisecond)
	w.handle(&network.EventRequestWillBeSent{RequestID: "req-1"})
	w.handle(&network.EventRequestWillBeSent{RequestID: "req-2"})
	w.arm()
	w.handle(&network.EventLoadingFailed{RequestID: "req-1"})
	w.handle(&network.EventLoadingFinished{RequestID: "req-2"})

	waitIdle(t, w, time.Second)
}
