package rpcclient

import (
	"errors"
	"sync"
	"time"

	"github.com/malbeclabs/portal/internal/pack"
)

// ErrFutureTimeout is returned by Future.Result when the deadline elapses
// before the future resolves.
var ErrFutureTimeout = errors.New("rpcclient: future wait timed out")

type futureState uint8

const (
	futurePending futureState = iota
	futureResolved
	futureFailed
)

// Future represents one in-flight call (§4.5). It carries the reqnum and
// the exact bytes sent, so the client can resend it verbatim after an
// autoconn reconnect.
type Future struct {
	reqnum    uint64
	sendBytes []byte

	mu          sync.Mutex
	cond        *sync.Cond
	state       futureState
	value       pack.Value
	err         error
	errConsumed bool
	needsResend bool
}

func newFuture(reqnum uint64, sendBytes []byte) *Future {
	f := &Future{reqnum: reqnum, sendBytes: sendBytes}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Reqnum returns the call's reqnum (monotonic per client, P2).
func (f *Future) Reqnum() uint64 { return f.reqnum }

// Done reports whether the future has resolved or failed.
func (f *Future) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != futurePending
}

// Wait blocks until the future resolves or timeout elapses, returning
// whether it is done.
func (f *Future) Wait(timeout time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != futurePending {
		return true
	}
	if timeout <= 0 {
		for f.state == futurePending {
			f.cond.Wait()
		}
		return true
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		f.mu.Lock()
		close(done)
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer timer.Stop()

	for f.state == futurePending {
		select {
		case <-done:
			return f.state != futurePending
		default:
		}
		f.cond.Wait()
	}
	return true
}

// Result blocks up to timeout for the future to resolve, then returns its
// value or error. A stored error is returned by every call to Result, and
// the first such return marks it consumed so Release no longer reports it.
func (f *Future) Result(timeout time.Duration) (pack.Value, error) {
	if !f.Wait(timeout) {
		return pack.Value{}, ErrFutureTimeout
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == futureFailed {
		f.errConsumed = true
		return pack.Value{}, f.err
	}
	return f.value, nil
}

func (f *Future) resolve(v pack.Value) {
	f.mu.Lock()
	f.state = futureResolved
	f.value = v
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *Future) fail(err error) {
	f.mu.Lock()
	f.state = futureFailed
	f.err = err
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Release is the explicit drop-hook alternative to the source's weak-ref
// finalizer (§9, DESIGN.md Open Question decisions): it returns a
// failed-but-unread error once and marks it consumed. Release itself does
// not touch the client; Client.AbandonIfUnread calls it and pushes the
// returned error onto the client's abandoned-errors deque.
func (f *Future) Release() (unconsumedErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == futureFailed && !f.errConsumed {
		f.errConsumed = true
		return f.err
	}
	return nil
}

func (f *Future) markNeedsResend() {
	f.mu.Lock()
	f.needsResend = true
	f.mu.Unlock()
}

func (f *Future) consumeNeedsResend() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.needsResend
	f.needsResend = false
	return v
}
