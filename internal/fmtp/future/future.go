// Package future implements the Future/Executor abstraction underpinning
// every long-running FMTP activity, generalized from the teacher's
// pervasive stopChan+WaitGroup+atomic-CAS worker lifecycle idiom into one
// reusable cancelable-task type.
package future

import (
	"sync"

	"github.com/ldm7/fmtp/internal/fmtp/fmtperr"
)

// State is a Future's lifecycle state.
type State int32

const (
	Initialized State = iota
	Running
	Completed
)

// RunFunc is the task body. It receives a stop channel that is closed when
// the Future is canceled while RUNNING; well-behaved run functions poll it
// at loop heads or select on it alongside blocking I/O.
type RunFunc func(stop <-chan struct{}) (interface{}, error)

// CancelFunc is invoked when Cancel is called on a RUNNING future. The
// default CancelFunc simply closes the future's stop channel; callers
// wrapping a blocking socket read should supply one that additionally calls
// the socket's SetDeadline/Close, since a closed channel alone does not
// unblock a syscall.
type CancelFunc func()

// Future is a cancelable asynchronous task wrapper. Zero value is not
// usable; construct with New.
type Future struct {
	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	wasCanceled bool
	result     interface{}
	err        error
	runFn      RunFunc
	cancelFn   CancelFunc
	stopCh     chan struct{}
	ownerSet   bool
}

// New creates a Future wrapping runFn. Canceling it while RUNNING always
// closes the future's stop channel; a non-nil cancelFn is invoked right
// after that, and a nil cancelFn means closing the channel is all it does.
func New(runFn RunFunc, cancelFn CancelFunc) *Future {
	f := &Future{
		state:  Initialized,
		runFn:  runFn,
		stopCh: make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	closeStop := func() {
		select {
		case <-f.stopCh:
		default:
			close(f.stopCh)
		}
	}
	if cancelFn != nil {
		f.cancelFn = func() {
			closeStop()
			cancelFn()
		}
	} else {
		f.cancelFn = closeStop
	}
	return f
}

// Run executes runFn on the calling goroutine, transitioning
// INITIALIZED→RUNNING→COMPLETED. If the future was canceled before Run was
// called, Run is a no-op and the future is already COMPLETED.
func (f *Future) Run() {
	f.mu.Lock()
	if f.state == Completed {
		f.mu.Unlock()
		return
	}
	f.state = Running
	f.mu.Unlock()

	result, err := f.runFn(f.stopCh)

	f.mu.Lock()
	f.result = result
	f.err = err
	f.state = Completed
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Cancel requests termination and returns whether the future was canceled
// as a result of this call (or a prior one). An INITIALIZED future goes
// straight to COMPLETED with a CANCELED error and a later Run does nothing;
// a RUNNING future has its cancel function invoked; a COMPLETED future is
// left as is and the result reports whether it had been canceled.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	switch f.state {
	case Initialized:
		f.wasCanceled = true
		f.state = Completed
		f.err = fmtperr.New(fmtperr.CANCELED, "future canceled before run")
		f.cond.Broadcast()
		f.mu.Unlock()
		return true
	case Running:
		f.wasCanceled = true
		cancelFn := f.cancelFn
		f.mu.Unlock()
		cancelFn()
		return true
	default: // Completed
		canceled := f.wasCanceled
		f.mu.Unlock()
		return canceled
	}
}

// Wait blocks until the future reaches COMPLETED, then returns its result,
// or fmtperr.CANCELED if the future was canceled.
func (f *Future) Wait() (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.state != Completed {
		f.cond.Wait()
	}
	if f.wasCanceled {
		return nil, fmtperr.New(fmtperr.CANCELED, "future was canceled")
	}
	return f.result, f.err
}

// StateValue returns the future's current state.
func (f *Future) StateValue() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Delete releases the future's resources, failing with BUSY if it is still
// RUNNING.
func (f *Future) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Running {
		return fmtperr.New(fmtperr.BUSY, "future is still running")
	}
	return nil
}

// StopChan returns the channel closed by the default cancel function; a
// RunFunc may also select on this directly.
func (f *Future) StopChan() <-chan struct{} {
	return f.stopCh
}

// Executor runs Futures on detached goroutines and tracks them for bulk
// cancellation (e.g. shutting down every worker of a Sender/Receiver).
type Executor struct {
	mu      sync.Mutex
	futures []*Future
	wg      sync.WaitGroup
}

// NewExecutor creates an empty Executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Submit creates a Future from runFn/cancelFn, starts it on a new
// goroutine, tracks it, and returns it.
func (e *Executor) Submit(runFn RunFunc, cancelFn CancelFunc) *Future {
	f := New(runFn, cancelFn)

	e.mu.Lock()
	e.futures = append(e.futures, f)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f.Run()
	}()
	return f
}

// CancelAll cancels every future the executor has submitted.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	futures := append([]*Future(nil), e.futures...)
	e.mu.Unlock()

	for _, f := range futures {
		f.Cancel()
	}
}

// Wait blocks until every submitted future's goroutine has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}
