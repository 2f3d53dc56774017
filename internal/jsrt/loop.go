package jsrt

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ErrNeverSettled is returned when a promise is awaited but nothing is left
// that could settle it.
var ErrNeverSettled = errors.New("promise never settled: no pending timers remain")

// Loop runs timer callbacks on the VM goroutine. Timers fire on their own
// goroutines and only post jobs; every job runs from Await.
type Loop struct {
	vm     *goja.Runtime
	policy TimerPolicy

	mu     sync.Mutex
	queue  []func() error
	wakeup chan struct{}

	// Owned by the VM goroutine.
	timers map[int64]*timer
	nextID int64
}

type timer struct {
	t        *time.Timer
	interval time.Duration
	fn       func() error
}

func newLoop(vm *goja.Runtime, policy TimerPolicy) *Loop {
	return &Loop{
		vm:     vm,
		policy: policy,
		wakeup: make(chan struct{}, 1),
		timers: make(map[int64]*timer),
	}
}

// Schedule runs fn on the VM goroutine after d. A positive interval
// reschedules it after every run. It must be called from the VM goroutine.
func (l *Loop) Schedule(d, interval time.Duration, fn func() error) int64 {
	l.nextID++
	id := l.nextID
	tm := &timer{interval: interval, fn: fn}
	l.timers[id] = tm
	tm.t = time.AfterFunc(d, func() { l.post(id) })
	return id
}

// Cancel stops the timer with id. Unknown ids are ignored.
func (l *Loop) Cancel(id int64) {
	if tm, ok := l.timers[id]; ok {
		tm.t.Stop()
		delete(l.timers, id)
	}
}

// Pending reports the number of live timers.
func (l *Loop) Pending() int {
	return len(l.timers)
}

func (l *Loop) post(id int64) {
	l.mu.Lock()
	l.queue = append(l.queue, func() error { return l.fire(id) })
	l.mu.Unlock()
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

func (l *Loop) fire(id int64) error {
	tm, ok := l.timers[id]
	if !ok {
		return nil
	}
	if tm.interval > 0 {
		tm.t = time.AfterFunc(tm.interval, func() { l.post(id) })
	} else {
		delete(l.timers, id)
	}
	return tm.fn()
}

func (l *Loop) drain() error {
	l.mu.Lock()
	jobs := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, job := range jobs {
		if err := job(); err != nil {
			return err
		}
	}
	return nil
}

// Await waits until v settles when it is a promise and returns the
// fulfillment value. A rejection is returned as a *ScriptError.
func (l *Loop) Await(ctx context.Context, v goja.Value) (goja.Value, error) {
	p, ok := promiseOf(v)
	if !ok {
		return v, nil
	}
	for p.State() == goja.PromiseStatePending {
		if err := l.drain(); err != nil {
			return nil, err
		}
		if p.State() != goja.PromiseStatePending {
			break
		}
		if len(l.timers) == 0 {
			return nil, ErrNeverSettled
		}
		select {
		case <-l.wakeup:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.State() == goja.PromiseStateRejected {
		return nil, ScriptErrorFromValue(p.Result())
	}
	return p.Result(), nil
}

func promiseOf(v goja.Value) (*goja.Promise, bool) {
	if v == nil {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	p, ok := obj.Export().(*goja.Promise)
	return p, ok
}

func (l *Loop) close() {
	for id, tm := range l.timers {
		tm.t.Stop()
		delete(l.timers, id)
	}
	l.mu.Lock()
	l.queue = nil
	l.mu.Unlock()
}

// install defines the global timer functions.
func (l *Loop) install() {
	global := l.vm.GlobalObject()
	_ = global.Set("setTimeout", l.setTimer("setTimeout", false, true))
	_ = global.Set("setInterval", l.setTimer("setInterval", true, true))
	_ = global.Set("setImmediate", l.setTimer("setImmediate", false, false))
	for _, name := range []string{"clearTimeout", "clearInterval", "clearImmediate"} {
		_ = global.Set(name, l.clearTimer)
	}
}

func (l *Loop) setTimer(name string, repeat, delayed bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if l.policy != nil {
			if err := l.policy(name, l.callerFile()); err != nil {
				panic(l.vm.NewGoError(err))
			}
		}
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(l.vm.NewTypeError("%s: callback must be a function", name))
		}

		var d time.Duration
		rest := call.Arguments
		if len(rest) > 0 {
			rest = rest[1:]
		}
		if delayed {
			d = TimerDelay(call.Argument(1).ToFloat())
			if len(rest) > 0 {
				rest = rest[1:]
			}
		}
		args := append([]goja.Value(nil), rest...)

		var interval time.Duration
		if repeat {
			interval = max(d, time.Millisecond)
		}
		id := l.Schedule(d, interval, func() error {
			_, err := fn(goja.Undefined(), args...)
			return err
		})
		return l.vm.ToValue(id)
	}
}

func (l *Loop) clearTimer(call goja.FunctionCall) goja.Value {
	if id := call.Argument(0).ToInteger(); id > 0 {
		l.Cancel(id)
	}
	return goja.Undefined()
}

// callerFile returns the source file of the nearest script frame.
func (l *Loop) callerFile() string {
	for _, frame := range l.vm.CaptureCallStack(0, nil) {
		if name := frame.SrcName(); name != "" && name != "<native>" {
			return name
		}
	}
	return ""
}

// maxTimerDelay is the largest setTimeout delay; longer ones fire after 1ms.
const maxTimerDelay = 1<<31 - 1

// TimerDelay converts a setTimeout or setInterval delay in milliseconds.
// Delays that are not positive numbers become zero and delays above
// 2^31-1 ms become 1ms.
func TimerDelay(ms float64) time.Duration {
	switch {
	case math.IsNaN(ms) || ms <= 0:
		return 0
	case ms > maxTimerDelay:
		return time.Millisecond
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// Millis converts milliseconds to a duration, saturating at the largest
// representable duration. Non-positive and NaN inputs are zero.
func Millis(ms float64) time.Duration {
	switch {
	case math.IsNaN(ms) || ms <= 0:
		return 0
	case ms >= float64(math.MaxInt64/int64(time.Millisecond)):
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms * float64(time.Millisecond))
}
