package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/szaher/designs/envsandbox/internal/protocol"
	"github.com/szaher/designs/envsandbox/internal/worker"
)

// messageBuffer is how many messages a worker may post before it blocks
// waiting for the host to apply them.
const messageBuffer = 64

// stopGrace is how long Execute waits, once ctx is done, for an interrupted
// worker to hand over its remaining messages.
const stopGrace = time.Second

// InProcess runs each request on its own goroutine with a fresh runtime.
// Messages cross to the host as JSON copies, so the script and the host
// never share values.
type InProcess struct {
	Config Config
}

// Name implements Executor.
func (e *InProcess) Name() string { return "inprocess" }

// Available implements Executor.
func (e *InProcess) Available() bool { return true }

// Execute implements Executor.
func (e *InProcess) Execute(ctx context.Context, req protocol.Request, h Handler) (protocol.Result, error) {
	wcfg := worker.Config{
		Roots:   e.Config.Roots,
		Logger:  e.Config.logger(),
		Metrics: e.Config.Metrics,
	}
	return run(ctx, e.Config, e.Name(), req, h, func(ctx context.Context, deliver func(protocol.Message)) error {
		msgs := make(chan protocol.Message, messageBuffer)
		done := make(chan error, 1)

		go func() {
			var err error
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker panicked: %v", r)
				}
				done <- err
				close(msgs)
			}()
			err = worker.Run(ctx, wcfg, req, func(m protocol.Message) error {
				copied, err := m.Clone()
				if err != nil {
					return fmt.Errorf("clone message: %w", err)
				}
				select {
				case msgs <- copied:
					return nil
				default:
				}
				select {
				case msgs <- copied:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}()

		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					return <-done
				}
				deliver(m)
			case <-ctx.Done():
				return drain(msgs, done, deliver)
			}
		}
	})
}

// drain delivers what an interrupted worker still sends, giving up after
// stopGrace.
func drain(msgs <-chan protocol.Message, done <-chan error, deliver func(protocol.Message)) error {
	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return <-done
			}
			deliver(m)
		case <-timer.C:
			return fmt.Errorf("worker did not stop within %v", stopGrace)
		}
	}
}
