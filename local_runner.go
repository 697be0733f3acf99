package flowline

import (
	"context"
	"errors"
	"sync"
)

// LocalRunner runs an in-memory Runtime with its worker in the background.
// It is intended for local development, tests and simple single-process
// deployments; nothing survives a restart.
//
// Typical usage:
//
//	runner := flowline.NewLocalRunner(flowline.Options{})
//	flowline.New("my-process").StartEvent("start")....MustDeploy(ctx, runner.Engine)
//
//	_ = runner.Start(ctx)
//	pi, err := runner.Engine.StartProcessInstance(ctx, "my-process", vars)
//	...
//	runner.Stop()
type LocalRunner struct {
	*Runtime

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory store.
func NewLocalRunner(opts Options) *LocalRunner {
	return &LocalRunner{Runtime: NewInMemory(opts)}
}

// Start runs the worker in a background goroutine until Stop is called or
// ctx is cancelled. Starting a running runner is an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("flowline: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.runErr = nil
	r.running = true

	go func(done chan struct{}) {
		defer close(done)
		err := r.Worker.Run(ctx)
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
	}(r.done)
	return nil
}

// Stop cancels the worker and waits for in-flight jobs to finish. It
// returns the error the worker loop ended with, if any.
func (r *LocalRunner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}
