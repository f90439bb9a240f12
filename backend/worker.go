package backend

import (
	"context"
	"fmt"

	"gopkg.in/tomb.v2"

	"github.com/chazu/netqasm/message"
)

type workRequest struct {
	session string
	msg     message.Message
	ctx     context.Context
	done    chan workResult
}

type workResult struct {
	ack *message.Ack
	err error
}

// Worker serializes all registry access through a single goroutine.
// Connect handlers run concurrently and must go through the worker.
type Worker struct {
	registry *Registry
	requests chan workRequest
	tomb     tomb.Tomb
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker(registry *Registry) *Worker {
	w := &Worker{
		registry: registry,
		requests: make(chan workRequest, 64),
	}
	w.tomb.Go(w.loop)
	return w
}

func (w *Worker) loop() error {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req)
		case <-w.tomb.Dying():
			return tomb.ErrDying
		}
	}
}

// execute applies one message, recovering from panics.
func (w *Worker) execute(req workRequest) (result workResult) {
	defer func() {
		if r := recover(); r != nil {
			result = workResult{err: fmt.Errorf("panic applying %s: %v", req.msg.Type(), r)}
		}
	}()
	ack, err := w.registry.Apply(req.ctx, req.session, req.msg)
	return workResult{ack: ack, err: err}
}

// Submit hands m to the worker goroutine and waits for the result.
func (w *Worker) Submit(ctx context.Context, session string, m message.Message) (*message.Ack, error) {
	req := workRequest{
		session: session,
		msg:     m,
		ctx:     ctx,
		done:    make(chan workResult, 1),
	}
	if !w.tomb.Alive() {
		return nil, ErrWorkerStopped
	}
	select {
	case w.requests <- req:
	case <-w.tomb.Dying():
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.ack, res.err
	case <-w.tomb.Dead():
		select {
		case res := <-req.done:
			return res.ack, res.err
		default:
			return nil, ErrWorkerStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutine and waits for it to exit.
func (w *Worker) Stop() {
	w.tomb.Kill(nil)
	_ = w.tomb.Wait()
}
