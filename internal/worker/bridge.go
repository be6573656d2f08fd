// Package worker runs CPU-heavy photo compression off the caller's goroutine.
//
// A Bridge owns a pool of worker goroutines. Callers talk to it only through
// messages: Resize copies the input bytes into a Request, the request is
// picked up by any idle worker, and the Response is routed back to the
// waiting caller by its correlation id. Responses may arrive in any order.
package worker

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 32

	// Timeout for graceful shutdown
	shutdownTimeout = 10 * time.Second
)

// ErrNotRunning is returned by Resize when the bridge is not started or already stopped
var ErrNotRunning = errors.NewStd("worker bridge is not running")

// Config sizes the worker pool
type Config struct {
	Workers   int
	QueueSize int
}

// Bridge dispatches compression requests to a worker pool and matches
// responses to callers by correlation id.
type Bridge struct {
	log     logger.Logger
	workers int

	requests  chan Request
	responses chan Response

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	running atomic.Bool
	stateMu sync.Mutex

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan Response

	// process handles one request; replaced in tests
	process func(Request) Response

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
}

// NewBridge creates a bridge. Call Start before sending requests.
func NewBridge(cfg Config, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	b := &Bridge{
		log:       log.Module("worker"),
		workers:   cfg.Workers,
		requests:  make(chan Request, cfg.QueueSize),
		responses: make(chan Response, cfg.QueueSize),
		pending:   make(map[uint64]chan Response),
	}
	b.process = handle
	return b
}

// Start launches the workers and the response dispatcher. A stopped bridge
// cannot be restarted.
func (b *Bridge) Start(parent context.Context) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.running.Load() || b.ctx != nil {
		return
	}

	b.ctx, b.cancel = context.WithCancel(parent)
	b.group = &errgroup.Group{}
	// workers plus the dispatcher
	b.group.SetLimit(b.workers + 1)

	b.log.Info("Starting worker bridge",
		logger.Int("workers", b.workers),
		logger.Int("queue_size", cap(b.requests)))

	for i := range b.workers {
		b.group.Go(func() error {
			b.worker(i)
			return nil
		})
	}
	b.group.Go(func() error {
		b.dispatch()
		return nil
	})
	b.running.Store(true)
}

// Stop shuts the pool down. Callers still waiting receive ErrNotRunning.
func (b *Bridge) Stop() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if !b.running.CompareAndSwap(true, false) {
		return
	}

	b.log.Info("Stopping worker bridge")
	b.cancel()

	done := make(chan struct{})
	go func() {
		_ = b.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		stats := b.Stats()
		b.log.Info("Worker bridge stopped",
			logger.Int64("submitted", stats.Submitted),
			logger.Int64("completed", stats.Completed),
			logger.Int64("failed", stats.Failed),
			logger.Int64("abandoned", stats.Abandoned))
	case <-time.After(shutdownTimeout):
		b.log.Warn("Worker bridge shutdown timeout",
			logger.Duration("timeout", shutdownTimeout))
	}
}

// Resize downscales imageBytes so neither side exceeds maxDimension and
// re-encodes it as JPEG at quality. It blocks until a worker answers, ctx is
// done, or the bridge stops. Failures are CompressionErrors; callers are
// expected to fall back to the original bytes.
func (b *Bridge) Resize(ctx context.Context, imageBytes []byte, maxDimension, quality int) ([]byte, error) {
	if !b.running.Load() {
		return nil, ErrNotRunning
	}

	id := b.nextID.Add(1)
	reply := make(chan Response, 1)

	b.mu.Lock()
	b.pending[id] = reply
	b.mu.Unlock()
	defer b.forget(id)

	req := Request{
		ID: id,
		Resize: &ResizeRequest{
			Image:        slices.Clone(imageBytes),
			MaxDimension: maxDimension,
			Quality:      quality,
		},
	}

	select {
	case b.requests <- req:
		b.submitted.Add(1)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrNotRunning
	}

	select {
	case resp := <-reply:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Image, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrNotRunning
	}
}

// Stats returns a snapshot of the bridge counters
func (b *Bridge) Stats() Stats {
	return Stats{
		Submitted: b.submitted.Load(),
		Completed: b.completed.Load(),
		Failed:    b.failed.Load(),
		Abandoned: b.abandoned.Load(),
	}
}

// InFlight returns the number of callers waiting for a response
func (b *Bridge) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) forget(id uint64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// worker processes requests until the bridge stops
func (b *Bridge) worker(id int) {
	b.log.Debug("Worker started", logger.Int("worker_id", id))

	for {
		select {
		case <-b.ctx.Done():
			b.log.Debug("Worker stopping", logger.Int("worker_id", id))
			return
		case req := <-b.requests:
			start := time.Now()
			resp := b.process(req)
			resp.ID = req.ID

			if resp.Err != nil {
				b.failed.Add(1)
				b.log.Debug("Request failed",
					logger.Int("worker_id", id),
					logger.Uint64("request_id", req.ID),
					logger.Duration("duration", time.Since(start)),
					logger.Error(resp.Err))
			} else {
				b.completed.Add(1)
				b.log.Trace("Request completed",
					logger.Int("worker_id", id),
					logger.Uint64("request_id", req.ID),
					logger.Int("output_bytes", len(resp.Image)),
					logger.Duration("duration", time.Since(start)))
			}

			select {
			case b.responses <- resp:
			case <-b.ctx.Done():
				return
			}
		}
	}
}

// dispatch routes responses to the caller registered under their id
func (b *Bridge) dispatch() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case resp := <-b.responses:
			b.mu.Lock()
			reply, ok := b.pending[resp.ID]
			delete(b.pending, resp.ID)
			b.mu.Unlock()

			if !ok {
				b.abandoned.Add(1)
				continue
			}
			// reply is buffered and receives exactly one response
			reply <- resp
		}
	}
}

// handle executes a request inside a worker
func handle(req Request) Response {
	switch {
	case req.Resize != nil:
		img, err := Compress(req.Resize.Image, req.Resize.MaxDimension, req.Resize.Quality)
		return Response{Image: img, Err: err}
	default:
		return Response{Err: errors.Newf("request %d carries no operation", req.ID).
			Component("worker").
			Category(errors.CategoryValidation).
			Build()}
	}
}
