// Package workerpool runs callbacks on a fixed number of lanes. Callbacks
// submitted under the same key land on the same lane and run one after the
// other in submission order; different keys may run concurrently.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned for work submitted after Close
	ErrClosed = errors.New("workerpool: closed")
	// ErrFull is returned by TryGo when the lane has no room left
	ErrFull = errors.New("workerpool: lane full")
)

const (
	defaultLanes = 4
	defaultDepth = 256
)

// Pool is a keyed set of serial lanes
type Pool struct {
	name   string
	lanes  []chan func()
	logger *zap.Logger

	closing chan struct{}
	once    sync.Once
	running sync.WaitGroup

	accepted atomic.Uint64
	rejected atomic.Uint64
	panicked atomic.Uint64
}

// Counters is a point in time view of a pool
type Counters struct {
	Accepted uint64
	Rejected uint64
	Panicked uint64
	Pending  int
}

// New starts a pool with the given number of lanes, each buffering up to
// depth callbacks. Non-positive values fall back to defaults.
func New(name string, lanes, depth int, logger *zap.Logger) *Pool {
	if lanes <= 0 {
		lanes = defaultLanes
	}
	if depth <= 0 {
		depth = defaultDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:    name,
		lanes:   make([]chan func(), lanes),
		logger:  logger.With(zap.String("pool", name)),
		closing: make(chan struct{}),
	}
	p.running.Add(lanes)
	for i := range p.lanes {
		p.lanes[i] = make(chan func(), depth)
		go p.drive(p.lanes[i])
	}
	return p
}

func (p *Pool) drive(lane chan func()) {
	defer p.running.Done()
	for {
		select {
		case fn := <-lane:
			p.run(fn)
		case <-p.closing:
			// Whatever made it into the lane before Close still runs
			for {
				select {
				case fn := <-lane:
					p.run(fn)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			p.panicked.Add(1)
			p.logger.Error("Callback panicked", zap.Any("panic", v))
		}
	}()
	fn()
}

func (p *Pool) lane(key string) chan func() {
	return p.lanes[xxhash.Sum64String(key)%uint64(len(p.lanes))]
}

func (p *Pool) closed() bool {
	select {
	case <-p.closing:
		return true
	default:
		return false
	}
}

// Go queues fn on the lane for key, waiting for room if the lane is full
func (p *Pool) Go(ctx context.Context, key string, fn func()) error {
	if p.closed() {
		p.rejected.Add(1)
		return ErrClosed
	}
	select {
	case p.lane(key) <- fn:
		p.accepted.Add(1)
		return nil
	case <-p.closing:
		p.rejected.Add(1)
		return ErrClosed
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// TryGo queues fn on the lane for key or fails immediately
func (p *Pool) TryGo(key string, fn func()) error {
	if p.closed() {
		p.rejected.Add(1)
		return ErrClosed
	}
	select {
	case p.lane(key) <- fn:
		p.accepted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrFull
	}
}

// Wait returns once everything queued before the call has run
func (p *Pool) Wait(ctx context.Context) error {
	if p.closed() {
		return ErrClosed
	}
	var marks sync.WaitGroup
	marks.Add(len(p.lanes))
	for _, lane := range p.lanes {
		select {
		case lane <- marks.Done:
		case <-p.closing:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		marks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits up to timeout for the lanes to drain
func (p *Pool) Close(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		close(p.closing)

		done := make(chan struct{})
		go func() {
			p.running.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("workerpool %s: lanes still busy after %v", p.name, timeout)
			p.logger.Warn("Pool did not drain in time", zap.Duration("timeout", timeout))
		}
	})
	return err
}

// Counters reports what the pool has done so far
func (p *Pool) Counters() Counters {
	pending := 0
	for _, lane := range p.lanes {
		pending += len(lane)
	}
	return Counters{
		Accepted: p.accepted.Load(),
		Rejected: p.rejected.Load(),
		Panicked: p.panicked.Load(),
		Pending:  pending,
	}
}
