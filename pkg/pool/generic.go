package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/torbridge/embedded/pkg/logger"
)

// Event names a Pool lifecycle notification.
type Event string

const (
	EventResourceCreated   Event = "resource-created"
	EventResourceAcquired  Event = "resource-acquired"
	EventResourceDisposed  Event = "resource-disposed"
	EventTargetSizeReached Event = "target-size-reached"
	EventCreationFailed    Event = "creation-failed"
)

const (
	minBackoff        = 5 * time.Second
	backoffMultiplier = 1.1
	maxBackoff        = 60 * time.Second
)

// Factory builds one resource. ctx carries the pool's lifetime, not a
// per-call deadline; factories that need one should derive their own.
type Factory[R any] func(ctx context.Context) (R, error)

// Config configures a generic Pool.
type Config[R any] struct {
	TargetSize  int        // nominal buffered count maintenance tries to keep filled
	MinInFlight int        // number of factory calls to race on an empty-buffer acquire
	Factory     Factory[R] // builds a fresh resource
	Dispose     func(R)    // releases a resource; may be nil
	Listener    func(Event, R)
	Logger      *logger.Logger
}

// Pool is a generic resource pool matching the teacher's CircuitPool shape
// (buffered slice, background maintenance loop) generalized to any resource
// type, with racing acquisition and exponential-backoff maintenance added
// for parity with the circuit pool's production failure behavior.
type Pool[R any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buffered []R

	targetSize  int
	minInFlight int
	factory     Factory[R]
	dispose     func(R)
	listener    func(Event, R)
	logger      *logger.Logger

	backoff time.Duration
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Pool and starts its background maintenance loop.
func New[R any](cfg Config[R]) *Pool[R] {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.MinInFlight <= 0 {
		cfg.MinInFlight = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[R]{
		buffered:    make([]R, 0, cfg.TargetSize),
		targetSize:  cfg.TargetSize,
		minInFlight: cfg.MinInFlight,
		factory:     cfg.Factory,
		dispose:     cfg.Dispose,
		listener:    cfg.Listener,
		logger:      log.Component("pool"),
		backoff:     minBackoff,
		ctx:         ctx,
		cancel:      cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	if p.targetSize > 0 {
		p.wg.Add(1)
		go p.maintain()
	}

	return p
}

func (p *Pool[R]) emit(ev Event, r R) {
	if p.listener != nil {
		p.listener(ev, r)
	}
}

// maintain keeps the buffer topped up to targetSize, backing off
// exponentially on factory failure (5s, x1.1, cap 60s; reset on success).
func (p *Pool[R]) maintain() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		need := p.targetSize - len(p.buffered)
		p.mu.Unlock()

		if need <= 0 {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(minBackoff):
				continue
			}
		}

		r, err := p.factory(p.ctx)
		if err != nil {
			var zero R
			p.emit(EventCreationFailed, zero)
			p.logger.Warn("pool maintenance factory failed", "error", err, "backoff", p.backoff)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.backoff):
			}
			p.backoff = time.Duration(float64(p.backoff) * backoffMultiplier)
			if p.backoff > maxBackoff {
				p.backoff = maxBackoff
			}
			continue
		}

		p.backoff = minBackoff
		p.emit(EventResourceCreated, r)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			if p.dispose != nil {
				p.dispose(r)
			}
			return
		}
		p.buffered = append(p.buffered, r)
		reached := len(p.buffered) >= p.targetSize
		p.cond.Broadcast()
		p.mu.Unlock()

		if reached {
			p.emit(EventTargetSizeReached, r)
		}
	}
}

// Acquire returns a buffered resource if one is available; otherwise it
// races minInFlight factory invocations, returns the first success to the
// caller, and buffers any other successes (overflowing targetSize is
// permitted). Failures among the race are silently dropped, except when
// every racer fails, in which case Acquire returns the last error.
func (p *Pool[R]) Acquire(ctx context.Context) (R, error) {
	p.mu.Lock()
	if len(p.buffered) > 0 {
		r := p.buffered[0]
		p.buffered = p.buffered[1:]
		p.mu.Unlock()
		p.emit(EventResourceAcquired, r)
		return r, nil
	}
	closed := p.closed
	p.mu.Unlock()

	var zero R
	if closed {
		return zero, fmt.Errorf("pool is closed")
	}

	type result struct {
		r   R
		err error
	}
	results := make(chan result, p.minInFlight)
	for i := 0; i < p.minInFlight; i++ {
		go func() {
			r, err := p.factory(ctx)
			results <- result{r, err}
		}()
	}

	var winner *R
	var lastErr error
	remaining := p.minInFlight
	overflow := make([]R, 0, p.minInFlight-1)

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case res := <-results:
			remaining--
			if res.err != nil {
				lastErr = res.err
				p.emit(EventCreationFailed, zero)
				continue
			}
			p.emit(EventResourceCreated, res.r)
			if winner == nil {
				w := res.r
				winner = &w
			} else {
				overflow = append(overflow, res.r)
			}
		}
	}

	if winner == nil {
		return zero, fmt.Errorf("pool acquire: all factory attempts failed: %w", lastErr)
	}

	if len(overflow) > 0 {
		p.mu.Lock()
		if !p.closed {
			p.buffered = append(p.buffered, overflow...)
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}

	p.emit(EventResourceAcquired, *winner)
	return *winner, nil
}

// WaitForFull blocks until the buffer holds at least targetSize resources
// or ctx is cancelled.
func (p *Pool[R]) WaitForFull(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for len(p.buffered) < p.targetSize && !p.closed {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size reports the current buffered count.
func (p *Pool[R]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffered)
}

// Close disposes every buffered resource and stops maintenance.
func (p *Pool[R]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	buffered := p.buffered
	p.buffered = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	if p.dispose != nil {
		for _, r := range buffered {
			p.dispose(r)
			p.emit(EventResourceDisposed, r)
		}
	}
}
