package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/autoapply/internal/metrics"
)

// ErrPoolClosed is returned by Checkout after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// OpenFunc creates and initializes a Controller.
type OpenFunc func(ctx context.Context) (Controller, error)

// Pool owns a bounded set of Controllers. A checked-out Controller belongs to
// exactly one caller until it is returned.
type Pool struct {
	open   OpenFunc
	slots  chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	idle   []Controller
	out    map[Controller]struct{}
	closed bool
}

// NewPool creates a pool that holds at most size Controllers.
func NewPool(size int, open OpenFunc, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		open:   open,
		slots:  make(chan struct{}, size),
		logger: logger.Named("browser_pool"),
		out:    make(map[Controller]struct{}),
	}
}

// Open builds an OpenFunc that constructs a backend through the factory and
// initializes it in the mode cfg selects.
func Open(factory Factory, cfg Config) OpenFunc {
	return func(ctx context.Context) (Controller, error) {
		cfg := cfg.WithDefaults()
		mode, err := ResolveMode(cfg)
		if err != nil {
			return nil, err
		}
		c, err := factory.New(cfg)
		if err != nil {
			return nil, err
		}
		ok, err := c.Initialize(ctx, mode == ModeHeadless)
		if err == nil && !ok {
			err = errors.New("backend refused to initialize")
		}
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("initialize %s browser: %w", mode, err)
		}
		return c, nil
	}
}

// Checkout hands out an idle Controller or opens a new one. It blocks while
// the pool is at capacity until a Controller is returned or ctx is done.
func (p *Pool) Checkout(ctx context.Context) (Controller, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("browser checkout: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.out[c] = struct{}{}
		p.mu.Unlock()
		metrics.IncBrowsersInUse()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.open(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.mu.Lock()
	p.out[c] = struct{}{}
	p.mu.Unlock()
	metrics.IncBrowsersInUse()
	return c, nil
}

// Return gives a Controller back. Unhealthy Controllers are closed and
// discarded instead of being reused.
func (p *Pool) Return(c Controller, healthy bool) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.out[c]; !ok {
		p.mu.Unlock()
		p.logger.Warn("ignoring return of a controller the pool does not own")
		return
	}
	delete(p.out, c)
	keep := healthy && !p.closed
	if keep {
		p.idle = append(p.idle, c)
	}
	p.mu.Unlock()

	if !keep {
		if err := c.Close(); err != nil {
			p.logger.Warn("close browser", zap.Error(err))
		}
	}
	metrics.DecBrowsersInUse()
	<-p.slots
}

// Stats reports idle and checked-out counts.
func (p *Pool) Stats() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.out)
}

// Close closes idle Controllers and rejects future checkouts. Controllers
// still checked out are closed when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
