package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/identity-service/internal/auth"
)

// ErrPoolClosed is returned for work submitted after Close.
var ErrPoolClosed = errors.New("hash pool closed")

// HashPool runs password hashing on a fixed set of goroutines so CPU-bound
// argon2 work does not pile up on request goroutines.
type HashPool struct {
	hasher *auth.Hasher
	logger *zap.Logger
	jobs   chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// mu orders enqueues before Close; closed is set under the write lock.
	mu     sync.RWMutex
	closed bool
}

// NewHashPool starts workers goroutines reading from a queue of queueSize.
func NewHashPool(hasher *auth.Hasher, workers, queueSize int, logger *zap.Logger) *HashPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &HashPool{
		hasher: hasher,
		logger: logger,
		jobs:   make(chan func(), queueSize),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	logger.Info("hash pool started", zap.Int("workers", workers), zap.Int("queue", queueSize))
	return p
}

func (p *HashPool) run() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			job()
		case <-p.done:
			for {
				select {
				case job := <-p.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// Hash derives a digest for password with a fresh salt.
func (p *HashPool) Hash(ctx context.Context, password string) (string, error) {
	type result struct {
		digest string
		err    error
	}
	out := make(chan result, 1)
	if err := p.submit(ctx, func() {
		digest, err := p.hasher.HashPassword(password)
		out <- result{digest, err}
	}); err != nil {
		return "", err
	}

	select {
	case r := <-out:
		return r.digest, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Verify checks password against digest. needsRehash reports whether the
// digest should be replaced with one using current cost parameters.
func (p *HashPool) Verify(ctx context.Context, password, digest string) (ok, needsRehash bool, err error) {
	type result struct {
		ok, rehash bool
		err        error
	}
	out := make(chan result, 1)
	if err := p.submit(ctx, func() {
		matched, err := p.hasher.Verify(password, digest)
		if err != nil || !matched {
			out <- result{err: err}
			return
		}
		rehash, err := p.hasher.NeedsRehash(digest)
		if err != nil {
			p.logger.Warn("rehash check failed", zap.Error(err))
		}
		out <- result{ok: true, rehash: rehash}
	}); err != nil {
		return false, false, err
	}

	select {
	case r := <-out:
		return r.ok, r.rehash, r.err
	case <-ctx.Done():
		return false, false, ctx.Err()
	}
}

func (p *HashPool) submit(ctx context.Context, job func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, drains queued jobs and waits for workers.
func (p *HashPool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.done)
		p.mu.Unlock()
		p.wg.Wait()
	})
}
