// Package mailpool keeps authenticated mail clients alive between runs so a
// schedule firing every few minutes does not redo the login handshake.
package mailpool

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Get after Close
var ErrClosed = errors.New("mail pool closed")

// Config holds the pool limits
type Config struct {
	// MaxIdle is the number of idle clients kept per key
	MaxIdle int
	// IdleTTL drops idle clients older than this; zero keeps them forever
	IdleTTL time.Duration
}

type idleClient[T any] struct {
	value    T
	returned time.Time
}

// Pool leases clients by key (an account id). A client is owned by one
// lease at a time and goes back to the idle list on a clean Release.
type Pool[T any] struct {
	mu     sync.Mutex
	idle   map[string][]idleClient[T]
	cfg    Config
	close  func(T) error
	now    func() time.Time
	closed bool
}

// New creates a pool; closeFn disposes of discarded clients
func New[T any](cfg Config, closeFn func(T) error) *Pool[T] {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 1
	}
	if closeFn == nil {
		closeFn = func(T) error { return nil }
	}
	return &Pool[T]{
		idle:  make(map[string][]idleClient[T]),
		cfg:   cfg,
		close: closeFn,
		now:   time.Now,
	}
}

// Lease is a client checked out of the pool
type Lease[T any] struct {
	Value  T
	key    string
	pool   *Pool[T]
	reused bool
	once   sync.Once
}

// Reused reports whether the client came from the idle list
func (l *Lease[T]) Reused() bool { return l.reused }

// Release returns the client to the pool. A non-nil err discards it.
func (l *Lease[T]) Release(err error) {
	l.once.Do(func() { l.pool.put(l.key, l.Value, err) })
}

// Get leases an idle client for key or builds one with dial
func (p *Pool[T]) Get(ctx context.Context, key string, dial func(ctx context.Context) (T, error)) (*Lease[T], error) {
	if value, ok, err := p.take(key); err != nil {
		return nil, err
	} else if ok {
		return &Lease[T]{Value: value, key: key, pool: p, reused: true}, nil
	}

	value, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease[T]{Value: value, key: key, pool: p}, nil
}

func (p *Pool[T]) take(key string) (T, bool, error) {
	var zero T
	var expired []T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, false, ErrClosed
	}
	now := p.now()
	list := p.idle[key]
	var found *idleClient[T]
	// newest first
	for len(list) > 0 {
		last := list[len(list)-1]
		list = list[:len(list)-1]
		if p.cfg.IdleTTL > 0 && now.Sub(last.returned) > p.cfg.IdleTTL {
			expired = append(expired, last.value)
			continue
		}
		found = &last
		break
	}
	if len(list) == 0 {
		delete(p.idle, key)
	} else {
		p.idle[key] = list
	}
	p.mu.Unlock()

	for _, v := range expired {
		_ = p.close(v)
	}
	if found == nil {
		return zero, false, nil
	}
	return found.value, true, nil
}

func (p *Pool[T]) put(key string, value T, err error) {
	p.mu.Lock()
	if err != nil || p.closed || len(p.idle[key]) >= p.cfg.MaxIdle {
		p.mu.Unlock()
		_ = p.close(value)
		return
	}
	p.idle[key] = append(p.idle[key], idleClient[T]{value: value, returned: p.now()})
	p.mu.Unlock()
}

// Invalidate discards every idle client for key
func (p *Pool[T]) Invalidate(key string) {
	p.mu.Lock()
	list := p.idle[key]
	delete(p.idle, key)
	p.mu.Unlock()

	for _, c := range list {
		_ = p.close(c.value)
	}
}

// Evict closes idle clients past their TTL and returns how many were dropped
func (p *Pool[T]) Evict() int {
	if p.cfg.IdleTTL <= 0 {
		return 0
	}
	var expired []T

	p.mu.Lock()
	now := p.now()
	for key, list := range p.idle {
		kept := list[:0]
		for _, c := range list {
			if now.Sub(c.returned) > p.cfg.IdleTTL {
				expired = append(expired, c.value)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.mu.Unlock()

	for _, v := range expired {
		_ = p.close(v)
	}
	return len(expired)
}

// Idle returns the number of idle clients for key
func (p *Pool[T]) Idle(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}

// Close discards all idle clients. Leases still out are closed on Release.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	p.closed = true
	all := p.idle
	p.idle = make(map[string][]idleClient[T])
	p.mu.Unlock()

	var errs []error
	for _, list := range all {
		for _, c := range list {
			if err := p.close(c.value); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
