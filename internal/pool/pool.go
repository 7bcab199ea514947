// Package pool fans generation commands out across the account connections,
// round-robin over whichever subset is currently ready.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrNoConnection is returned when no account connection is ready.
var ErrNoConnection = errors.New("pool: no available connection")

// Conn is the slice of a gateway connection the pool manages and routes
// submissions through.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect()
	Ready() bool
	AccountID() int64
	Name() string
	SubmitImagine(ctx context.Context, userID, nodeID, prompt string) (string, error)
	SubmitAction(ctx context.Context, userID, nodeID, messageID, customID string) (string, error)
}

// AccountStatus is one row of the pool's status report.
type AccountStatus struct {
	AccountID int64  `json:"accountId"`
	Name      string `json:"name"`
	Ready     bool   `json:"ready"`
}

// Pool owns a fixed set of connections. Init tolerates partial failure:
// the pool is usable as long as one account comes up.
type Pool struct {
	conns []Conn

	mu          sync.Mutex
	next        int
	initialized bool
	initCh      chan struct{} // non-nil while an init attempt runs
	initErr     error
}

// New builds a pool over the given connections. Nothing is dialed yet.
func New(conns []Conn) *Pool {
	return &Pool{conns: conns}
}

// Init connects every account concurrently. Concurrent callers share one
// attempt; once any account is ready, later calls return immediately. A
// fully failed attempt is retryable.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	if p.initCh != nil {
		ch := p.initCh
		p.mu.Unlock()
		select {
		case <-ch:
			p.mu.Lock()
			err := p.initErr
			p.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	p.initCh = ch
	p.mu.Unlock()

	err := p.connectAll(ctx)

	p.mu.Lock()
	p.initErr = err
	p.initialized = err == nil
	p.initCh = nil
	p.mu.Unlock()
	close(ch)
	return err
}

func (p *Pool) connectAll(ctx context.Context) error {
	if len(p.conns) == 0 {
		return errors.New("pool: no accounts configured")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(p.conns))
	for i, c := range p.conns {
		wg.Add(1)
		go func(i int, c Conn) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				errs[i] = err
				log.Printf("pool: account %s failed to connect: %v", c.Name(), err)
			}
		}(i, c)
	}
	wg.Wait()

	ready := 0
	var firstErr error
	for i, c := range p.conns {
		if c.Ready() {
			ready++
		} else if firstErr == nil && errs[i] != nil {
			firstErr = errs[i]
		}
	}
	if ready == 0 {
		return fmt.Errorf("pool: all %d accounts failed to connect: %w", len(p.conns), firstErr)
	}
	log.Printf("pool: %d/%d accounts ready", ready, len(p.conns))
	return nil
}

// Next returns the next ready connection in round-robin order.
func (p *Pool) Next() (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.conns)
	for i := 0; i < n; i++ {
		c := p.conns[(p.next+i)%n]
		if c.Ready() {
			p.next = (p.next + i + 1) % n
			return c, nil
		}
	}
	return nil, ErrNoConnection
}

// ByAccount returns the connection for one account id, ready or not.
// Follow-up actions must run on the account that owns the source message.
func (p *Pool) ByAccount(id int64) (Conn, bool) {
	for _, c := range p.conns {
		if c.AccountID() == id {
			return c, true
		}
	}
	return nil, false
}

// Status reports every account's readiness.
func (p *Pool) Status() []AccountStatus {
	out := make([]AccountStatus, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, AccountStatus{
			AccountID: c.AccountID(),
			Name:      c.Name(),
			Ready:     c.Ready(),
		})
	}
	return out
}

// Shutdown disconnects every account.
func (p *Pool) Shutdown() {
	for _, c := range p.conns {
		c.Disconnect()
	}
}
