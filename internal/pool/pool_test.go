package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeConn struct {
	id       int64
	name     string
	failWith error

	mu       sync.Mutex
	ready    bool
	connects int32
}

func (f *fakeConn) Connect(ctx context.Context) error {
	atomic.AddInt32(&f.connects, 1)
	if f.failWith != nil {
		return f.failWith
	}
	f.mu.Lock()
	f.ready = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.ready = false
	f.mu.Unlock()
}

func (f *fakeConn) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeConn) AccountID() int64 { return f.id }
func (f *fakeConn) Name() string     { return f.name }

func (f *fakeConn) SubmitImagine(ctx context.Context, userID, nodeID, prompt string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeConn) SubmitAction(ctx context.Context, userID, nodeID, messageID, customID string) (string, error) {
	return "", errors.New("not implemented")
}

func TestInitPartialFailure(t *testing.T) {
	good := &fakeConn{id: 1, name: "good"}
	bad := &fakeConn{id: 2, name: "bad", failWith: errors.New("dial refused")}
	p := New([]Conn{good, bad})

	if err := p.Init(context.Background()); err != nil {
		t.Fatalf("init with one healthy account: %v", err)
	}
	c, err := p.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if c.AccountID() != 1 {
		t.Errorf("routed to account %d, want the healthy one", c.AccountID())
	}
}

func TestInitAllFail(t *testing.T) {
	p := New([]Conn{
		&fakeConn{id: 1, name: "a", failWith: errors.New("boom")},
		&fakeConn{id: 2, name: "b", failWith: errors.New("boom")},
	})
	if err := p.Init(context.Background()); err == nil {
		t.Fatal("expected error when every account fails")
	}
	if _, err := p.Next(); !errors.Is(err, ErrNoConnection) {
		t.Errorf("next err = %v, want ErrNoConnection", err)
	}
}

func TestInitIdempotentUnderConcurrency(t *testing.T) {
	c := &fakeConn{id: 1, name: "a"}
	p := New([]Conn{c})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Init(context.Background()); err != nil {
				t.Errorf("init: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&c.connects); n != 1 {
		t.Errorf("connect calls = %d, want 1 shared attempt", n)
	}
}

func TestNextRoundRobinSkipsNotReady(t *testing.T) {
	a := &fakeConn{id: 1, name: "a", ready: true}
	b := &fakeConn{id: 2, name: "b"} // never ready
	c := &fakeConn{id: 3, name: "c", ready: true}
	p := New([]Conn{a, b, c})

	var order []int64
	for i := 0; i < 4; i++ {
		conn, err := p.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		order = append(order, conn.AccountID())
	}
	want := []int64{1, 3, 1, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", order, want)
		}
	}
}

func TestByAccount(t *testing.T) {
	p := New([]Conn{
		&fakeConn{id: 1, name: "a"},
		&fakeConn{id: 2, name: "b"},
	})
	c, ok := p.ByAccount(2)
	if !ok || c.Name() != "b" {
		t.Errorf("ByAccount(2) = %v, %v", c, ok)
	}
	if _, ok := p.ByAccount(99); ok {
		t.Error("ByAccount(99) should miss")
	}
}

func TestShutdown(t *testing.T) {
	a := &fakeConn{id: 1, name: "a", ready: true}
	p := New([]Conn{a})
	p.Shutdown()
	if a.Ready() {
		t.Error("shutdown left connection ready")
	}
}
