package server

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collab-server/core"
)

type fakeDocument struct {
	name      string
	mu        sync.Mutex
	listeners []func(core.Update)
	state     []byte
	destroyed atomic.Bool
}

func newFakeDocument(name string) core.Document {
	return &fakeDocument{name: name}
}

func (d *fakeDocument) Name() string { return d.name }

func (d *fakeDocument) OnUpdate(fn func(core.Update)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *fakeDocument) State() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.state...), nil
}

func (d *fakeDocument) Restore(state []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = append([]byte(nil), state...)
	return nil
}

func (d *fakeDocument) Destroy() { d.destroyed.Store(true) }

func (d *fakeDocument) emit(update core.Update) {
	d.mu.Lock()
	listeners := slices.Clone(d.listeners)
	d.mu.Unlock()

	update.Document = d
	for _, fn := range listeners {
		fn(update)
	}
}

type fakeSocket struct {
	closed atomic.Bool
}

func (s *fakeSocket) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeConnection struct {
	opts   core.ConnectionOptions
	socket core.Socket
	once   sync.Once
}

func (c *fakeConnection) ID() string   { return c.opts.ID }
func (c *fakeConnection) Context() any { return c.opts.Context }

func (c *fakeConnection) Close() error {
	c.once.Do(func() {
		_ = c.socket.Close()
		if c.opts.OnClose != nil {
			c.opts.OnClose()
		}
	})
	return nil
}

type fakeConnections struct {
	mu    sync.Mutex
	conns []*fakeConnection
	err   error
}

func (f *fakeConnections) New(socket core.Socket, doc core.Document, opts core.ConnectionOptions) (core.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConnection{opts: opts, socket: socket}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnections) last() *fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakePersistence struct {
	mu       sync.Mutex
	saved    map[string][]byte
	connects map[string]int
	stores   int
	failures int
	block    chan struct{}
	started  chan string
	loadErr  error
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		saved:    make(map[string][]byte),
		connects: make(map[string]int),
		started:  make(chan string, 16),
	}
}

func (p *fakePersistence) Connect(ctx context.Context, name string, doc core.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.connects[name]++
	if p.loadErr != nil {
		return p.loadErr
	}
	if data, ok := p.saved[name]; ok {
		return doc.Restore(data)
	}
	return nil
}

func (p *fakePersistence) Store(ctx context.Context, name string, doc core.Document) error {
	p.started <- name

	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stores++
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.failures > 0 {
		p.failures--
		return errors.New("storage unavailable")
	}
	data, err := doc.State()
	if err != nil {
		return err
	}
	p.saved[name] = data
	return nil
}

func (p *fakePersistence) storeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stores
}

func (p *fakePersistence) connectCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects[name]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clock: c, timer: t}
}

type fakeTimerHandle struct {
	clock *fakeClock
	timer *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	active := !h.timer.stopped && !h.timer.fired
	h.timer.stopped = true
	return active
}

// Advance moves the clock forward, firing due timers in time order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		next := due[0]
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// Set moves the clock without firing timers, like a timer running late.
func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(0, 0).Add(d)
}

// AdvanceTo moves the clock to an absolute offset from the epoch.
func (c *fakeClock) AdvanceTo(d time.Duration) {
	c.Advance(time.Unix(0, 0).Add(d).Sub(c.Now()))
}
