// Package document provides the default core.Document and core.Connection
// implementations: a relay document that keeps an ordered update log for late
// joiners and fans each update out to every other attached websocket.
package document

import (
	"fmt"
	"slices"
	"sync"

	"collab-server/core"

	"github.com/vmihailenco/msgpack/v5"
)

type snapshot struct {
	Name    string   `msgpack:"name"`
	Updates [][]byte `msgpack:"updates"`
}

type Document struct {
	name string

	// notifyMu serializes Apply so listeners observe updates in the order
	// they were appended.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	updates   [][]byte
	peers     map[*Connection]struct{}
	listeners []func(core.Update)
	destroyed bool
}

func New(name string) *Document {
	return &Document{
		name:  name,
		peers: make(map[*Connection]struct{}),
	}
}

// Factory is a core.DocumentFactory producing relay documents.
func Factory(name string) core.Document {
	return New(name)
}

func (d *Document) Name() string {
	return d.name
}

func (d *Document) OnUpdate(fn func(core.Update)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Apply appends update to the log, relays it to every attached connection
// except origin and notifies listeners. Listeners must not call Apply.
func (d *Document) Apply(update []byte, origin *Connection) error {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return fmt.Errorf("document %s is destroyed", d.name)
	}
	d.updates = append(d.updates, update)
	peers := make([]*Connection, 0, len(d.peers))
	for peer := range d.peers {
		if peer != origin {
			peers = append(peers, peer)
		}
	}
	listeners := slices.Clone(d.listeners)
	d.mu.Unlock()

	for _, peer := range peers {
		peer.deliver(update)
	}

	event := core.Update{Document: d}
	if origin != nil {
		event.RequestHeaders = origin.headers
	}
	for _, listener := range listeners {
		listener(event)
	}
	return nil
}

func (d *Document) Updates() [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	updates := make([][]byte, len(d.updates))
	copy(updates, d.updates)
	return updates
}

func (d *Document) State() ([]byte, error) {
	d.mu.RLock()
	state := snapshot{Name: d.name, Updates: d.updates}
	data, err := msgpack.Marshal(&state)
	d.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", d.name, err)
	}
	return data, nil
}

func (d *Document) Restore(state []byte) error {
	var decoded snapshot
	if err := msgpack.Unmarshal(state, &decoded); err != nil {
		return fmt.Errorf("decode document %s: %w", d.name, err)
	}

	d.mu.Lock()
	d.updates = decoded.Updates
	d.mu.Unlock()
	return nil
}

func (d *Document) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.destroyed = true
	d.updates = nil
	d.listeners = nil
}

// attach registers conn as a peer and returns the backlog it must replay.
func (d *Document) attach(conn *Connection) ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil, fmt.Errorf("document %s is destroyed", d.name)
	}
	d.peers[conn] = struct{}{}

	backlog := make([][]byte, len(d.updates))
	copy(backlog, d.updates)
	return backlog, nil
}

func (d *Document) detach(conn *Connection) {
	d.mu.Lock()
	delete(d.peers, conn)
	d.mu.Unlock()
}
