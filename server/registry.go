package server

import (
	"context"
	"errors"
	"sort"
	"sync"

	"collab-server/core"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrDocumentLoaded is returned by Exclusive when the document is live.
var ErrDocumentLoaded = errors.New("document is loaded")

// Entry is a live document held by the Registry.
type Entry struct {
	name     string
	document core.Document

	// Guarded by Registry.mu.
	clients  int
	pending  int
	draining chan struct{}
}

func (e *Entry) Name() string {
	return e.name
}

func (e *Entry) Document() core.Document {
	return e.document
}

// DocumentInfo is a point-in-time view of a registry entry.
type DocumentInfo struct {
	Name     string `json:"name"`
	Clients  int    `json:"clients"`
	Draining bool   `json:"draining"`
}

type constructFunc func(ctx context.Context, name string) (core.Document, error)

// Registry maps document names to live entries. Every successful GetOrCreate
// holds a join reservation that must be settled with Admit or Release. An
// entry is only evictable with no clients and no reservations.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	group     singleflight.Group
	construct constructFunc
	evictable bool
}

func NewRegistry(construct constructFunc, evictable bool) *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		construct: construct,
		evictable: evictable,
	}
}

// GetOrCreate returns the live entry for name, constructing it at most once
// however many callers race for it. Callers arriving while the entry is
// being flushed wait for the flush and then get the entry that survives it,
// or a fresh one.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*Entry, error) {
	for {
		r.mu.Lock()
		if e, ok := r.entries[name]; ok {
			if e.draining == nil {
				e.pending++
				r.mu.Unlock()
				return e, nil
			}

			wait := e.draining
			r.mu.Unlock()
			logrus.WithField("document_name", name).Debug("Waiting for document flush before joining")

			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		r.mu.Unlock()

		buildCtx := context.WithoutCancel(ctx)
		if _, err, _ := r.group.Do(name, func() (any, error) {
			return r.create(buildCtx, name)
		}); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) create(ctx context.Context, name string) (*Entry, error) {
	r.mu.Lock()
	if e, ok := r.entries[name]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	doc, err := r.construct(ctx, name)
	if err != nil {
		return nil, err
	}

	e := &Entry{name: name, document: doc}
	r.mu.Lock()
	r.entries[name] = e
	r.mu.Unlock()

	logrus.WithField("document_name", name).Info("Document created")
	return e, nil
}

type exclusiveResult struct {
	err error
}

// Exclusive runs fn while no entry exists for name, holding off creation of
// one until fn returns. Joiners arriving meanwhile wait and then load
// whatever fn left behind. It returns ErrDocumentLoaded without calling fn
// if the document is live or being created.
func (r *Registry) Exclusive(name string, fn func() error) error {
	for {
		ran := false
		v, _, _ := r.group.Do(name, func() (any, error) {
			ran = true

			r.mu.Lock()
			_, loaded := r.entries[name]
			r.mu.Unlock()
			if loaded {
				return exclusiveResult{err: ErrDocumentLoaded}, nil
			}
			return exclusiveResult{err: fn()}, nil
		})

		res, ok := v.(exclusiveResult)
		if !ok {
			// Joined a creation in flight.
			return ErrDocumentLoaded
		}
		if ran {
			return res.err
		}
		// Shared another caller's exclusive run; take our own turn.
	}
}

// Admit converts the caller's reservation into an active client and returns
// the new client count.
func (r *Registry) Admit(e *Entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.pending--
	e.clients++
	return e.clients
}

// Release drops a reservation without admitting. It never starts an
// eviction.
func (r *Registry) Release(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.pending--
}

// Leave removes one client. When it returns drain == true the entry has been
// marked draining and the caller owns the flush; it must call Drained.
func (r *Registry) Leave(e *Entry) (clients int, drain bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.clients > 0 {
		e.clients--
	}
	drain = r.evictable && e.clients == 0 && e.pending == 0 && e.draining == nil
	if drain {
		e.draining = make(chan struct{})
	}
	return e.clients, drain
}

// Drained ends a flush started by Leave. A stored entry is detached; a
// failed one goes back to serving joiners.
func (r *Registry) Drained(e *Entry, stored bool) {
	r.mu.Lock()
	if stored && r.entries[e.name] == e {
		delete(r.entries, e.name)
	}
	wait := e.draining
	e.draining = nil
	r.mu.Unlock()

	if wait != nil {
		close(wait)
	}
}

// Remove detaches e if it is still the live entry for its name.
func (r *Registry) Remove(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[e.name] != e {
		return false
	}
	delete(r.entries, e.name)
	return true
}

func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) Clients(e *Entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return e.clients
}

func (r *Registry) Info(name string) (DocumentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return DocumentInfo{}, false
	}
	return DocumentInfo{Name: e.name, Clients: e.clients, Draining: e.draining != nil}, true
}

// Snapshot lists live entries, busiest first.
func (r *Registry) Snapshot() []DocumentInfo {
	r.mu.Lock()
	infos := make([]DocumentInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, DocumentInfo{Name: e.name, Clients: e.clients, Draining: e.draining != nil})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Clients == infos[j].Clients {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].Clients > infos[j].Clients
	})
	return infos
}

func (r *Registry) entriesList() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	return list
}
