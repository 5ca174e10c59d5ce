package server

import (
	"sync"
	"time"

	"collab-server/hooks"

	"github.com/sirupsen/logrus"
)

type window struct {
	start      time.Time
	timer      timer
	payload    hooks.ChangePayload
	generation uint64
}

// Scheduler coalesces change notifications. A burst produces one call to
// fire, debounce after its last update or maxWait after its first, whichever
// comes first. Windows are kept per document unless global is set, in which
// case every document shares one window.
type Scheduler struct {
	mu       sync.Mutex
	debounce time.Duration
	maxWait  time.Duration
	global   bool
	clock    clock
	windows  map[string]*window
	fire     func(hooks.ChangePayload)
	stopped  bool
}

func NewScheduler(debounce, maxWait time.Duration, global bool, fire func(hooks.ChangePayload)) *Scheduler {
	return newScheduler(debounce, maxWait, global, realClock{}, fire)
}

func newScheduler(debounce, maxWait time.Duration, global bool, clk clock, fire func(hooks.ChangePayload)) *Scheduler {
	return &Scheduler{
		debounce: debounce,
		maxWait:  maxWait,
		global:   global,
		clock:    clk,
		windows:  make(map[string]*window),
		fire:     fire,
	}
}

func (s *Scheduler) key(documentName string) string {
	if s.global {
		return ""
	}
	return documentName
}

// Schedule records payload as its window's latest change. Changes scheduled
// after Stop are dropped.
func (s *Scheduler) Schedule(payload hooks.ChangePayload) {
	now := s.clock.Now()
	key := s.key(payload.DocumentName)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		logrus.WithField("document_name", payload.DocumentName).Debug("Scheduler stopped, dropping change")
		return
	}
	if s.debounce <= 0 {
		s.mu.Unlock()
		s.fire(payload)
		return
	}

	w, open := s.windows[key]
	if !open {
		w = &window{start: now}
		s.windows[key] = w
	} else if now.Sub(w.start) >= s.maxWait {
		s.closeLocked(key, w)
		s.mu.Unlock()

		logrus.WithField("document_name", payload.DocumentName).Debug("Debounce max wait reached")
		s.fire(payload)
		return
	}

	w.payload = payload
	if w.timer != nil {
		w.timer.Stop()
	}
	w.generation++
	generation := w.generation

	wait := s.debounce
	if remaining := w.start.Add(s.maxWait).Sub(now); remaining < wait {
		wait = remaining
	}
	w.timer = s.clock.AfterFunc(wait, func() {
		s.expire(key, w, generation)
	})
	s.mu.Unlock()
}

func (s *Scheduler) expire(key string, w *window, generation uint64) {
	s.mu.Lock()
	if s.windows[key] != w || w.generation != generation {
		s.mu.Unlock()
		return
	}
	delete(s.windows, key)
	payload := w.payload
	s.mu.Unlock()

	s.fire(payload)
}

func (s *Scheduler) closeLocked(key string, w *window) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.generation++
	delete(s.windows, key)
}

// Flush fires the pending window holding documentName's latest change, if
// any, without waiting for its timer.
func (s *Scheduler) Flush(documentName string) {
	key := s.key(documentName)

	s.mu.Lock()
	w, open := s.windows[key]
	if !open || w.payload.DocumentName != documentName {
		s.mu.Unlock()
		return
	}
	s.closeLocked(key, w)
	payload := w.payload
	s.mu.Unlock()

	s.fire(payload)
}

// FlushAll fires every pending window.
func (s *Scheduler) FlushAll() {
	s.mu.Lock()
	payloads := make([]hooks.ChangePayload, 0, len(s.windows))
	for key, w := range s.windows {
		s.closeLocked(key, w)
		payloads = append(payloads, w.payload)
	}
	s.mu.Unlock()

	for _, payload := range payloads {
		s.fire(payload)
	}
}

// Stop cancels every pending window without firing it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for key, w := range s.windows {
		s.closeLocked(key, w)
	}
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
