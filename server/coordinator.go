package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"collab-server/hooks"

	"github.com/sirupsen/logrus"
)

// release runs when a bound connection closes. The last client out of a
// persisted document starts its flush; the document stays registered, and
// blocks new joiners, until the flush settles. Once Shutdown has begun no
// flush is started here.
func (s *Server) release(entry *Entry, connectionID string, headers http.Header) {
	clients, drain := s.registry.Leave(entry)

	logrus.WithFields(logrus.Fields{
		"document_name": entry.name,
		"connection_id": connectionID,
		"clients_count": clients,
	}).Info("Connection closed")

	hooks.Notify(s.ctx, "onDisconnect", s.cfg.OnDisconnect, hooks.DisconnectPayload{
		ClientsCount:   clients,
		Document:       entry.document,
		DocumentName:   entry.name,
		RequestHeaders: headers,
	})

	s.mu.Lock()
	delete(s.conns, connectionID)
	closed := s.closed
	if drain && !closed {
		s.flushes.Add(1)
	}
	s.mu.Unlock()

	if !drain {
		return
	}
	if closed {
		// Shutdown stores whatever is still resident.
		s.registry.Drained(entry, false)
		return
	}

	go func() {
		defer s.flushes.Done()
		s.evict(entry)
	}()
}

func (s *Server) evict(entry *Entry) {
	log := logrus.WithField("document_name", entry.name)

	s.scheduler.Flush(entry.name)

	if err := s.storeWithRetry(entry); err != nil {
		s.registry.Drained(entry, false)
		log.WithError(err).Error("Failed to store document, keeping it in memory")
		return
	}

	s.registry.Drained(entry, true)
	entry.document.Destroy()
	log.Info("Document stored")
}

func (s *Server) storeWithRetry(entry *Entry) error {
	backoff := s.cfg.PersistBackoff

	var err error
	for attempt := 1; attempt <= s.cfg.PersistRetries; attempt++ {
		if err = s.cfg.Persistence.Store(s.ctx, entry.name, entry.document); err == nil {
			return nil
		}
		if attempt == s.cfg.PersistRetries {
			break
		}

		logrus.WithFields(logrus.Fields{
			"document_name": entry.name,
			"attempt":       attempt,
		}).WithError(err).Warn("Failed to store document, retrying")

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return fmt.Errorf("store document %s after %d attempts: %w", entry.name, attempt, errors.Join(err, s.ctx.Err()))
		}
		backoff *= 2
	}
	return fmt.Errorf("store document %s after %d attempts: %w", entry.name, s.cfg.PersistRetries, err)
}
