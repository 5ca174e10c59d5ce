package server

import (
	"fmt"
	"net/http"
	"strings"

	"collab-server/core"
	"collab-server/hooks"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// DocumentName derives a document name from a request target: the leading
// separator is dropped and any query is discarded, so "/foo/bar?x=1" names
// "foo/bar". No further validation is applied.
func DocumentName(target string) string {
	name, _, _ := strings.Cut(strings.TrimPrefix(target, "/"), "?")
	return name
}

// bind attaches an established socket to the document named by r. On
// rejection the socket is closed and the document's client count is left
// unchanged.
func (s *Server) bind(socket core.Socket, r *http.Request, authContext any) error {
	name := DocumentName(r.URL.RequestURI())
	log := logrus.WithField("document_name", name)
	id := ulid.Make().String()

	if !s.track(id) {
		_ = socket.Close()
		return ErrClosed
	}

	entry, err := s.registry.GetOrCreate(s.ctx, name)
	if err != nil {
		s.untrack(id)
		_ = socket.Close()
		log.WithError(err).Error("Failed to open document")
		return fmt.Errorf("open document %s: %w", name, err)
	}

	payload := hooks.JoinPayload{
		ClientsCount:   s.registry.Clients(entry),
		Context:        authContext,
		Document:       entry.document,
		DocumentName:   name,
		RequestHeaders: r.Header,
	}

	ctx, cancel := s.hookContext(s.ctx)
	_, err = hooks.Dispatch(ctx, "onJoinDocument", s.cfg.OnJoinDocument, payload)
	cancel()
	if err != nil {
		s.untrack(id)
		s.registry.Release(entry)
		_ = socket.Close()
		log.WithError(err).Info("Connection terminated by join hook")
		return err
	}

	clients := s.registry.Admit(entry)

	conn, err := s.cfg.Connections(socket, entry.document, core.ConnectionOptions{
		ID:             id,
		Timeout:        s.cfg.Timeout,
		Context:        authContext,
		RequestHeaders: r.Header,
		OnClose: func() {
			s.release(entry, id, r.Header)
		},
	})
	if err != nil {
		_ = socket.Close()
		s.release(entry, id, r.Header)
		return fmt.Errorf("bind connection to %s: %w", name, err)
	}

	if !s.attach(id, conn) {
		_ = conn.Close()
		return ErrClosed
	}

	log.WithFields(logrus.Fields{
		"connection_id": id,
		"clients_count": clients,
	}).Info("New connection")

	hooks.Notify(s.ctx, "onConnected", s.cfg.OnConnected, hooks.ConnectedPayload{
		ClientsCount:   clients,
		ConnectionID:   id,
		Context:        authContext,
		Document:       entry.document,
		DocumentName:   name,
		RequestHeaders: r.Header,
	})
	return nil
}

// track reserves id for a binding in progress. It fails once Shutdown has
// begun.
func (s *Server) track(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[id] = nil
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, id)
}

// attach records the bound connection so Shutdown can close it. It reports
// false when Shutdown began while the connection was being built; a
// connection that already closed itself is left untracked.
func (s *Server) attach(id string, conn core.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.conns[id]; ok {
		s.conns[id] = conn
	}
	return true
}
