// Package server orchestrates collaborative documents: it gates websocket
// upgrades, keeps live documents in a registry, coalesces change
// notifications and flushes documents to persistence once their last client
// leaves.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"collab-server/core"
	"collab-server/hooks"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("server closed")

type Server struct {
	cfg       Config
	registry  *Registry
	scheduler *Scheduler
	upgrader  websocket.Upgrader
	handler   http.Handler

	ctx    context.Context
	cancel context.CancelFunc

	// flushes tracks eviction flushes still in flight.
	flushes sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
	// conns holds bound connections by id; a nil value marks a binding
	// whose connection factory has not returned yet.
	conns map[string]core.Connection
}

func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]core.Connection),
		upgrader: websocket.Upgrader{
			// Origin policy belongs to the connect hook.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registry = NewRegistry(s.constructDocument, cfg.Persistence != nil)
	s.scheduler = NewScheduler(cfg.Debounce, cfg.DebounceMaxWait, cfg.DebounceScope == ScopeGlobal, s.fireChange)
	s.handler = s.Wrap(cfg.Router)
	return s
}

// DefaultRouter answers GET / with a plain "OK".
func DefaultRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", HandleOK)
	return r
}

func HandleOK(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Documents() []DocumentInfo {
	return s.registry.Snapshot()
}

func (s *Server) Document(name string) (DocumentInfo, bool) {
	return s.registry.Info(name)
}

// WhileUnloaded runs fn with the named document guaranteed to stay unloaded
// for its duration, or returns ErrDocumentLoaded.
func (s *Server) WhileUnloaded(name string, fn func() error) error {
	return s.registry.Exclusive(name, fn)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Wrap routes websocket upgrade requests to the gate and everything else to
// next.
func (s *Server) Wrap(next http.Handler) http.Handler {
	if next == nil {
		next = http.DefaultServeMux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) || s.passthrough(r) {
			next.ServeHTTP(w, r)
			return
		}
		s.handleUpgrade(w, r)
	})
}

func (s *Server) passthrough(r *http.Request) bool {
	for _, prefix := range s.cfg.PassthroughPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) hookContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.HookTimeout > 0 {
		return context.WithTimeout(parent, s.cfg.HookTimeout)
	}
	return context.WithCancel(parent)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := s.cfg.HTTPServer
	if srv == nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.cfg.Port),
			Handler:           s.cfg.Router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	srv.Handler = s.Wrap(srv.Handler)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.httpServer = srv
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		logrus.WithField("addr", srv.Addr).Infof("Listening on http://127.0.0.1%s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops the listener, closes bound connections, fires pending
// change notifications and flushes every resident document to persistence.
// Evictions already in flight are awaited; connections closing after
// Shutdown begins leave their document resident for the final flush.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	srv := s.httpServer
	conns := make([]core.Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		if conn != nil {
			conns = append(conns, conn)
		}
	}
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}

	for _, conn := range conns {
		_ = conn.Close()
	}

	s.scheduler.FlushAll()

	done := make(chan struct{})
	go func() {
		s.flushes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("eviction flush drain: %w", ctx.Err()))
	}

	if err := s.storeAll(ctx); err != nil {
		errs = append(errs, err)
	}

	s.scheduler.Stop()
	s.cancel()
	return errors.Join(errs...)
}

func (s *Server) storeAll(ctx context.Context) error {
	if s.cfg.Persistence == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range s.registry.entriesList() {
		e := e
		g.Go(func() error {
			if err := s.cfg.Persistence.Store(gctx, e.name, e.document); err != nil {
				return fmt.Errorf("store document %s: %w", e.name, err)
			}
			logrus.WithField("document_name", e.name).Info("Document stored on shutdown")
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) constructDocument(ctx context.Context, name string) (core.Document, error) {
	doc := s.cfg.Documents(name)
	doc.OnUpdate(func(update core.Update) {
		s.handleUpdate(name, update)
	})

	if s.cfg.Persistence != nil {
		if err := s.cfg.Persistence.Connect(ctx, name, doc); err != nil {
			doc.Destroy()
			return nil, fmt.Errorf("load document %s: %w", name, err)
		}
	}
	return doc, nil
}

func (s *Server) handleUpdate(name string, update core.Update) {
	clients := 0
	if e, ok := s.registry.Get(name); ok {
		clients = s.registry.Clients(e)
	}

	s.scheduler.Schedule(hooks.ChangePayload{
		ClientsCount:   clients,
		Document:       update.Document,
		DocumentName:   name,
		RequestHeaders: update.RequestHeaders,
	})
}

func (s *Server) fireChange(payload hooks.ChangePayload) {
	if err := hooks.Call(s.ctx, "onChange", s.cfg.OnChange, payload); err != nil {
		logrus.WithField("document_name", payload.DocumentName).WithError(err).Warn("onChange hook failed")
	}
}
