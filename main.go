package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-server/auth"
	"collab-server/config"
	"collab-server/core"
	"collab-server/handlers/api/documents"
	"collab-server/handlers/api/snapshots"
	"collab-server/handlers/monitor"
	"collab-server/hooks"
	"collab-server/server"
	"collab-server/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

func corsOptions(origins []string) cors.Options {
	options := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(origins) > 0 {
		options.AllowedOrigins = origins
		return options
	}

	options.AllowOriginFunc = func(r *http.Request, origin string) bool {
		if origin == "" {
			return false
		}

		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}

		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		}
		return false
	}
	return options
}

func setupRoutes(r chi.Router, srv *server.Server, store core.SnapshotStore, mon *monitor.Monitor) {
	r.Get("/", server.HandleOK)

	lister, _ := store.(core.DocumentLister)
	// Snapshot API routes - only available with SQLite store
	snapshotStore, hasSnapshots := store.(snapshots.SnapshotStore)

	r.Route("/api/documents", func(r chi.Router) {
		r.Get("/", documents.HandleList(srv, lister))
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", documents.HandleGet(srv, store))
			r.Get("/state", documents.HandleGetState(store))

			if hasSnapshots {
				r.Get("/snapshots", snapshots.HandleListSnapshots(snapshotStore))
				r.Get("/snapshots/count", snapshots.HandleGetSnapshotCount(snapshotStore))
				r.Get("/settings", snapshots.HandleGetDocumentSettings(snapshotStore))
				r.Put("/settings", snapshots.HandleUpdateDocumentSettings(snapshotStore))
			}
		})
	})

	if hasSnapshots {
		r.Route("/api/snapshots/{snapshotId}", func(r chi.Router) {
			r.Get("/", snapshots.HandleGetSnapshot(snapshotStore))
			r.Delete("/", snapshots.HandleDeleteSnapshot(snapshotStore))
			r.Put("/", snapshots.HandleUpdateSnapshot(snapshotStore))
			r.Post("/restore", snapshots.HandleRestoreSnapshot(snapshotStore, srv))
		})
		logrus.Info("Snapshot API routes registered")
	} else {
		logrus.Debug("Snapshot API not available - requires SQLite storage")
	}

	r.Mount("/socket.io/", mon.Handler(srv))
}

func setupHooks(cfg config.Config) (hooks.Gate[hooks.ConnectPayload], hooks.Gate[hooks.JoinPayload], error) {
	var onConnect hooks.Gate[hooks.ConnectPayload]
	if cfg.JWTSecret != "" {
		onConnect = auth.JWTConnect([]byte(cfg.JWTSecret))
		logrus.Info("Bearer token required on connect")
	}

	var onJoin hooks.Gate[hooks.JoinPayload]
	if cfg.JoinPolicy != "" {
		policy, err := auth.JoinPolicy(cfg.JoinPolicy)
		if err != nil {
			return nil, nil, err
		}
		onJoin = policy
		logrus.WithField("policy", cfg.JoinPolicy).Info("Join policy enabled")
	}

	return onConnect, onJoin, nil
}

func logChange(ctx context.Context, data hooks.ChangePayload) error {
	logrus.WithFields(logrus.Fields{
		"document_name": data.DocumentName,
		"clients":       data.ClientsCount,
	}).Debug("Document changed")
	return nil
}

func issueToken(secret, subject, role string, ttl time.Duration) {
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is not set")
		os.Exit(1)
	}
	token, err := auth.NewToken([]byte(secret), subject, subject, role, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Warn("Failed to load .env file")
	}

	logLevel := flag.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", "", "Set the server listen address (defaults to :$PORT)")
	tokenSubject := flag.String("issue-token", "", "Print a signed token for this subject and exit")
	tokenRole := flag.String("token-role", "", "Role claim of the issued token")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of the issued token")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg := config.Load()
	if *tokenSubject != "" {
		issueToken(cfg.JWTSecret, *tokenSubject, *tokenRole, *tokenTTL)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	store, err := stores.GetStore(ctx, cfg.Storage)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open storage")
	}
	if closer, ok := store.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close storage")
			}
		}()
	}

	mon := monitor.New()
	onConnect, onJoin, err := setupHooks(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid hook configuration")
	}

	addr := *listenAddr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(cors.Handler(corsOptions(cfg.CORSOrigins)))

	srv := server.New(server.Config{
		Debounce:            cfg.Debounce,
		DebounceMaxWait:     cfg.DebounceMaxWait,
		DebounceScope:       cfg.DebounceScope,
		HTTPServer:          &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second},
		Router:              r,
		PassthroughPrefixes: []string{"/socket.io/"},
		Persistence:         stores.NewPersistence(store),
		PersistRetries:      cfg.PersistRetries,
		PersistBackoff:      cfg.PersistBackoff,
		Port:                cfg.Port,
		Timeout:             cfg.Timeout,
		HookTimeout:         cfg.HookTimeout,
		OnConnect:           onConnect,
		OnJoinDocument:      onJoin,
		OnConnected:         mon.OnConnected,
		OnChange:            hooks.Chain[hooks.ChangePayload](logChange, mon.OnChange),
		OnDisconnect:        hooks.Chain[hooks.DisconnectPayload](mon.OnDisconnect),
	})
	setupRoutes(r, srv, store, mon)

	logrus.WithField("addr", addr).Info("starting server")
	if err := srv.ListenAndServe(ctx); err != nil {
		logrus.WithError(err).Error("Server stopped with error")
	}
	mon.Close()
	logrus.Info("Server stopped")
}
