package server

import (
	"net/http"
	"time"

	"collab-server/core"
	"collab-server/document"
	"collab-server/hooks"
)

const (
	ScopeDocument = "document"
	ScopeGlobal   = "global"

	DefaultDebounce        = 2 * time.Second
	DefaultDebounceMaxWait = 10 * time.Second
	DefaultPort            = 80
	DefaultTimeout         = 30 * time.Second
	DefaultPersistRetries  = 3
	DefaultPersistBackoff  = 500 * time.Millisecond
)

// Config holds the server options. Zero values are replaced by defaults in
// New, except Debounce, where zero disables coalescing.
type Config struct {
	// Debounce is the coalescing delay for change notifications.
	Debounce        time.Duration
	DebounceMaxWait time.Duration
	// DebounceScope selects one coalescing window per document
	// (ScopeDocument) or a single window shared by all documents
	// (ScopeGlobal).
	DebounceScope string

	// HTTPServer, when set, is used instead of a default listener. Its
	// Handler is wrapped so upgrade requests reach the gate.
	HTTPServer *http.Server
	// Router serves every non-upgrade request of the default listener.
	Router http.Handler
	// PassthroughPrefixes lists path prefixes whose upgrade requests bypass
	// the gate and go to Router, e.g. a socket.io endpoint.
	PassthroughPrefixes []string

	Persistence    core.Persistence
	PersistRetries int
	PersistBackoff time.Duration

	Port        int
	Timeout     time.Duration
	HookTimeout time.Duration

	Documents   core.DocumentFactory
	Connections core.ConnectionFactory

	OnChange  hooks.Listener[hooks.ChangePayload]
	OnConnect hooks.Gate[hooks.ConnectPayload]
	// OnConnected fires once a connection has been admitted and bound, with
	// the client count that includes it.
	OnConnected    hooks.Listener[hooks.ConnectedPayload]
	OnDisconnect   hooks.Listener[hooks.DisconnectPayload]
	OnJoinDocument hooks.Gate[hooks.JoinPayload]
}

func (c Config) withDefaults() Config {
	if c.DebounceMaxWait <= 0 {
		c.DebounceMaxWait = DefaultDebounceMaxWait
	}
	if c.DebounceScope == "" {
		c.DebounceScope = ScopeDocument
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = DefaultPersistRetries
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = DefaultPersistBackoff
	}
	if c.Documents == nil {
		c.Documents = document.Factory
	}
	if c.Connections == nil {
		c.Connections = document.NewConnection
	}
	if c.OnConnect == nil {
		c.OnConnect = hooks.Allow[hooks.ConnectPayload]
	}
	if c.OnJoinDocument == nil {
		c.OnJoinDocument = hooks.Allow[hooks.JoinPayload]
	}
	if c.Router == nil {
		c.Router = DefaultRouter()
	}
	return c
}
