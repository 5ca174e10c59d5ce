package server

import (
	"net/http"

	"collab-server/hooks"

	"github.com/sirupsen/logrus"
)

// handleUpgrade runs the connect hook before the websocket handshake. A
// refused request never gets a handshake: its socket is closed as is.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	log := logrus.WithFields(logrus.Fields{
		"remote_addr": r.RemoteAddr,
		"path":        r.URL.Path,
	})

	ctx, cancel := s.hookContext(r.Context())
	authContext, err := hooks.Dispatch(ctx, "onConnect", s.cfg.OnConnect, hooks.ConnectPayload{
		RequestHeaders: r.Header,
	})
	cancel()
	if err != nil {
		log.WithError(err).Info("Connection refused")
		refuse(w)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		log.WithError(err).Warn("Websocket handshake failed")
		return
	}

	if err := s.bind(ws, r, authContext); err != nil {
		log.WithError(err).Info("Connection not bound")
	}
}

func refuse(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	conn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	_ = conn.Close()
}
