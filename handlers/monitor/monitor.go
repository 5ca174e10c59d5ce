// Package monitor streams document activity to socket.io dashboards. A
// watcher joins a document's room and receives clients-change and
// document-change events as the collaboration server fires its hooks.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"sync"

	"collab-server/hooks"
	"collab-server/server"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// allRoom receives events for every document.
const allRoom socketio.Room = "*"

type ackInvoker func(err error, payload map[string]any)

// Source answers point-in-time questions about live documents.
type Source interface {
	Document(name string) (server.DocumentInfo, bool)
	Documents() []server.DocumentInfo
}

type Monitor struct {
	io     *socketio.Server
	source Source

	mu      sync.RWMutex
	clients map[string]int
}

func New() *Monitor {
	opts := socketio.DefaultServerOptions()
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	opts.SetCors(&types.Cors{
		Origin:      []any{localhostOrigin},
		Credentials: true,
	})

	m := &Monitor{
		io:      socketio.NewServer(nil, opts),
		clients: make(map[string]int),
	}

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	m.io.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}
		m.handleConnection(socket)
	})

	return m
}

// Handler serves the socket.io endpoint. source answers watch requests.
func (m *Monitor) Handler(source Source) http.Handler {
	m.source = source
	return m.io.ServeHandler(nil)
}

func (m *Monitor) Close() {
	m.io.Close(nil)
}

func (m *Monitor) handleConnection(socket *socketio.Socket) {
	log := logrus.WithField("socket_id", socket.Id())
	log.Debug("Monitor connected")

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("watch", func(datas ...any) {
		ack, args := extractAck(datas)
		name, err := documentArg(args)
		if err != nil {
			respondWithAck(socket, ack, "watch-ack", map[string]any{
				"status": "error",
				"error":  err.Error(),
			}, err)
			return
		}

		if name == "" {
			socket.Join(allRoom)
			log.Debug("Monitor watching all documents")
			respondWithAck(socket, ack, "watch-ack", map[string]any{
				"status":    "ok",
				"documents": m.source.Documents(),
			}, nil)
			return
		}

		socket.Join(socketio.Room(name))
		log.WithField("document_name", name).Debug("Monitor watching document")

		payload := map[string]any{
			"status":   "ok",
			"document": name,
			"clients":  0,
			"loaded":   false,
		}
		if info, ok := m.source.Document(name); ok {
			payload["clients"] = info.Clients
			payload["loaded"] = true
		}
		respondWithAck(socket, ack, "watch-ack", payload, nil)
	})

	//nolint:errcheck // Socket.IO event handlers do not return useful errors
	socket.On("unwatch", func(datas ...any) {
		_, args := extractAck(datas)
		name, err := documentArg(args)
		if err != nil {
			return
		}
		if name == "" {
			socket.Leave(allRoom)
			return
		}
		socket.Leave(socketio.Room(name))
	})

	socket.On("disconnect", func(datas ...any) {
		log.Debug("Monitor disconnected")
		socket.RemoveAllListeners("")
	})
}

// ActiveDocuments returns the client count last reported for each document
// that still has clients.
func (m *Monitor) ActiveDocuments() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	documents := make(map[string]int, len(m.clients))
	for name, count := range m.clients {
		documents[name] = count
	}
	return documents
}

func (m *Monitor) setClients(name string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if count <= 0 {
		delete(m.clients, name)
		return
	}
	m.clients[name] = count
}

func (m *Monitor) emit(name, event string, payload map[string]any) {
	for _, room := range []socketio.Room{socketio.Room(name), allRoom} {
		if err := m.io.To(room).Emit(event, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"document_name": name,
				"event":         event,
			}).WithError(err).Warn("Failed to emit monitor event")
		}
	}
}

// OnChange is an onChange listener.
func (m *Monitor) OnChange(ctx context.Context, data hooks.ChangePayload) error {
	m.emit(data.DocumentName, "document-change", map[string]any{
		"document": data.DocumentName,
		"clients":  data.ClientsCount,
	})
	return nil
}

// OnDisconnect is an onDisconnect listener.
func (m *Monitor) OnDisconnect(ctx context.Context, data hooks.DisconnectPayload) error {
	m.setClients(data.DocumentName, data.ClientsCount)
	m.emit(data.DocumentName, "clients-change", map[string]any{
		"document": data.DocumentName,
		"clients":  data.ClientsCount,
	})
	return nil
}

// OnConnected is an onConnected listener. It runs after admission, so the
// count includes the new connection.
func (m *Monitor) OnConnected(ctx context.Context, data hooks.ConnectedPayload) error {
	m.setClients(data.DocumentName, data.ClientsCount)
	m.emit(data.DocumentName, "clients-change", map[string]any{
		"document": data.DocumentName,
		"clients":  data.ClientsCount,
	})
	return nil
}

func documentArg(args []any) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	name, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("invalid document name")
	}
	return name, nil
}

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload map[string]any) {
		value.Call(buildAckArgs(typ, err, payload))
	}
}

func buildAckArgs(typ reflect.Type, err error, payload map[string]any) []reflect.Value {
	numIn := typ.NumIn()
	args := make([]reflect.Value, numIn)

	for i := 0; i < numIn; i++ {
		var argValue any
		switch {
		case numIn == 1 && err != nil:
			argValue = err
		case numIn == 1:
			argValue = payload
		case i == 0:
			argValue = err
		case i == 1:
			argValue = payload
		}
		args[i] = coerceValue(argValue, typ.In(i))
	}
	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	switch {
	case rv.Type().AssignableTo(targetType):
		return rv
	case rv.Type().ConvertibleTo(targetType):
		return rv.Convert(targetType)
	case targetType.Kind() == reflect.Interface && targetType.NumMethod() == 0:
		return rv
	case targetType.Kind() == reflect.String:
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}
	return reflect.Zero(targetType)
}

func respondWithAck(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any, ackErr error) {
	if ack != nil {
		ack(ackErr, payload)
	}

	if event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}
