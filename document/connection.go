package document

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"collab-server/core"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 5000000
	sendBuffer     = 256
)

// Connection relays binary websocket frames between one client and its
// document. An idle connection is closed once no frame or pong arrives within
// the configured timeout.
type Connection struct {
	id       string
	ws       *websocket.Conn
	document *Document
	timeout  time.Duration
	context  any
	headers  http.Header
	onClose  func()

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection is a core.ConnectionFactory for websocket sockets bound to
// relay documents.
func NewConnection(socket core.Socket, document core.Document, opts core.ConnectionOptions) (core.Connection, error) {
	ws, ok := socket.(*websocket.Conn)
	if !ok {
		return nil, fmt.Errorf("unsupported socket type %T", socket)
	}
	doc, ok := document.(*Document)
	if !ok {
		return nil, fmt.Errorf("unsupported document type %T", document)
	}

	c := &Connection{
		id:       opts.ID,
		ws:       ws,
		document: doc,
		timeout:  opts.Timeout,
		context:  opts.Context,
		headers:  opts.RequestHeaders,
		onClose:  opts.OnClose,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}

	backlog, err := doc.attach(c)
	if err != nil {
		return nil, err
	}

	go c.writeLoop(backlog)
	go c.readLoop()

	return c, nil
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Context() any {
	return c.context
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.document.detach(c)
		close(c.done)
		_ = c.ws.Close()

		logrus.WithFields(logrus.Fields{
			"connection_id": c.id,
			"document_name": c.document.Name(),
		}).Debug("Connection closed")

		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

func (c *Connection) deliver(update []byte) {
	select {
	case c.send <- update:
	case <-c.done:
	default:
		logrus.WithField("connection_id", c.id).Warn("Send buffer full, dropping slow connection")
		go c.Close()
	}
}

func (c *Connection) extendDeadline() {
	if c.timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.timeout))
	}
}

func (c *Connection) readLoop() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithField("connection_id", c.id).WithError(err).Debug("Connection read failed")
			}
			return
		}
		c.extendDeadline()

		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := c.document.Apply(message, c); err != nil {
			logrus.WithField("connection_id", c.id).WithError(err).Warn("Failed to apply update")
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Connection) writeLoop(backlog [][]byte) {
	defer c.Close()

	for _, update := range backlog {
		if err := c.write(websocket.BinaryMessage, update); err != nil {
			return
		}
	}

	var ping <-chan time.Time
	if c.timeout > 0 {
		ticker := time.NewTicker(c.timeout * 9 / 10)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case update := <-c.send:
			if err := c.write(websocket.BinaryMessage, update); err != nil {
				return
			}
		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
