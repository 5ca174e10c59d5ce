package hooks

import (
	"net/http"

	"collab-server/core"
)

type (
	ConnectPayload struct {
		RequestHeaders http.Header
	}

	JoinPayload struct {
		ClientsCount   int
		Context        any
		Document       core.Document
		DocumentName   string
		RequestHeaders http.Header
	}

	ConnectedPayload struct {
		ClientsCount   int
		ConnectionID   string
		Context        any
		Document       core.Document
		DocumentName   string
		RequestHeaders http.Header
	}

	ChangePayload struct {
		ClientsCount   int
		Document       core.Document
		DocumentName   string
		RequestHeaders http.Header
	}

	// DisconnectPayload carries the client count after the leaving
	// connection has been subtracted.
	DisconnectPayload struct {
		ClientsCount   int
		Document       core.Document
		DocumentName   string
		RequestHeaders http.Header
	}
)
