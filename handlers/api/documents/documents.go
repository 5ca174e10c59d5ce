package documents

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"

	"collab-server/core"
	"collab-server/server"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	// LiveDocuments reports documents currently held in memory.
	LiveDocuments interface {
		Documents() []server.DocumentInfo
		Document(name string) (server.DocumentInfo, bool)
	}

	DocumentResponse struct {
		Name      string `json:"name"`
		Clients   int    `json:"clients"`
		Loaded    bool   `json:"loaded"`
		Draining  bool   `json:"draining,omitempty"`
		Size      *int   `json:"size,omitempty"`
		UpdatedAt *int64 `json:"updated_at,omitempty"`
	}
)

// NameParam returns the unescaped {name} URL parameter. Names containing
// "/" must be sent escaped as %2F.
func NameParam(r *http.Request) string {
	raw := chi.URLParam(r, "name")
	name, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return name
}

// HandleList merges live documents with those known to the store. stored
// may be nil when the storage backend cannot list.
func HandleList(live LiveDocuments, stored core.DocumentLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byName := make(map[string]*DocumentResponse)
		for _, info := range live.Documents() {
			byName[info.Name] = &DocumentResponse{
				Name:     info.Name,
				Clients:  info.Clients,
				Loaded:   true,
				Draining: info.Draining,
			}
		}

		if stored != nil {
			docs, err := stored.ListDocuments(r.Context())
			if err != nil {
				logrus.WithError(err).Warn("Failed to list stored documents")
			}
			for _, doc := range docs {
				entry, exists := byName[doc.Name]
				if !exists {
					entry = &DocumentResponse{Name: doc.Name}
					byName[doc.Name] = entry
				}
				size, updatedAt := doc.Size, doc.UpdatedAt
				entry.Size = &size
				if updatedAt > 0 {
					entry.UpdatedAt = &updatedAt
				}
			}
		}

		list := make([]DocumentResponse, 0, len(byName))
		for _, entry := range byName {
			list = append(list, *entry)
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].Clients != list[j].Clients {
				return list[i].Clients > list[j].Clients
			}
			li, lj := updatedAt(list[i]), updatedAt(list[j])
			if li != lj {
				return li > lj
			}
			return list[i].Name < list[j].Name
		})

		render.JSON(w, r, list)
	}
}

func updatedAt(d DocumentResponse) int64 {
	if d.UpdatedAt == nil {
		return 0
	}
	return *d.UpdatedAt
}

// HandleGet describes one document, live or stored.
func HandleGet(live LiveDocuments, store core.SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := NameParam(r)
		log := logrus.WithField("document_name", name)

		response := DocumentResponse{Name: name}
		info, loaded := live.Document(name)
		if loaded {
			response.Clients = info.Clients
			response.Loaded = true
			response.Draining = info.Draining
		}

		data, err := store.Load(r.Context(), name)
		switch {
		case err == nil:
			size := len(data)
			response.Size = &size
		case errors.Is(err, core.ErrNotFound):
			if !loaded {
				http.Error(w, "Document not found", http.StatusNotFound)
				return
			}
		default:
			log.WithError(err).Error("Failed to load document")
			http.Error(w, "Failed to load document", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, response)
	}
}

// HandleGetState returns the last persisted state of a document.
func HandleGetState(store core.SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := NameParam(r)

		data, err := load(r.Context(), store, name)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				http.Error(w, "Document not found", http.StatusNotFound)
				return
			}
			http.Error(w, "Failed to load document", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			logrus.WithField("document_name", name).WithError(err).Warn("Failed to write document state")
		}
	}
}

func load(ctx context.Context, store core.SnapshotStore, name string) ([]byte, error) {
	data, err := store.Load(ctx, name)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		logrus.WithField("document_name", name).WithError(err).Error("Failed to load document")
	}
	return data, err
}
