package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"collab-server/core"
	"collab-server/handlers/api/documents"
	"collab-server/server"
	"collab-server/stores/sqlite"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

const maxSnapshotsLimit = 100

type (
	UpdateSnapshotRequest struct {
		Label string `json:"label"`
	}

	UpdateSettingsRequest struct {
		MaxSnapshots *int `json:"max_snapshots"`
	}

	SnapshotStore interface {
		Save(ctx context.Context, name string, data []byte) error
		ListSnapshots(ctx context.Context, name string) ([]sqlite.Snapshot, error)
		GetSnapshot(ctx context.Context, id string) (*sqlite.Snapshot, error)
		DeleteSnapshot(ctx context.Context, id string) error
		LabelSnapshot(ctx context.Context, id, label string) error
		GetDocumentSettings(ctx context.Context, name string) (*sqlite.DocumentSettings, error)
		UpdateDocumentSettings(ctx context.Context, name string, maxSnapshots int) error
	}

	// LoadGuard keeps a document unloaded while fn runs, or returns
	// server.ErrDocumentLoaded.
	LoadGuard interface {
		WhileUnloaded(name string, fn func() error) error
	}
)

// HandleListSnapshots lists a document's snapshots, newest first.
func HandleListSnapshots(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := documents.NameParam(r)

		snapshots, err := store.ListSnapshots(r.Context(), name)
		if err != nil {
			logrus.WithField("document_name", name).WithError(err).Error("Failed to list snapshots")
			http.Error(w, "Failed to list snapshots", http.StatusInternalServerError)
			return
		}

		if snapshots == nil {
			snapshots = []sqlite.Snapshot{}
		}

		render.JSON(w, r, snapshots)
	}
}

func HandleGetSnapshotCount(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := documents.NameParam(r)

		snapshots, err := store.ListSnapshots(r.Context(), name)
		if err != nil {
			logrus.WithField("document_name", name).WithError(err).Error("Failed to list snapshots")
			http.Error(w, "Failed to get snapshot count", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, map[string]int{"count": len(snapshots)})
	}
}

// HandleGetSnapshot returns a snapshot including its data.
func HandleGetSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		snapshot, err := store.GetSnapshot(r.Context(), snapshotID)
		if err != nil {
			writeStoreError(w, err, "Failed to get snapshot")
			return
		}

		render.JSON(w, r, snapshot)
	}
}

func HandleDeleteSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		if err := store.DeleteSnapshot(r.Context(), snapshotID); err != nil {
			writeStoreError(w, err, "Failed to delete snapshot")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleUpdateSnapshot sets a snapshot's label.
func HandleUpdateSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		var req UpdateSnapshotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithError(err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if err := store.LabelSnapshot(r.Context(), snapshotID, req.Label); err != nil {
			writeStoreError(w, err, "Failed to update snapshot")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRestoreSnapshot writes a snapshot back as its document's stored
// state. Live documents are refused; their next flush would overwrite it.
// The document cannot be loaded while the write is in progress.
func HandleRestoreSnapshot(store SnapshotStore, guard LoadGuard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		snapshot, err := store.GetSnapshot(r.Context(), snapshotID)
		if err != nil {
			writeStoreError(w, err, "Failed to get snapshot")
			return
		}

		log := logrus.WithFields(logrus.Fields{
			"document_name": snapshot.DocumentName,
			"snapshot_id":   snapshotID,
		})

		err = guard.WhileUnloaded(snapshot.DocumentName, func() error {
			return store.Save(r.Context(), snapshot.DocumentName, snapshot.Data)
		})
		switch {
		case errors.Is(err, server.ErrDocumentLoaded):
			log.Warn("Refusing to restore a loaded document")
			http.Error(w, "Document is loaded", http.StatusConflict)
			return
		case err != nil:
			log.WithError(err).Error("Failed to restore snapshot")
			http.Error(w, "Failed to restore snapshot", http.StatusInternalServerError)
			return
		}

		log.Info("Snapshot restored")
		w.WriteHeader(http.StatusNoContent)
	}
}

func HandleGetDocumentSettings(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := documents.NameParam(r)

		settings, err := store.GetDocumentSettings(r.Context(), name)
		if err != nil {
			logrus.WithField("document_name", name).WithError(err).Error("Failed to get document settings")
			http.Error(w, "Failed to get document settings", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, settings)
	}
}

// HandleUpdateDocumentSettings sets how many snapshots a document keeps.
// Zero disables snapshot history.
func HandleUpdateDocumentSettings(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := documents.NameParam(r)

		var req UpdateSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithError(err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		maxSnapshots := sqlite.DefaultMaxSnapshots
		if req.MaxSnapshots != nil {
			maxSnapshots = *req.MaxSnapshots
		}
		if maxSnapshots < 0 || maxSnapshots > maxSnapshotsLimit {
			http.Error(w, "max_snapshots out of range", http.StatusBadRequest)
			return
		}

		if err := store.UpdateDocumentSettings(r.Context(), name, maxSnapshots); err != nil {
			logrus.WithField("document_name", name).WithError(err).Error("Failed to update document settings")
			http.Error(w, "Failed to update document settings", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func writeStoreError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, core.ErrNotFound) {
		http.Error(w, "Snapshot not found", http.StatusNotFound)
		return
	}
	logrus.WithError(err).Error(message)
	http.Error(w, message, http.StatusInternalServerError)
}
