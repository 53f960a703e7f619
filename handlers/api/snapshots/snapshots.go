package snapshots

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"drawsync/core"
	"drawsync/replica"
	"drawsync/stores/sqlite"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	CreateSnapshotRequest struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Thumbnail   string `json:"thumbnail"`
		CreatedBy   string `json:"created_by"`
		// Data is a base64 encoded document state. Empty means capture the
		// room as it is now.
		Data string `json:"data"`
	}

	CreateSnapshotResponse struct {
		ID string `json:"id"`
	}

	UpdateSnapshotRequest struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}

	UpdateSettingsRequest struct {
		MaxSnapshots     int `json:"max_snapshots"`
		AutoSaveInterval int `json:"auto_save_interval"`
	}

	SnapshotStore interface {
		CreateSnapshot(ctx context.Context, roomID, name, description, thumbnail, createdBy string, data []byte) (string, error)
		UpsertAutosaveSnapshot(ctx context.Context, roomID string, data []byte) (string, error)
		ListSnapshots(ctx context.Context, roomID string) ([]sqlite.Snapshot, error)
		GetSnapshot(ctx context.Context, id string) (*sqlite.Snapshot, error)
		DeleteSnapshot(ctx context.Context, id string) error
		UpdateSnapshotMetadata(ctx context.Context, id, name, description string) error
		GetRoomSettings(ctx context.Context, roomID string) (*sqlite.RoomSettings, error)
		UpdateRoomSettings(ctx context.Context, roomID string, maxSnapshots, autoSaveInterval int) error
		DeleteRoom(ctx context.Context, roomID string) error
	}

	// Rooms gives access to room documents, live or stored.
	Rooms interface {
		ActiveRooms() map[string]int
		State(ctx context.Context, roomID string) ([]byte, error)
		Restore(ctx context.Context, roomID string, state []byte) error
	}
)

func writeStoreError(w http.ResponseWriter, err error, notFound, failed string) {
	if errors.Is(err, core.ErrNotFound) {
		http.Error(w, notFound, http.StatusNotFound)
		return
	}
	http.Error(w, failed, http.StatusInternalServerError)
}

// HandleCreateSnapshot creates a new snapshot for a room
func HandleCreateSnapshot(store SnapshotStore, rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		var req CreateSnapshotRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		var data []byte
		if req.Data == "" {
			data, err = rooms.State(r.Context(), roomID)
			if err != nil {
				logrus.WithError(err).WithField("room_id", roomID).Error("Failed to capture room")
				writeStoreError(w, err, "Room not found", "Failed to create snapshot")
				return
			}
		} else {
			data, err = base64.StdEncoding.DecodeString(req.Data)
			if err != nil || !replica.ValidUpdate(data) {
				http.Error(w, "Invalid snapshot data", http.StatusBadRequest)
				return
			}
		}

		id, err := store.CreateSnapshot(r.Context(), roomID, req.Name, req.Description, req.Thumbnail, req.CreatedBy, data)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to create snapshot")
			http.Error(w, "Failed to create snapshot", http.StatusInternalServerError)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CreateSnapshotResponse{ID: id})
	}
}

// HandleAutosave overwrites the room's autosave snapshot with its current
// document.
func HandleAutosave(store SnapshotStore, rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		data, err := rooms.State(r.Context(), roomID)
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Error("Failed to capture room")
			writeStoreError(w, err, "Room not found", "Failed to autosave")
			return
		}

		id, err := store.UpsertAutosaveSnapshot(r.Context(), roomID, data)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to autosave")
			http.Error(w, "Failed to autosave", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, CreateSnapshotResponse{ID: id})
	}
}

// HandleListSnapshots lists all snapshots for a room
func HandleListSnapshots(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		snapshots, err := store.ListSnapshots(r.Context(), roomID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list snapshots")
			http.Error(w, "Failed to list snapshots", http.StatusInternalServerError)
			return
		}

		if snapshots == nil {
			snapshots = []sqlite.Snapshot{}
		}

		render.JSON(w, r, snapshots)
	}
}

// HandleGetSnapshotCount returns the count of snapshots for a room
func HandleGetSnapshotCount(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		snapshots, err := store.ListSnapshots(r.Context(), roomID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list snapshots")
			http.Error(w, "Failed to get snapshot count", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, map[string]int{"count": len(snapshots)})
	}
}

func HandleGetSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		snapshot, err := store.GetSnapshot(r.Context(), snapshotID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to get snapshot")
			writeStoreError(w, err, "Snapshot not found", "Failed to get snapshot")
			return
		}

		render.JSON(w, r, snapshot)
	}
}

func HandleDeleteSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		err := store.DeleteSnapshot(r.Context(), snapshotID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to delete snapshot")
			writeStoreError(w, err, "Snapshot not found", "Failed to delete snapshot")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleUpdateSnapshot renames a snapshot
func HandleUpdateSnapshot(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		var req UpdateSnapshotRequest
		body, err := io.ReadAll(r.Body)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to read request body")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		err = json.Unmarshal(body, &req)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		err = store.UpdateSnapshotMetadata(r.Context(), snapshotID, req.Name, req.Description)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to update snapshot")
			writeStoreError(w, err, "Snapshot not found", "Failed to update snapshot")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRestoreSnapshot replaces the snapshot's room content with the
// snapshot. Connected peers see the change as a normal edit.
func HandleRestoreSnapshot(store SnapshotStore, rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshotID := chi.URLParam(r, "snapshotId")

		snapshot, err := store.GetSnapshot(r.Context(), snapshotID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to get snapshot")
			writeStoreError(w, err, "Snapshot not found", "Failed to get snapshot")
			return
		}

		if err := rooms.Restore(r.Context(), snapshot.RoomID, snapshot.Data); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id":     snapshot.RoomID,
				"snapshot_id": snapshotID,
			}).Error("Failed to restore snapshot")
			http.Error(w, "Failed to restore snapshot", http.StatusInternalServerError)
			return
		}

		logrus.WithFields(logrus.Fields{
			"room_id":     snapshot.RoomID,
			"snapshot_id": snapshotID,
		}).Info("Snapshot restored")
		w.WriteHeader(http.StatusNoContent)
	}
}

func HandleGetRoomSettings(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		settings, err := store.GetRoomSettings(r.Context(), roomID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to get room settings")
			http.Error(w, "Failed to get room settings", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, settings)
	}
}

// HandleUpdateRoomSettings updates room settings. Out of range values fall
// back to the defaults.
func HandleUpdateRoomSettings(store SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		var req UpdateSettingsRequest
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if req.MaxSnapshots < 1 {
			req.MaxSnapshots = sqlite.DefaultMaxSnapshots
		}
		if req.AutoSaveInterval < 60 {
			req.AutoSaveInterval = sqlite.DefaultAutoSaveInterval
		}

		err = store.UpdateRoomSettings(r.Context(), roomID, req.MaxSnapshots, req.AutoSaveInterval)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to update room settings")
			http.Error(w, "Failed to update room settings", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleDeleteRoom removes a room with its snapshots and settings. Rooms with
// connected peers are refused since the relay would write them back.
func HandleDeleteRoom(store SnapshotStore, rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		if rooms.ActiveRooms()[roomID] > 0 {
			http.Error(w, "Room is in use", http.StatusConflict)
			return
		}

		if err := store.DeleteRoom(r.Context(), roomID); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Error("Failed to delete room")
			http.Error(w, "Failed to delete room", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
