package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	stdlog "log"
	"time"

	"drawsync/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxSnapshots     = 10
	DefaultAutoSaveInterval = 300

	autosaveName = "autosave"
)

// Snapshot is a named copy of a room's encoded document.
type Snapshot struct {
	ID          string `json:"id"`
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Thumbnail   string `json:"thumbnail"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   int64  `json:"created_at"`
	Data        []byte `json:"data,omitempty"`
}

type RoomSettings struct {
	RoomID           string `json:"room_id"`
	MaxSnapshots     int    `json:"max_snapshots"`
	AutoSaveInterval int    `json:"auto_save_interval"`
}

type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		data BLOB,
		last_active INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		file_name TEXT,
		content_type TEXT,
		data BLOB NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		name TEXT,
		description TEXT,
		thumbnail TEXT,
		created_by TEXT,
		created_at INTEGER NOT NULL,
		data BLOB NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS room_settings (
		room_id TEXT PRIMARY KEY,
		max_snapshots INTEGER DEFAULT 10,
		auto_save_interval INTEGER DEFAULT 300
	);`,
}

func NewStore(dataSourceName string) *Store {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		stdlog.Fatal(err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			stdlog.Fatal(err)
		}
	}
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindRoom(ctx context.Context, roomID string) (*core.Document, error) {
	log := logrus.WithField("room_id", roomID)
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM rooms WHERE id = ? AND data IS NOT NULL", roomID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("Room has no stored document")
			return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to retrieve room")
		return nil, err
	}
	log.WithField("data_length", len(data)).Debug("Room retrieved successfully")
	return &core.Document{Data: *bytes.NewBuffer(data)}, nil
}

func (s *Store) SaveRoom(ctx context.Context, roomID string, document *core.Document) error {
	data := document.Data.Bytes()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, data, last_active) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data, last_active = excluded.last_active",
		roomID, data, time.Now().UnixMilli())
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Error("Failed to save room")
		return err
	}
	return nil
}

func (s *Store) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, last_active) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET last_active = excluded.last_active",
		roomID, time.Now().UnixMilli())
	return err
}

func (s *Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_active FROM rooms ORDER BY last_active DESC, id ASC")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	rooms := make([]core.Room, 0)
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *Store) PutAsset(ctx context.Context, blob *core.Blob) (string, error) {
	id := blob.ID
	if id == "" {
		id = ulid.Make().String()
	}
	log := logrus.WithFields(logrus.Fields{
		"asset_id":    id,
		"data_length": len(blob.Data),
	})
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO assets (id, file_name, content_type, data) VALUES (?, ?, ?, ?)",
		id, blob.FileName, blob.ContentType, blob.Data)
	if err != nil {
		log.WithError(err).Error("Failed to store asset")
		return "", err
	}
	log.Info("Asset stored successfully")
	return id, nil
}

func (s *Store) GetAsset(ctx context.Context, id string) (*core.Blob, error) {
	blob := core.Blob{ID: id}
	var fileName, contentType sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT file_name, content_type, data FROM assets WHERE id = ?", id).
		Scan(&fileName, &contentType, &blob.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("asset %s: %w", id, core.ErrNotFound)
		}
		return nil, err
	}
	blob.FileName = fileName.String
	blob.ContentType = contentType.String
	return &blob, nil
}

// CreateSnapshot stores a new snapshot, evicting the oldest one when the room
// is at its limit.
func (s *Store) CreateSnapshot(ctx context.Context, roomID, name, description, thumbnail, createdBy string, data []byte) (string, error) {
	id := ulid.Make().String()
	log := logrus.WithFields(logrus.Fields{
		"snapshot_id": id,
		"room_id":     roomID,
		"data_length": len(data),
	})

	settings, err := s.GetRoomSettings(ctx, roomID)
	if err != nil {
		return "", err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots WHERE room_id = ?", roomID).Scan(&count); err != nil {
		log.WithError(err).Error("Failed to count snapshots")
		return "", err
	}
	if count >= settings.MaxSnapshots {
		_, err = s.db.ExecContext(ctx,
			"DELETE FROM snapshots WHERE id = (SELECT id FROM snapshots WHERE room_id = ? ORDER BY created_at ASC, id ASC LIMIT 1)",
			roomID)
		if err != nil {
			log.WithError(err).Error("Failed to delete oldest snapshot")
		}
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO snapshots (id, room_id, name, description, thumbnail, created_by, created_at, data) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		id, roomID, name, description, thumbnail, createdBy, ulid.Now(), data)
	if err != nil {
		log.WithError(err).Error("Failed to create snapshot")
		return "", err
	}

	log.Info("Snapshot created successfully")
	return id, nil
}

// UpsertAutosaveSnapshot keeps exactly one autosave snapshot per room.
func (s *Store) UpsertAutosaveSnapshot(ctx context.Context, roomID string, data []byte) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM snapshots WHERE room_id = ? AND name = ? ORDER BY created_at DESC LIMIT 1",
		roomID, autosaveName).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.CreateSnapshot(ctx, roomID, autosaveName, "", "", "", data)
	case err != nil:
		return "", err
	}

	_, err = s.db.ExecContext(ctx, "UPDATE snapshots SET data = ?, created_at = ? WHERE id = ?", data, ulid.Now(), id)
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"snapshot_id": id, "room_id": roomID}).Debug("Autosave snapshot updated")
	return id, nil
}

func (s *Store) ListSnapshots(ctx context.Context, roomID string) ([]Snapshot, error) {
	log := logrus.WithField("room_id", roomID)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, room_id, name, description, thumbnail, created_by, created_at FROM snapshots WHERE room_id = ? ORDER BY created_at DESC, id DESC",
		roomID)
	if err != nil {
		log.WithError(err).Error("Failed to list snapshots")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close snapshot rows")
		}
	}()

	var snapshots []Snapshot
	for rows.Next() {
		var snapshot Snapshot
		var name, description, thumbnail, createdBy sql.NullString
		if err := rows.Scan(&snapshot.ID, &snapshot.RoomID, &name, &description, &thumbnail, &createdBy, &snapshot.CreatedAt); err != nil {
			log.WithError(err).Error("Failed to scan snapshot")
			continue
		}
		snapshot.Name = name.String
		snapshot.Description = description.String
		snapshot.Thumbnail = thumbnail.String
		snapshot.CreatedBy = createdBy.String
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	var snapshot Snapshot
	var name, description, thumbnail, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, room_id, name, description, thumbnail, created_by, created_at, data FROM snapshots WHERE id = ?",
		id).Scan(&snapshot.ID, &snapshot.RoomID, &name, &description, &thumbnail, &createdBy, &snapshot.CreatedAt, &snapshot.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", id, core.ErrNotFound)
		}
		logrus.WithError(err).WithField("snapshot_id", id).Error("Failed to retrieve snapshot")
		return nil, err
	}

	snapshot.Name = name.String
	snapshot.Description = description.String
	snapshot.Thumbnail = thumbnail.String
	snapshot.CreatedBy = createdBy.String
	return &snapshot, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectOne(result, "snapshot", id)
}

func (s *Store) UpdateSnapshotMetadata(ctx context.Context, id, name, description string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE snapshots SET name = ?, description = ? WHERE id = ?",
		name, description, id)
	if err != nil {
		return err
	}
	return expectOne(result, "snapshot", id)
}

func (s *Store) GetRoomSettings(ctx context.Context, roomID string) (*RoomSettings, error) {
	settings := RoomSettings{RoomID: roomID}
	err := s.db.QueryRowContext(ctx,
		"SELECT max_snapshots, auto_save_interval FROM room_settings WHERE room_id = ?",
		roomID).Scan(&settings.MaxSnapshots, &settings.AutoSaveInterval)
	if errors.Is(err, sql.ErrNoRows) {
		return &RoomSettings{
			RoomID:           roomID,
			MaxSnapshots:     DefaultMaxSnapshots,
			AutoSaveInterval: DefaultAutoSaveInterval,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Store) UpdateRoomSettings(ctx context.Context, roomID string, maxSnapshots, autoSaveInterval int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO room_settings (room_id, max_snapshots, auto_save_interval) VALUES (?, ?, ?) ON CONFLICT(room_id) DO UPDATE SET max_snapshots = excluded.max_snapshots, auto_save_interval = excluded.auto_save_interval",
		roomID, maxSnapshots, autoSaveInterval)
	return err
}

// DeleteRoom removes a room with its snapshots and settings in one
// transaction.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range []string{
		"DELETE FROM snapshots WHERE room_id = ?",
		"DELETE FROM room_settings WHERE room_id = ?",
		"DELETE FROM rooms WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, roomID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logrus.WithField("room_id", roomID).Info("Room deleted")
	return nil
}

func expectOne(result sql.Result, what, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, core.ErrNotFound)
	}
	return nil
}
