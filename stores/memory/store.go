package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"drawsync/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Store struct {
	mu     sync.RWMutex
	rooms  map[string][]byte
	active map[string]int64
	assets map[string]core.Blob
}

func NewStore() *Store {
	return &Store{
		rooms:  make(map[string][]byte),
		active: make(map[string]int64),
		assets: make(map[string]core.Blob),
	}
}

func (s *Store) FindRoom(ctx context.Context, roomID string) (*core.Document, error) {
	s.mu.RLock()
	data, ok := s.rooms[roomID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrNotFound)
	}
	return &core.Document{Data: *bytes.NewBuffer(bytes.Clone(data))}, nil
}

func (s *Store) SaveRoom(ctx context.Context, roomID string, document *core.Document) error {
	data := bytes.Clone(document.Data.Bytes())

	s.mu.Lock()
	s.rooms[roomID] = data
	s.active[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"room_id":     roomID,
		"data_length": len(data),
	}).Debug("Room saved")
	return nil
}

func (s *Store) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	s.active[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.active))
	for id, last := range s.active {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}

func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, roomID)
	delete(s.rooms, roomID)
	return nil
}

func (s *Store) PutAsset(ctx context.Context, blob *core.Blob) (string, error) {
	id := blob.ID
	if id == "" {
		id = ulid.Make().String()
	}
	stored := *blob
	stored.ID = id
	stored.Data = bytes.Clone(blob.Data)

	s.mu.Lock()
	s.assets[id] = stored
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"asset_id":    id,
		"data_length": len(stored.Data),
	}).Info("Asset stored successfully")
	return id, nil
}

func (s *Store) GetAsset(ctx context.Context, id string) (*core.Blob, error) {
	s.mu.RLock()
	blob, ok := s.assets[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, core.ErrNotFound)
	}
	return &blob, nil
}
