package content

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"drawsync/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	// Rooms is the read side of the relay hub.
	Rooms interface {
		ActiveRooms() map[string]int
		Content(ctx context.Context, roomID string) (core.Content, error)
	}

	RoomInfo struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive *int64 `json:"lastActive,omitempty"`
	}
)

// HandleContent returns the presentable content of a room: shapes whose asset
// is missing are left out and every shape carries a style.
func HandleContent(rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "roomId")

		c, err := rooms.Content(r.Context(), roomID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				http.Error(w, "Room not found", http.StatusNotFound)
				return
			}
			logrus.WithError(err).WithField("room_id", roomID).Error("Failed to read room content")
			http.Error(w, "Failed to read room content", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, c)
	}
}

// HandleListRooms lists live rooms with their user counts, merged with the
// activity recorded by the registry. Busiest rooms come first, then the most
// recently active.
func HandleListRooms(rooms Rooms, registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*RoomInfo)
		for id, count := range rooms.ActiveRooms() {
			roomMap[id] = &RoomInfo{ID: id, Users: count}
		}

		if registry != nil {
			if storedRooms, err := registry.ListRooms(r.Context()); err != nil {
				logrus.WithError(err).Warn("failed to list rooms from registry")
			} else {
				for _, room := range storedRooms {
					entry, exists := roomMap[room.ID]
					if !exists {
						entry = &RoomInfo{ID: room.ID}
						roomMap[room.ID] = entry
					}
					if room.LastActive > 0 {
						lastActive := room.LastActive
						entry.LastActive = &lastActive
					}
				}
			}
		}

		roomList := make([]RoomInfo, 0, len(roomMap))
		for _, entry := range roomMap {
			roomList = append(roomList, *entry)
		}
		sort.Slice(roomList, func(i, j int) bool {
			if roomList[i].Users != roomList[j].Users {
				return roomList[i].Users > roomList[j].Users
			}
			li, lj := lastActive(roomList[i]), lastActive(roomList[j])
			if li == lj {
				return roomList[i].ID < roomList[j].ID
			}
			return li > lj
		})

		render.JSON(w, r, roomList)
	}
}

func lastActive(info RoomInfo) int64 {
	if info.LastActive == nil {
		return 0
	}
	return *info.LastActive
}
