package core

import (
	"bytes"
	"context"
	"errors"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

type (
	// Document is the persisted, encoded state of one room's replicated document.
	Document struct {
		Data bytes.Buffer
	}

	// DocumentStore persists room documents for the relay.
	DocumentStore interface {
		FindRoom(ctx context.Context, roomID string) (*Document, error)
		SaveRoom(ctx context.Context, roomID string, document *Document) error
	}

	Room struct {
		ID         string
		LastActive int64
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
	}

	// Blob is a stored asset binary.
	Blob struct {
		ID          string
		FileName    string
		ContentType string
		Data        []byte
	}

	// AssetStore keeps uploaded asset binaries addressable by id.
	AssetStore interface {
		PutAsset(ctx context.Context, blob *Blob) (string, error)
		GetAsset(ctx context.Context, id string) (*Blob, error)
	}
)
