package session

import (
	"context"
	"testing"

	"drawsync/core"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DRAWSYNC_SERVER_URL", "http://localhost:3002")
	t.Setenv("DRAWSYNC_ROOM", "")
	t.Setenv("DRAWSYNC_UPLOAD_URL", "http://localhost:3002/upload")
	t.Setenv("ASSET_FORCE_HTTPS", "true")

	cfg := ConfigFromEnv()
	if cfg.ServerURL != "http://localhost:3002" || cfg.UploadURL != "http://localhost:3002/upload" {
		t.Errorf("unexpected urls: %+v", cfg)
	}
	if cfg.Room != DefaultRoom {
		t.Errorf("Room = %q, want default", cfg.Room)
	}
	if !cfg.ForceHTTPS {
		t.Error("ForceHTTPS not read")
	}
}

func TestNew_Offline(t *testing.T) {
	s, err := New(context.Background(), Config{ClientID: 7})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	if s.Transport() != nil {
		t.Error("offline session has a transport")
	}
	if s.Doc.ClientID() != 7 || s.Awareness.ClientID() != 7 {
		t.Error("client id not shared by document and presence")
	}
	if s.Config.Room != DefaultRoom {
		t.Errorf("Room = %q", s.Config.Room)
	}
}

func TestPutAsset(t *testing.T) {
	s, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	s.Undo.StopCapturing()
	a := core.Asset{ID: "a1", Type: core.AssetImage, Src: "https://cdn/x.png"}
	if err := s.PutAsset(context.Background(), a); err != nil {
		t.Fatalf("PutAsset() failed: %v", err)
	}
	if !s.Assets.Has("a1") {
		t.Error("asset not written")
	}
	if s.Undo.CanUndo() {
		t.Error("asset write is undoable")
	}
}

func TestNew_BadServerURL(t *testing.T) {
	if _, err := New(context.Background(), Config{ServerURL: "ftp://nope"}); err == nil {
		t.Error("New() accepted an unsupported scheme")
	}
}

func TestClose_Idempotent(t *testing.T) {
	s, err := New(context.Background(), Config{ServerURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	s.Close()
	s.Close()
}
