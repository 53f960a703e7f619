package replica

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newUndoFixture() (*Doc, *Map, *Map, *Map, *UndoManager, *fakeClock) {
	doc := NewDoc(WithClientID(1))
	shapes := doc.Map("shapes")
	bindings := doc.Map("bindings")
	assets := doc.Map("assets")
	clock := &fakeClock{now: time.Unix(1000, 0)}
	um := NewUndoManager(doc, []*Map{shapes, bindings}, withClock(clock.Now))
	return doc, shapes, bindings, assets, um, clock
}

func TestUndo_SeparateStepsAfterStopCapturing(t *testing.T) {
	_, shapes, _, _, um, _ := newUndoFixture()

	um.StopCapturing()
	_ = shapes.Set("a", shape{ID: "a"})
	um.StopCapturing()
	_ = shapes.Set("b", shape{ID: "b"})

	if !um.Undo() {
		t.Fatal("Undo() reported nothing undone")
	}
	if !shapes.Has("a") {
		t.Error("first step was undone too")
	}
	if shapes.Has("b") {
		t.Error("second step not undone")
	}
}

func TestUndo_MergesWithinCaptureWindow(t *testing.T) {
	_, shapes, _, _, um, clock := newUndoFixture()

	_ = shapes.Set("a", shape{ID: "a"})
	clock.advance(100 * time.Millisecond)
	_ = shapes.Set("b", shape{ID: "b"})

	um.Undo()
	if shapes.Len() != 0 {
		t.Errorf("merged step not fully undone, %d shapes left", shapes.Len())
	}
}

func TestUndo_NoMergeAfterTimeout(t *testing.T) {
	_, shapes, _, _, um, clock := newUndoFixture()

	_ = shapes.Set("a", shape{ID: "a"})
	clock.advance(DefaultCaptureTimeout + time.Millisecond)
	_ = shapes.Set("b", shape{ID: "b"})

	um.Undo()
	if !shapes.Has("a") || shapes.Has("b") {
		t.Error("steps outside the capture window were merged")
	}
}

func TestUndo_RestoresPreviousValue(t *testing.T) {
	_, shapes, _, _, um, _ := newUndoFixture()

	_ = shapes.Set("a", shape{ID: "a", Type: "v1"})
	um.StopCapturing()
	_ = shapes.Set("a", shape{ID: "a", Type: "v2"})
	um.StopCapturing()
	shapes.Delete("a")

	um.Undo()
	v, ok := shapes.Get("a")
	if !ok {
		t.Fatal("delete not undone")
	}
	var s shape
	_ = v.Decode(&s)
	if s.Type != "v2" {
		t.Errorf("Type = %q, want v2", s.Type)
	}

	um.Undo()
	v, _ = shapes.Get("a")
	_ = v.Decode(&s)
	if s.Type != "v1" {
		t.Errorf("Type = %q, want v1", s.Type)
	}
}

func TestRedo_ReappliesUndoneStep(t *testing.T) {
	_, shapes, _, _, um, _ := newUndoFixture()

	_ = shapes.Set("a", shape{ID: "a"})
	um.Undo()
	if shapes.Has("a") {
		t.Fatal("undo failed")
	}
	if !um.CanRedo() {
		t.Fatal("CanRedo() = false after undo")
	}
	if !um.Redo() {
		t.Fatal("Redo() reported nothing redone")
	}
	if !shapes.Has("a") {
		t.Error("redo did not restore the shape")
	}
	if !um.CanUndo() {
		t.Error("redo should be undoable again")
	}
}

func TestUndo_NewChangeClearsRedo(t *testing.T) {
	_, shapes, _, _, um, _ := newUndoFixture()

	_ = shapes.Set("a", shape{ID: "a"})
	um.Undo()
	_ = shapes.Set("b", shape{ID: "b"})

	if um.CanRedo() {
		t.Error("redo stack survived a new local change")
	}
}

func TestUndo_IgnoresAssetsAndRemote(t *testing.T) {
	doc, shapes, _, assets, um, _ := newUndoFixture()

	_ = assets.Set("x", shape{ID: "x"})
	if um.CanUndo() {
		t.Error("asset write was captured")
	}

	peer := NewDoc(WithClientID(9))
	var u []byte
	peer.OnUpdate(func(data []byte, _ any) { u = data })
	_ = peer.Map("shapes").Set("remote", shape{ID: "remote"})
	if err := doc.ApplyUpdate(u, "transport"); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}

	if um.CanUndo() {
		t.Error("remote transaction was captured")
	}
	if um.Undo() {
		t.Error("Undo() reverted something that was never captured")
	}
	if !shapes.Has("remote") {
		t.Error("remote shape removed")
	}
}

func TestUndo_SkipsKeysOverwrittenByPeer(t *testing.T) {
	doc, shapes, _, _, um, _ := newUndoFixture()

	_ = shapes.Set("a", shape{ID: "a", Type: "mine"})

	peer := NewDoc(WithClientID(9))
	state, _ := doc.EncodeState()
	_ = peer.ApplyUpdate(state, nil)
	var u []byte
	peer.OnUpdate(func(data []byte, _ any) { u = data })
	_ = peer.Map("shapes").Set("a", shape{ID: "a", Type: "theirs"})
	_ = doc.ApplyUpdate(u, "transport")

	if um.Undo() {
		t.Error("Undo() clobbered a peer's newer write")
	}
	v, _ := shapes.Get("a")
	var s shape
	_ = v.Decode(&s)
	if s.Type != "theirs" {
		t.Errorf("Type = %q, want theirs", s.Type)
	}
}

func TestUndo_UntrackedOrigin(t *testing.T) {
	doc, shapes, _, _, um, _ := newUndoFixture()

	doc.Transact("background", func(tx *Transaction) {
		_ = tx.Set(shapes, "a", shape{ID: "a"})
	})
	if um.CanUndo() {
		t.Error("untracked origin captured")
	}

	um2 := NewUndoManager(doc, []*Map{shapes}, WithTrackedOrigins("background"))
	defer um2.Destroy()
	doc.Transact("background", func(tx *Transaction) {
		_ = tx.Set(shapes, "b", shape{ID: "b"})
	})
	if !um2.CanUndo() {
		t.Error("tracked origin not captured")
	}
}
