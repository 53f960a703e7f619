package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"drawsync/core"
)

type mockView struct {
	mu      sync.Mutex
	inRoom  bool
	local   string
	users   map[string]core.User
	removed []string
	updates int
}

func newMockView(local string) *mockView {
	return &mockView{
		inRoom: true,
		local:  local,
		users:  map[string]core.User{local: {ID: local}},
	}
}

func (v *mockView) InRoom() bool        { return v.inRoom }
func (v *mockView) LocalUserID() string { return v.local }

func (v *mockView) Users() map[string]core.User {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]core.User, len(v.users))
	for k, u := range v.users {
		out[k] = u
	}
	return out
}

func (v *mockView) RemoveUser(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.users, id)
	v.removed = append(v.removed, id)
}

func (v *mockView) UpdateUsers(users []core.User) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, u := range users {
		v.users[u.ID] = u
	}
	v.updates++
}

func (v *mockView) remoteIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var ids []string
	for id := range v.users {
		if id != v.local {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// link copies every change of src's local record into dst.
func link(t *testing.T, src, dst *Channel) {
	t.Helper()
	data, err := src.EncodeUpdate(src.ClientID())
	if err != nil {
		t.Fatalf("EncodeUpdate() failed: %v", err)
	}
	if err := dst.ApplyUpdate(data, "test"); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}
}

func TestChannel_SetLocalStateField(t *testing.T) {
	ch := NewChannel(1)
	if err := ch.SetLocalStateField(UserField, core.User{ID: "a"}); err != nil {
		t.Fatalf("SetLocalStateField() failed: %v", err)
	}
	if err := ch.SetLocalStateField("cursor", []float64{1, 2}); err != nil {
		t.Fatalf("SetLocalStateField() failed: %v", err)
	}

	state := ch.LocalState()
	if len(state) != 2 {
		t.Fatalf("LocalState() has %d fields, want 2", len(state))
	}
	var u core.User
	if err := json.Unmarshal(state[UserField], &u); err != nil || u.ID != "a" {
		t.Errorf("user field = %s", state[UserField])
	}
	if ch.LocalClock() != 2 {
		t.Errorf("LocalClock() = %d, want 2", ch.LocalClock())
	}
}

func TestChannel_ApplyUpdateDropsStale(t *testing.T) {
	a, b := NewChannel(1), NewChannel(2)

	_ = a.SetLocalStateField(UserField, core.User{ID: "old"})
	stale, _ := a.EncodeUpdate(1)
	_ = a.SetLocalStateField(UserField, core.User{ID: "new"})
	link(t, a, b)

	if err := b.ApplyUpdate(stale, nil); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}
	var u core.User
	_ = json.Unmarshal(b.States()[1][UserField], &u)
	if u.ID != "new" {
		t.Errorf("stale presence applied, user = %q", u.ID)
	}
}

func TestChannel_RemovalPropagates(t *testing.T) {
	a, b := NewChannel(1), NewChannel(2)
	_ = a.SetLocalStateField(UserField, core.User{ID: "a"})
	link(t, a, b)

	sub := b.Subscribe()
	defer sub.Off()

	a.SetLocalState(nil)
	link(t, a, b)

	if _, ok := b.States()[1]; ok {
		t.Error("peer record survived its removal")
	}
	select {
	case c := <-sub.C:
		if len(c.Removed) != 1 || c.Removed[0] != 1 {
			t.Errorf("Removed = %v, want [1]", c.Removed)
		}
	case <-time.After(time.Second):
		t.Fatal("no change signal for removal")
	}
}

func TestChannel_RemoveStatesKeepsLocal(t *testing.T) {
	a, b := NewChannel(1), NewChannel(2)
	_ = a.SetLocalStateField(UserField, core.User{ID: "a"})
	_ = b.SetLocalStateField(UserField, core.User{ID: "b"})
	link(t, a, b)

	b.RemoveStates([]uint64{1, 2}, "disconnect")

	states := b.States()
	if _, ok := states[1]; ok {
		t.Error("remote record not removed")
	}
	if _, ok := states[2]; !ok {
		t.Error("local record removed")
	}
}

func TestChannel_MalformedUpdate(t *testing.T) {
	ch := NewChannel(1)
	if err := ch.ApplyUpdate([]byte("garbage"), nil); err == nil {
		t.Error("ApplyUpdate() accepted garbage")
	}
}

func TestReconcile_ExcludesLocalClient(t *testing.T) {
	a, b := NewChannel(1), NewChannel(2)
	_ = a.SetLocalStateField(UserField, core.User{ID: "a"})
	_ = b.SetLocalStateField(UserField, core.User{ID: "b"})
	link(t, b, a)

	view := newMockView("a")
	NewSynchronizer(a).Reconcile(view)

	if got := view.remoteIDs(); len(got) != 1 || got[0] != "b" {
		t.Errorf("remote users = %v, want [b]", got)
	}
}

func TestReconcile_RemovesDepartedUsers(t *testing.T) {
	a := NewChannel(1)
	view := newMockView("a")
	view.users["ghost"] = core.User{ID: "ghost"}

	NewSynchronizer(a).Reconcile(view)

	if _, ok := view.Users()["ghost"]; ok {
		t.Error("departed user still listed")
	}
	if _, ok := view.Users()["a"]; !ok {
		t.Error("local user removed")
	}
}

func TestReconcile_SkipsMalformedRecords(t *testing.T) {
	a := NewChannel(1)
	peer := NewChannel(2)
	peer.SetLocalState(State{UserField: json.RawMessage(`"not a user"`)})
	link(t, peer, a)
	other := NewChannel(3)
	other.SetLocalState(State{"cursor": json.RawMessage(`[1,2]`)})
	link(t, other, a)

	if others := NewSynchronizer(a).Others(); len(others) != 0 {
		t.Errorf("Others() = %+v, want none", others)
	}
}

func TestReconcile_NotInRoom(t *testing.T) {
	a, b := NewChannel(1), NewChannel(2)
	_ = b.SetLocalStateField(UserField, core.User{ID: "b"})
	link(t, b, a)

	view := newMockView("a")
	view.inRoom = false
	NewSynchronizer(a).Reconcile(view)

	if view.updates != 0 {
		t.Error("view updated while not in a room")
	}
}

func TestSynchronizer_Run(t *testing.T) {
	a, b := NewChannel(1), NewChannel(2)
	view := newMockView("a")
	s := NewSynchronizer(a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, view) }()

	_ = b.SetLocalStateField(UserField, core.User{ID: "b"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		// the subscription may not be registered yet; keep resending
		link(t, b, a)
		if ids := view.remoteIDs(); len(ids) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote user never reconciled")
		}
		time.Sleep(10 * time.Millisecond)
		_ = b.SetLocalStateField("tick", time.Now().UnixNano())
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}
