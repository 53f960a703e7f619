// Package headless is an in-memory drawing editor with no rendering. It keeps
// the presented page, the selection and the collaborator list, which is all a
// synchronized client needs without a UI.
package headless

import (
	"sort"
	"sync"

	"drawsync/core"
)

const DefaultPageID = "page"

type Editor struct {
	mu        sync.Mutex
	room      string
	paused    bool
	content   core.Content
	selected  []string
	localUser core.User
	users     map[string]core.User
	viewport  core.Viewport
	replaces  int
	changed   chan struct{}
}

func New(localUser core.User) *Editor {
	return &Editor{
		content:   core.NewContent(),
		localUser: localUser,
		users:     map[string]core.User{localUser.ID: localUser},
		viewport:  core.Viewport{Width: 1280, Height: 800},
		changed:   make(chan struct{}, 1),
	}
}

func (e *Editor) LoadRoom(roomID string) {
	e.mu.Lock()
	e.room = roomID
	e.mu.Unlock()
}

func (e *Editor) Room() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

// Pause stops local tools. A headless editor has none, the flag is only
// recorded.
func (e *Editor) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// ReplacePageContent swaps the whole page. Selected shapes that are still
// present stay selected, so presenting identical content twice changes
// nothing visible.
func (e *Editor) ReplacePageContent(shapes map[string]core.Shape, bindings map[string]core.Binding, assets map[string]core.Asset) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := core.NewContent()
	for id, s := range shapes {
		next.Shapes[id] = s
	}
	for id, b := range bindings {
		next.Bindings[id] = b
	}
	for id, a := range assets {
		next.Assets[id] = a
	}
	e.content = next

	kept := e.selected[:0]
	for _, id := range e.selected {
		if _, ok := next.Shapes[id]; ok {
			kept = append(kept, id)
		}
	}
	e.selected = kept
	e.replaces++
	e.signal()
}

// PatchCreate adds or overwrites shapes without touching the rest of the page.
func (e *Editor) PatchCreate(shapes []core.Shape) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range shapes {
		e.content.Shapes[s.ID] = s
	}
	e.signal()
}

func (e *Editor) Select(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selected = e.selected[:0]
	for _, id := range ids {
		if _, ok := e.content.Shapes[id]; ok {
			e.selected = append(e.selected, id)
		}
	}
}

func (e *Editor) GetShape(id string) (core.Shape, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.content.Shapes[id]
	return s, ok
}

func (e *Editor) PageState() core.PageState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return core.PageState{SelectedIDs: append([]string(nil), e.selected...)}
}

func (e *Editor) CurrentPageID() string {
	return DefaultPageID
}

func (e *Editor) Viewport() core.Viewport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewport
}

func (e *Editor) SetViewport(v core.Viewport) {
	e.mu.Lock()
	e.viewport = v
	e.mu.Unlock()
}

func (e *Editor) InRoom() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room != ""
}

func (e *Editor) LocalUserID() string {
	return e.localUser.ID
}

func (e *Editor) Users() map[string]core.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]core.User, len(e.users))
	for id, u := range e.users {
		out[id] = u
	}
	return out
}

func (e *Editor) RemoveUser(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.users, id)
	e.signal()
}

func (e *Editor) UpdateUsers(users []core.User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range users {
		e.users[u.ID] = u
	}
	e.signal()
}

// Collaborators lists the remote users, ordered by id.
func (e *Editor) Collaborators() []core.User {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.User, 0, len(e.users))
	for id, u := range e.users {
		if id != e.localUser.ID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Content returns a copy of the presented page.
func (e *Editor) Content() core.Content {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := core.NewContent()
	for id, s := range e.content.Shapes {
		out.Shapes[id] = s
	}
	for id, b := range e.content.Bindings {
		out.Bindings[id] = b
	}
	for id, a := range e.content.Assets {
		out.Assets[id] = a
	}
	return out
}

// Replaces counts full page replacements.
func (e *Editor) Replaces() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replaces
}

// Changed delivers a signal after the page or the collaborator list changed.
// Pending signals coalesce.
func (e *Editor) Changed() <-chan struct{} {
	return e.changed
}

func (e *Editor) signal() {
	select {
	case e.changed <- struct{}{}:
	default:
	}
}

var _ core.Editor = (*Editor)(nil)
