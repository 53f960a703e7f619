package core

type (
	// User is the presence payload a client publishes under the "tdUser" field.
	User struct {
		ID          string         `json:"id"`
		Name        string         `json:"name,omitempty"`
		Color       string         `json:"color,omitempty"`
		Point       []float64      `json:"point,omitempty"`
		SelectedIDs []string       `json:"selectedIds,omitempty"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}

	PageState struct {
		SelectedIDs []string
	}

	Viewport struct {
		Width  float64
		Height float64
	}

	// PageEditor is the part of the drawing editor the bridge drives.
	PageEditor interface {
		LoadRoom(roomID string)
		Pause()
		ReplacePageContent(shapes map[string]Shape, bindings map[string]Binding, assets map[string]Asset)
		PatchCreate(shapes []Shape)
		Select(ids ...string)
		GetShape(id string) (Shape, bool)
		PageState() PageState
		CurrentPageID() string
		Viewport() Viewport
	}

	// CollaboratorView is the part of the editor that shows remote participants.
	CollaboratorView interface {
		// InRoom reports whether the editor has joined a room yet.
		InRoom() bool
		LocalUserID() string
		Users() map[string]User
		RemoveUser(id string)
		UpdateUsers(users []User)
	}

	Editor interface {
		PageEditor
		CollaboratorView
	}
)
