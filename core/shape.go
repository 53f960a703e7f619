package core

import "strings"

type ShapeType string

const (
	ShapeDraw      ShapeType = "draw"
	ShapeRectangle ShapeType = "rectangle"
	ShapeEllipse   ShapeType = "ellipse"
	ShapeTriangle  ShapeType = "triangle"
	ShapeArrow     ShapeType = "arrow"
	ShapeLine      ShapeType = "line"
	ShapeText      ShapeType = "text"
	ShapeGroup     ShapeType = "group"
	ShapeSticky    ShapeType = "sticky"
	ShapeImage     ShapeType = "image"
	ShapeVideo     ShapeType = "video"
)

// Names of the replicated maps holding a room's content.
const (
	ShapesMap   = "shapes"
	BindingsMap = "bindings"
	AssetsMap   = "assets"
)

type AssetType string

const (
	AssetImage AssetType = "image"
	AssetVideo AssetType = "video"
)

type (
	// Style is the visual descriptor every presented shape carries.
	Style struct {
		Color string `json:"color"`
		Size  string `json:"size"`
		Dash  string `json:"dash"`
		Scale string `json:"scale"`
	}

	// Shape is a drawable entity. Geometry and props are owned by the editor and
	// are carried through unchanged.
	Shape struct {
		ID         string         `json:"id"`
		Type       ShapeType      `json:"type"`
		ParentID   string         `json:"parentId,omitempty"`
		ChildIndex float64        `json:"childIndex,omitempty"`
		Name       string         `json:"name,omitempty"`
		Point      []float64      `json:"point,omitempty"`
		Size       []float64      `json:"size,omitempty"`
		Rotation   float64        `json:"rotation,omitempty"`
		AssetID    string         `json:"assetId,omitempty"`
		Style      *Style         `json:"style,omitempty"`
		Props      map[string]any `json:"props,omitempty"`
		Meta       map[string]any `json:"meta,omitempty"`
	}

	// Binding connects two shapes, e.g. an arrow anchored to a rectangle.
	Binding struct {
		ID       string         `json:"id"`
		FromID   string         `json:"fromId"`
		ToID     string         `json:"toId"`
		HandleID string         `json:"handleId,omitempty"`
		Props    map[string]any `json:"props,omitempty"`
	}

	// Asset describes a durable resource referenced by image and video shapes.
	Asset struct {
		ID       string     `json:"id"`
		Type     AssetType  `json:"type"`
		Src      string     `json:"src"`
		FileName string     `json:"fileName,omitempty"`
		Size     [2]float64 `json:"size"`
	}

	// Content is a full page snapshot as presented to an editor.
	Content struct {
		Shapes   map[string]Shape   `json:"shapes"`
		Bindings map[string]Binding `json:"bindings"`
		Assets   map[string]Asset   `json:"assets"`
	}
)

func DefaultStyle() Style {
	return Style{Color: "black", Size: "medium", Dash: "draw", Scale: "1"}
}

// WithDefaultStyle returns the shape with the default style filled in when it
// has none.
func (s Shape) WithDefaultStyle() Shape {
	if s.Style == nil {
		style := DefaultStyle()
		s.Style = &style
	}
	return s
}

func (s Shape) IsMedia() bool {
	return s.Type == ShapeImage || s.Type == ShapeVideo
}

// Src returns props.src, the local or remote source of a media shape.
func (s Shape) Src() string {
	src, _ := s.Props["src"].(string)
	return src
}

func (s Shape) MimeType() string {
	mime, _ := s.Props["mimeType"].(string)
	return mime
}

// WithSrc returns a copy of the shape with props.src replaced. The props map is
// copied so the original shape is left untouched.
func (s Shape) WithSrc(src string) Shape {
	props := make(map[string]any, len(s.Props)+1)
	for k, v := range s.Props {
		props[k] = v
	}
	props["src"] = src
	s.Props = props
	return s
}

// Valid reports whether the asset record is complete enough to be presented.
func (a Asset) Valid() bool {
	return a.ID != "" && a.Type != "" && a.Src != ""
}

func (a Asset) Durable() bool {
	return IsRemoteURL(a.Src)
}

func IsRemoteURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

func NewContent() Content {
	return Content{
		Shapes:   make(map[string]Shape),
		Bindings: make(map[string]Binding),
		Assets:   make(map[string]Asset),
	}
}
