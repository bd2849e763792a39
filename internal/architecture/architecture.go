// Package architecture decodes Rent3D++ scene descriptions and groups their
// elements into rooms.
package architecture

// ============================================================================
// 架構解析器
// 職責：
// 1. 解碼 scene.json（scene.arch.elements 格式）
// 2. 依 roomId 將元素分組為 Room
// 3. 提供房間數、元素數等統計資訊給 metadata
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

func logger() *slog.Logger { return slog.Default() }

// ErrMalformedArchitecture is returned when a description has no elements at all.
var ErrMalformedArchitecture = errors.New("architecture: no elements found")

// 元素類型
const (
	TypeFloor   = "Floor"
	TypeCeiling = "Ceiling"
	TypeWall    = "Wall"
)

// UnknownRoom groups elements that do not declare a room id.
const UnknownRoom = "unknown"

// DefaultCeilingOffset is used when a Ceiling element has no offset.
var DefaultCeilingOffset = Point3{0, 2.8, 0}

// Point3 is an (x, y, z) coordinate. y is the vertical axis.
type Point3 [3]float64

// Element is one entry of scene.arch.elements.
type Element struct {
	ID     string     `json:"id,omitempty"`
	Type   string     `json:"type"`
	RoomID string     `json:"roomId,omitempty"`
	Points [][]Point3 `json:"points,omitempty"`
	Offset *Point3    `json:"offset,omitempty"`
}

// Boundary returns the first polygon ring, or nil when the element has none.
func (e *Element) Boundary() []Point3 {
	if e == nil || len(e.Points) == 0 {
		return nil
	}
	return e.Points[0]
}

// Architecture is the ordered element list of a scene.
type Architecture struct {
	Elements []Element
}

// sceneFile mirrors the on-disk layout: {"scene": {"arch": {"elements": [...]}}}
type sceneFile struct {
	Scene struct {
		Arch struct {
			Elements []Element `json:"elements"`
		} `json:"arch"`
	} `json:"scene"`
}

// Room is the set of elements sharing a room id.
//
// Elements without a room id form their own room with ID UnknownRoom and
// Declared false; it never merges with a room that declares that id.
type Room struct {
	ID       string
	Declared bool
	Floor    *Element
	Ceiling *Element
	Walls   []Element
}

// Boundary returns the floor ring shared by floor and ceiling.
func (r Room) Boundary() []Point3 {
	return r.Floor.Boundary()
}

// CeilingHeight is the vertical component of the ceiling offset.
func (r Room) CeilingHeight() float64 {
	if r.Ceiling == nil || r.Ceiling.Offset == nil {
		return DefaultCeilingOffset[1]
	}
	return r.Ceiling.Offset[1]
}

// Complete reports whether the room can contribute mesh geometry.
func (r Room) Complete() bool {
	return r.Floor != nil && r.Ceiling != nil && len(r.Boundary()) >= 3
}

// Stats summarises an architecture for run metadata.
type Stats struct {
	Rooms    int `json:"num_rooms"`
	Elements int `json:"num_elements"`
}

// ============================================================================
// 解碼
// ============================================================================

// Decode reads a scene description from r.
//
// An empty element list decodes successfully; Parse is where emptiness
// becomes ErrMalformedArchitecture.
func Decode(r io.Reader) (*Architecture, error) {
	var f sceneFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("architecture: decode: %w", err)
	}
	return &Architecture{Elements: f.Scene.Arch.Elements}, nil
}

// Load opens and decodes the scene description at path.
func Load(path string) (*Architecture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("architecture: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// ============================================================================
// 分組
// ============================================================================

// Parse groups elements into rooms, in order of first appearance.
//
// Unknown element types are ignored. When a room has several Floor or
// Ceiling elements the last one wins.
func Parse(a *Architecture) ([]Room, error) {
	if a == nil || len(a.Elements) == 0 {
		return nil, ErrMalformedArchitecture
	}

	index := make(map[string]int)
	var rooms []Room

	for i := range a.Elements {
		el := &a.Elements[i]
		id := el.RoomID
		if id == "" {
			id = UnknownRoom
		}

		// key 使用原始 roomId，未宣告的元素以空字串分組
		pos, ok := index[el.RoomID]
		if !ok {
			pos = len(rooms)
			index[el.RoomID] = pos
			rooms = append(rooms, Room{ID: id, Declared: el.RoomID != ""})
		}
		room := &rooms[pos]

		switch el.Type {
		case TypeFloor:
			// 後出現的元素覆蓋先前的
			if room.Floor != nil {
				logger().Debug("duplicate floor replaced", "room", id, "replaced", room.Floor.ID, "element", el.ID)
			}
			room.Floor = el
		case TypeCeiling:
			if room.Ceiling != nil {
				logger().Debug("duplicate ceiling replaced", "room", id, "replaced", room.Ceiling.ID, "element", el.ID)
			}
			room.Ceiling = el
		case TypeWall:
			room.Walls = append(room.Walls, *el)
		}
	}

	return rooms, nil
}

// Stats counts distinct declared room ids and total elements.
func (a *Architecture) Stats() Stats {
	if a == nil {
		return Stats{}
	}
	seen := make(map[string]struct{})
	for _, el := range a.Elements {
		if el.RoomID != "" {
			seen[el.RoomID] = struct{}{}
		}
	}
	return Stats{Rooms: len(seen), Elements: len(a.Elements)}
}
