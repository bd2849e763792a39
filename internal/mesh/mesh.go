// Package mesh turns parsed rooms into polygon geometry.
package mesh

// ============================================================================
// 網格幾何產生器
// 職責：
// 1. 每個完整房間輸出 floor ring、ceiling ring、1 floor + n walls + 1 ceiling
// 2. 沒有任何房間貢獻幾何時，輸出固定的 9 頂點佔位房屋
// 3. 頂點索引從 1 開始，全網格單調遞增、不重用
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/plan2mesh/internal/architecture"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

func logger() *slog.Logger { return slog.Default() }

// ErrNoGeometry is returned when no room produced geometry and the
// placeholder has been disabled.
var ErrNoGeometry = errors.New("mesh: no room produced geometry")

// FallbackGroup is the group name of the placeholder solid.
const FallbackGroup = "fallback"

// Vertex is a 3D position. Coordinates pass through from the architecture unchanged.
type Vertex = architecture.Point3

// Face is an ordered list of 1-based vertex indices plus the group it belongs to.
// Room is the declared room id; it is empty for the room collecting elements
// without one.
type Face struct {
	Indices []int
	Room    string
	Surface types.Surface
}

// Mesh is the generator output.
type Mesh struct {
	Vertices []Vertex
	Faces    []Face

	// Rooms lists the group key of every room that contributed geometry, in
	// emission order. The empty key is the room without a declared id.
	Rooms []string
	// Fallback is true when the mesh is the placeholder solid.
	Fallback bool
}

// Options controls generation.
type Options struct {
	// DisableFallback makes malformed or empty input an error instead of
	// producing the placeholder solid.
	DisableFallback bool
}

// addVertex appends v and returns its 1-based index.
func (m *Mesh) addVertex(v Vertex) int {
	m.Vertices = append(m.Vertices, v)
	return len(m.Vertices)
}

func (m *Mesh) addFace(room string, s types.Surface, idx ...int) {
	m.Faces = append(m.Faces, Face{Indices: idx, Room: room, Surface: s})
}

// Validate checks that every face references at least three already-emitted
// vertices.
func (m *Mesh) Validate() error {
	for i, f := range m.Faces {
		if len(f.Indices) < 3 {
			return fmt.Errorf("mesh: face %d has %d indices", i+1, len(f.Indices))
		}
		for _, idx := range f.Indices {
			if idx < 1 || idx > len(m.Vertices) {
				return fmt.Errorf("mesh: face %d references vertex %d of %d", i+1, idx, len(m.Vertices))
			}
		}
	}
	return nil
}

// ============================================================================
// 產生
// ============================================================================

// Generate builds geometry for every complete room and falls back to the
// placeholder when none qualifies.
func Generate(rooms []architecture.Room) *Mesh {
	m, _ := generate(rooms, Options{})
	return m
}

// FromArchitecture parses arch and generates its mesh.
//
// ErrMalformedArchitecture and zero contributing rooms both resolve to the
// placeholder unless opts.DisableFallback is set.
func FromArchitecture(arch *architecture.Architecture, opts Options) (*Mesh, error) {
	rooms, err := architecture.Parse(arch)
	if err != nil {
		if opts.DisableFallback {
			return nil, err
		}
		logger().Warn("architecture unusable, using placeholder mesh", "err", err)
		return Fallback(), nil
	}
	return generate(rooms, opts)
}

func generate(rooms []architecture.Room, opts Options) (*Mesh, error) {
	m := &Mesh{}
	for _, room := range rooms {
		if !room.Complete() {
			logger().Debug("room skipped", "room", room.ID,
				"floor", room.Floor != nil, "ceiling", room.Ceiling != nil,
				"points", len(room.Boundary()))
			continue
		}
		emitRoom(m, room)
	}

	if len(m.Rooms) == 0 {
		if opts.DisableFallback {
			return nil, ErrNoGeometry
		}
		logger().Warn("no room produced geometry, using placeholder mesh", "rooms", len(rooms))
		return Fallback(), nil
	}
	logger().Debug("mesh generated", "rooms", len(m.Rooms), "vertices", len(m.Vertices), "faces", len(m.Faces))
	return m, nil
}

// groupKey keeps undeclared elements apart from a room that declares the
// sentinel id.
func groupKey(room architecture.Room) string {
	if !room.Declared && room.ID == architecture.UnknownRoom {
		return ""
	}
	return room.ID
}

func emitRoom(m *Mesh, room architecture.Room) {
	key := groupKey(room)
	ring := room.Boundary()
	n := len(ring)
	h := room.CeilingHeight()

	// 1. floor ring
	floor := make([]int, n)
	for i, p := range ring {
		floor[i] = m.addVertex(p)
	}
	// 2. ceiling ring，同樣的水平順序
	ceil := make([]int, n)
	for i, p := range ring {
		ceil[i] = m.addVertex(Vertex{p[0], p[1] + h, p[2]})
	}

	// 3. floor face
	m.addFace(key, types.SurfaceFloor, append([]int(nil), floor...)...)

	// 4. wall quads
	for i := 0; i < n; i++ {
		next := (i + 1) % n
		m.addFace(key, types.SurfaceWall, floor[i], floor[next], ceil[next], ceil[i])
	}

	// 5. ceiling face, reversed
	rev := make([]int, n)
	for i := range ceil {
		rev[i] = ceil[n-1-i]
	}
	m.addFace(key, types.SurfaceCeiling, rev...)

	m.Rooms = append(m.Rooms, key)
}

// Fallback returns the placeholder solid: a 10×3×10 box with a pyramid roof.
func Fallback() *Mesh {
	m := &Mesh{Fallback: true}
	for _, v := range []Vertex{
		{-5, 0, -5}, {5, 0, -5}, {5, 0, 5}, {-5, 0, 5},
		{-5, 3, -5}, {5, 3, -5}, {5, 3, 5}, {-5, 3, 5},
		{0, 5, 0},
	} {
		m.addVertex(v)
	}

	m.addFace(FallbackGroup, types.SurfaceFloor, 1, 2, 3, 4)
	m.addFace(FallbackGroup, types.SurfaceWall, 1, 2, 6, 5)
	m.addFace(FallbackGroup, types.SurfaceWall, 2, 3, 7, 6)
	m.addFace(FallbackGroup, types.SurfaceWall, 3, 4, 8, 7)
	m.addFace(FallbackGroup, types.SurfaceWall, 4, 1, 5, 8)
	m.addFace(FallbackGroup, types.SurfaceCeiling, 5, 6, 9)
	m.addFace(FallbackGroup, types.SurfaceCeiling, 6, 7, 9)
	m.addFace(FallbackGroup, types.SurfaceCeiling, 7, 8, 9)
	m.addFace(FallbackGroup, types.SurfaceCeiling, 8, 5, 9)
	return m
}
