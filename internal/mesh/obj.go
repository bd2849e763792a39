package mesh

// ============================================================================
// Wavefront OBJ / MTL 輸出與讀取
// ============================================================================

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ChuLiYu/plan2mesh/internal/architecture"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// OBJOptions controls WriteOBJ output.
type OBJOptions struct {
	Header      []string // emitted as "# ..." comment lines
	MaterialLib string   // mtllib name; empty omits mtllib and usemtl lines
}

// WriteOBJ writes all vertices followed by faces, grouped by room with one
// usemtl per surface change.
func WriteOBJ(w io.Writer, m *Mesh, opts OBJOptions) error {
	bw := bufio.NewWriter(w)

	for _, h := range opts.Header {
		fmt.Fprintf(bw, "# %s\n", h)
	}
	if opts.MaterialLib != "" {
		fmt.Fprintf(bw, "mtllib %s\n", opts.MaterialLib)
	}
	bw.WriteString("\n")

	for _, v := range m.Vertices {
		fmt.Fprintf(bw, "v %s %s %s\n", formatFloat(v[0]), formatFloat(v[1]), formatFloat(v[2]))
	}

	room, surface := "", types.Surface("")
	for i, f := range m.Faces {
		if i == 0 || f.Room != room {
			fmt.Fprintf(bw, "\no %s\n", objectName(m, f.Room))
			room, surface = f.Room, ""
		}
		if opts.MaterialLib != "" && f.Surface != surface {
			fmt.Fprintf(bw, "usemtl %s\n", f.Surface)
			surface = f.Surface
		}
		bw.WriteString("f")
		for _, idx := range f.Indices {
			bw.WriteString(" ")
			bw.WriteString(strconv.Itoa(idx))
		}
		bw.WriteString("\n")
	}

	return bw.Flush()
}

// WriteMTL writes one material per surface. textures maps surface to the
// texture path relative to the MTL file; surfaces without a texture get a
// plain diffuse colour.
func WriteMTL(w io.Writer, textures map[types.Surface]string) error {
	bw := bufio.NewWriter(w)
	for _, s := range types.Surfaces {
		fmt.Fprintf(bw, "newmtl %s\n", s)
		bw.WriteString("Ka 1.000 1.000 1.000\n")
		bw.WriteString("Kd 1.000 1.000 1.000\n")
		if tex, ok := textures[s]; ok && tex != "" {
			fmt.Fprintf(bw, "map_Kd %s\n", tex)
		}
		bw.WriteString("\n")
	}
	return bw.Flush()
}

// ReadOBJ parses the subset WriteOBJ produces: v, f, o and usemtl lines.
// Face entries of the form "i/t/n" keep only the vertex index.
func ReadOBJ(r io.Reader) (*Mesh, error) {
	m := &Mesh{}
	sc := bufio.NewScanner(r)
	line := 0
	room, surface := "", types.Surface("")
	seenRooms := make(map[string]bool)
	sawFallback := false

	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("mesh: line %d: vertex needs 3 coordinates", line)
			}
			var v Vertex
			for i := 0; i < 3; i++ {
				f, err := strconv.ParseFloat(fields[i+1], 64)
				if err != nil {
					return nil, fmt.Errorf("mesh: line %d: %w", line, err)
				}
				v[i] = f
			}
			m.addVertex(v)
		case "f":
			idx := make([]int, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				n, err := strconv.Atoi(strings.SplitN(tok, "/", 2)[0])
				if err != nil {
					return nil, fmt.Errorf("mesh: line %d: %w", line, err)
				}
				idx = append(idx, n)
			}
			m.addFace(room, surface, idx...)
		case "o":
			// 名稱取整行剩餘部分，room id 可含空白
			if name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(sc.Text()), "o")); name != "" {
				var fb bool
				room, fb = parseObjectName(name)
				sawFallback = sawFallback || fb
				if !seenRooms[room] {
					seenRooms[room] = true
					m.Rooms = append(m.Rooms, room)
				}
			}
			surface = ""
		case "usemtl":
			if len(fields) > 1 {
				surface = types.Surface(fields[1])
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	m.Fallback = sawFallback && len(m.Rooms) == 1
	if m.Fallback {
		m.Rooms = nil
	}
	return m, m.Validate()
}

// 物件名稱：
//   fallback       placeholder solid
//   unknown        room without a declared id
//   room_<id>      declared room
const roomPrefix = "room_"

func objectName(m *Mesh, room string) string {
	switch {
	case m.Fallback:
		return FallbackGroup
	case room == "":
		return architecture.UnknownRoom
	}
	return roomPrefix + strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return '_'
		}
		return r
	}, room)
}

// parseObjectName maps an "o" name back to its group key.
func parseObjectName(name string) (room string, fallback bool) {
	switch {
	case name == FallbackGroup:
		return FallbackGroup, true
	case name == architecture.UnknownRoom:
		return "", false
	}
	return strings.TrimPrefix(name, roomPrefix), false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
