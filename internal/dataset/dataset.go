// Package dataset selects reference houses from a Rent3D++ data directory.
package dataset

// ============================================================================
// 參考資料來源
// 職責：
// 1. 讀取 input/data_lists/test.txt 的 house 清單
// 2. 依 test → val → train 順序尋找 processed/full_archs/<split>/<id>.scene.json
// 3. 隨機挑選一個有架構檔的 house（亂數來源由呼叫端注入）
// ============================================================================

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

func logger() *slog.Logger { return slog.Default() }

// ErrNoReferenceData means no usable reference house exists.
var ErrNoReferenceData = errors.New("dataset: no reference data available")

// DefaultSplits is the lookup order for architecture files.
var DefaultSplits = []string{"test", "val", "train"}

// Reference is one selected house.
type Reference struct {
	HouseID  string `json:"house_id"`
	Split    string `json:"split"`
	ArchPath string `json:"-"`
	// ArchRel is ArchPath relative to the data root.
	ArchRel string `json:"architecture_file"`
}

// Source yields reference houses.
type Source interface {
	Pick(rng *rand.Rand) (Reference, error)
}

// FSSource reads the standard Plan2Scene data layout under Root.
type FSSource struct {
	Root     string
	ListFile string   // relative to Root; default input/data_lists/test.txt
	Splits   []string // default DefaultSplits
}

// NewFSSource returns an FSSource with the default layout.
func NewFSSource(root string) *FSSource {
	return &FSSource{
		Root:     root,
		ListFile: filepath.Join("input", "data_lists", "test.txt"),
		Splits:   DefaultSplits,
	}
}

// Houses reads the house list, skipping blank lines.
func (s *FSSource) Houses() ([]string, error) {
	f, err := os.Open(filepath.Join(s.Root, s.ListFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var houses []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if id := strings.TrimSpace(sc.Text()); id != "" {
			houses = append(houses, id)
		}
	}
	return houses, sc.Err()
}

// Lookup finds the architecture file of houseID.
func (s *FSSource) Lookup(houseID string) (Reference, error) {
	for _, split := range s.Splits {
		rel := filepath.Join("processed", "full_archs", split, houseID+".scene.json")
		path := filepath.Join(s.Root, rel)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return Reference{HouseID: houseID, Split: split, ArchPath: path, ArchRel: filepath.ToSlash(rel)}, nil
		}
	}
	return Reference{}, fmt.Errorf("%w: no architecture for house %s", ErrNoReferenceData, houseID)
}

// Pick chooses a random house that has an architecture file.
func (s *FSSource) Pick(rng *rand.Rand) (Reference, error) {
	houses, err := s.Houses()
	if err != nil {
		logger().Warn("house list unreadable", "path", filepath.Join(s.Root, s.ListFile), "err", err)
		return Reference{}, fmt.Errorf("%w: %v", ErrNoReferenceData, err)
	}
	if len(houses) == 0 {
		return Reference{}, ErrNoReferenceData
	}

	for _, i := range rng.Perm(len(houses)) {
		ref, err := s.Lookup(houses[i])
		if err == nil {
			return ref, nil
		}
		logger().Debug("house skipped", "house", houses[i], "err", err)
	}
	return Reference{}, fmt.Errorf("%w: none of %d houses has an architecture file", ErrNoReferenceData, len(houses))
}

// Check reports which parts of the data layout are present.
func (s *FSSource) Check() map[string]bool {
	exists := func(rel string) bool {
		_, err := os.Stat(filepath.Join(s.Root, rel))
		return err == nil
	}
	return map[string]bool{
		"surface_crops": exists(filepath.Join("processed", "surface_crops")),
		"full_archs":    exists(filepath.Join("processed", "full_archs")),
		"house_list":    exists(s.ListFile),
	}
}
