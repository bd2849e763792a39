// Package crops gathers sampled surface crops for a reference house.
package crops

// ============================================================================
// Surface crop 收集器
// 職責：
// 1. 從資料集取得指定 house、指定表面的 crop 清單
// 2. 不重複抽樣，上限預設 20
// 3. 某表面沒有 crop 時，從材質類別池隨機挑一張替代
// ============================================================================

import (
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// logger resolves the default logger on each call.
func logger() *slog.Logger { return slog.Default() }

// DefaultMaxSamples caps crops per surface.
const DefaultMaxSamples = 20

// FallbackCategory maps a surface to the material pool used when it has no crops.
var FallbackCategory = map[types.Surface]string{
	types.SurfaceFloor:   "Wood",
	types.SurfaceCeiling: "Plastered",
	types.SurfaceWall:    "Plastered",
}

// Set maps surfaces to crop paths.
type Set map[types.Surface][]string

// Counts returns the number of crops per surface.
func (s Set) Counts() map[types.Surface]int {
	out := make(map[types.Surface]int, len(types.Surfaces))
	for _, surface := range types.Surfaces {
		out[surface] = len(s[surface])
	}
	return out
}

// Store is the backing crop source.
type Store interface {
	Crops(entity string, surface types.Surface) ([]string, error)
	FallbackPool(category string) ([]string, error)
}

// FSStore reads crops from a Plan2Scene data directory.
type FSStore struct {
	Root string
}

// Crops lists <root>/processed/surface_crops/<surface>/<entity>_*.png.
func (s FSStore) Crops(entity string, surface types.Surface) ([]string, error) {
	pattern := filepath.Join(s.Root, "processed", "surface_crops", string(surface), globEscape(entity)+"_*.png")
	return glob(pattern)
}

// FallbackPool lists <root>/textures/stationary_textures_dataset_v2/train/<category>_*.jpg.
func (s FSStore) FallbackPool(category string) ([]string, error) {
	pattern := filepath.Join(s.Root, "textures", "stationary_textures_dataset_v2", "train", globEscape(category)+"_*.jpg")
	return glob(pattern)
}

func glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("crops: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Collection is the outcome of CollectAll.
type Collection struct {
	Crops Set
	// Substituted records the fallback category used per surface.
	Substituted map[types.Surface]string
}

// Collector samples crops from a Store.
type Collector struct {
	store      Store
	maxSamples int
}

// NewCollector returns a Collector. maxSamples <= 0 means DefaultMaxSamples.
func NewCollector(store Store, maxSamples int) *Collector {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Collector{store: store, maxSamples: maxSamples}
}

// Collect returns up to maxSamples crops for entity/surface, sampled
// without replacement. Store errors are logged and yield no crops.
func (c *Collector) Collect(entity string, surface types.Surface, rng *rand.Rand) []string {
	all, err := c.store.Crops(entity, surface)
	if err != nil {
		logger().Warn("crop lookup failed", "entity", entity, "surface", surface, "err", err)
		return nil
	}
	return sample(all, c.maxSamples, rng)
}

// CollectAll collects every surface and substitutes one fallback crop for
// each surface that came back empty.
func (c *Collector) CollectAll(entity string, rng *rand.Rand) Collection {
	out := Collection{
		Crops:       make(Set, len(types.Surfaces)),
		Substituted: make(map[types.Surface]string),
	}
	for _, surface := range types.Surfaces {
		picked := c.Collect(entity, surface, rng)
		if len(picked) == 0 {
			if fb, category := c.fallback(surface, rng); fb != "" {
				picked = []string{fb}
				out.Substituted[surface] = category
			}
		}
		out.Crops[surface] = picked
		logger().Debug("crops collected", "entity", entity, "surface", surface, "count", len(picked))
	}
	return out
}

func (c *Collector) fallback(surface types.Surface, rng *rand.Rand) (string, string) {
	category, ok := FallbackCategory[surface]
	if !ok {
		return "", ""
	}
	pool, err := c.store.FallbackPool(category)
	if err != nil {
		logger().Warn("fallback pool lookup failed", "category", category, "err", err)
		return "", ""
	}
	if len(pool) == 0 {
		return "", ""
	}
	return pool[rng.Intn(len(pool))], category
}

// sample picks min(n, len(items)) distinct items.
func sample(items []string, n int, rng *rand.Rand) []string {
	if len(items) == 0 {
		return nil
	}
	if n > len(items) {
		n = len(items)
	}
	perm := rng.Perm(len(items))
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = items[perm[i]]
	}
	return out
}

// globEscape quotes glob metacharacters in a literal path component.
func globEscape(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
