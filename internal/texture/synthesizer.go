// Package texture produces one texture image per surface, choosing between
// the accelerated blend path and the deterministic CPU path.
package texture

// ============================================================================
// 材質合成選擇器
// 職責：
// 1. 裝置可用且模型可載入時走 GPU 路徑，否則走 CPU 路徑
// 2. 模型每個 process 最多載入一次，載入失敗也會被快取
// 3. GPU 路徑任何錯誤或 panic 都退回 CPU 路徑
// 4. 三種表面並行合成（errgroup）
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/plan2mesh/internal/imagefmt"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

// logger resolves the default logger on each call.
func logger() *slog.Logger { return slog.Default() }

// ErrModelUnavailable means the synthesis model could not be loaded.
var ErrModelUnavailable = errors.New("texture: synthesis model unavailable")

// 預設參數
const (
	DefaultTargetSize  = 512
	DefaultWorkSize    = 256
	DefaultMaxGPUCrops = 5
	FallbackGray       = 200
)

// Method records which path produced a texture.
type Method string

const (
	MethodGPU Method = "gpu_neural"
	MethodCPU Method = "cpu_fallback"
)

// Texture is one synthesised surface image.
type Texture struct {
	Image  *image.RGBA
	Method Method
	Crops  int    // crops available to the synthesiser
	Path   string // set by SaveAll, relative to the output dir
}

// Set maps each surface to its texture.
type Set map[types.Surface]*Texture

// Config configures a Synthesizer. Zero values take the defaults.
type Config struct {
	Device      Device
	Loader      ModelLoader
	TargetSize  int
	MaxGPUCrops int
	Concurrency int

	// Observe is called once per produced texture.
	Observe func(surface types.Surface, method Method)
}

// Synthesizer is safe for concurrent use by multiple jobs.
type Synthesizer struct {
	cfg Config

	mu    sync.Mutex
	model Model
}

// New returns a Synthesizer.
func New(cfg Config) *Synthesizer {
	if cfg.Device == nil {
		cfg.Device = NoDevice{}
	}
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = DefaultTargetSize
	}
	if cfg.MaxGPUCrops <= 0 {
		cfg.MaxGPUCrops = DefaultMaxGPUCrops
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = len(types.Surfaces)
	}
	return &Synthesizer{cfg: cfg}
}

// DeviceName is the name of the configured device.
func (s *Synthesizer) DeviceName() string {
	return s.cfg.Device.Name()
}

// Model returns the shared model, loading it on first use. Only a successful
// load is kept; after a failure the next call tries the loader again.
func (s *Synthesizer) Model(ctx context.Context) (Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.model != nil {
		return s.model, nil
	}
	if s.cfg.Loader == nil {
		return nil, fmt.Errorf("%w: no loader configured", ErrModelUnavailable)
	}
	m, err := s.cfg.Loader.Load(ctx)
	if err == nil && m == nil {
		err = errors.New("loader returned nil model")
	}
	if err != nil {
		logger().Warn("synthesis model load failed, CPU path only", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	s.model = m
	return m, nil
}

// Synthesize produces the texture for one surface from its crop paths.
// It never fails: every GPU-path problem degrades to the CPU path.
func (s *Synthesizer) Synthesize(ctx context.Context, surface types.Surface, crops []string, rng *rand.Rand) *Texture {
	var tex *Texture
	if s.cfg.Device.Available() {
		img, err := s.gpu(ctx, crops, rng)
		if err == nil {
			tex = &Texture{Image: img, Method: MethodGPU}
		} else {
			logger().Info("GPU synthesis failed, using CPU fallback", "surface", surface, "err", err)
		}
	}
	if tex == nil {
		tex = &Texture{Image: s.cpu(surface, crops), Method: MethodCPU}
	}
	tex.Crops = len(crops)

	if s.cfg.Observe != nil {
		s.cfg.Observe(surface, tex.Method)
	}
	return tex
}

// SynthesizeAll runs Synthesize for every surface concurrently. Each surface
// gets its own rng seeded from rng, in types.Surfaces order.
func (s *Synthesizer) SynthesizeAll(ctx context.Context, crops map[types.Surface][]string, rng *rand.Rand) (Set, error) {
	seeds := make([]int64, len(types.Surfaces))
	for i := range seeds {
		seeds[i] = rng.Int63()
	}

	results := make([]*Texture, len(types.Surfaces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for i, surface := range types.Surfaces {
		i, surface := i, surface
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.Synthesize(gctx, surface, crops[surface], rand.New(rand.NewSource(seeds[i])))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := make(Set, len(results))
	for i, surface := range types.Surfaces {
		set[surface] = results[i]
	}
	return set, nil
}

// SaveAll writes each texture to <dir>/textures/<surface>.png and records the
// relative path on the texture.
func SaveAll(dir string, set Set) (map[types.Surface]string, error) {
	texDir := filepath.Join(dir, "textures")
	if err := os.MkdirAll(texDir, 0o755); err != nil {
		return nil, err
	}

	paths := make(map[types.Surface]string, len(set))
	for _, surface := range types.Surfaces {
		tex, ok := set[surface]
		if !ok || tex == nil || tex.Image == nil {
			continue
		}
		rel := filepath.ToSlash(filepath.Join("textures", string(surface)+".png"))
		if err := writePNG(filepath.Join(dir, rel), tex.Image); err != nil {
			return nil, fmt.Errorf("texture: save %s: %w", surface, err)
		}
		tex.Path = rel
		paths[surface] = rel
	}
	return paths, nil
}

// ============================================================================
// 內部路徑
// ============================================================================

func (s *Synthesizer) gpu(ctx context.Context, paths []string, rng *rand.Rand) (img *image.RGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("texture: GPU path panic: %v", r)
		}
	}()

	model, err := s.Model(ctx)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrNoCrops
	}
	if len(paths) > s.cfg.MaxGPUCrops {
		paths = paths[:s.cfg.MaxGPUCrops]
	}

	batch := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		c, err := imagefmt.Load(p)
		if err != nil {
			return nil, err
		}
		batch = append(batch, c)
	}

	blended, err := model.Blend(batch, rng)
	if err != nil {
		return nil, err
	}
	size := s.cfg.TargetSize
	return imagefmt.Resize(blended, size, size), nil
}

func (s *Synthesizer) cpu(surface types.Surface, paths []string) *image.RGBA {
	size := s.cfg.TargetSize
	if len(paths) == 0 {
		return imagefmt.Flat(size, size, FallbackGray)
	}
	first, err := imagefmt.Load(paths[0])
	if err != nil {
		logger().Warn("crop unreadable, using flat texture", "surface", surface, "path", paths[0], "err", err)
		return imagefmt.Flat(size, size, FallbackGray)
	}
	return imagefmt.Resize(first, size, size)
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
