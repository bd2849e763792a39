package texture

// ============================================================================
// 合成模型
// 職責：
// 1. 定義 Model / ModelLoader 介面（推論本身視為黑盒）
// 2. CheckpointLoader 驗證 checkpoint 檔可讀後回傳 SoftmaxBlend
// 3. SoftmaxBlend：N 張 crop 的凸組合，權重取自 softmax(隨機值)
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"

	"github.com/ChuLiYu/plan2mesh/internal/imagefmt"
)

// ErrNoCrops is returned by a model asked to blend an empty batch.
var ErrNoCrops = errors.New("texture: no crops to blend")

// Model produces one image from a batch of crops.
type Model interface {
	Blend(crops []image.Image, rng *rand.Rand) (image.Image, error)
}

// ModelLoader loads the synthesis model.
type ModelLoader interface {
	Load(ctx context.Context) (Model, error)
}

// CheckpointLoader loads the model weights file at Path.
type CheckpointLoader struct {
	Path     string
	WorkSize int
}

// Load checks the checkpoint is a readable, non-empty file.
func (l CheckpointLoader) Load(ctx context.Context) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Path == "" {
		return nil, errors.New("texture: no checkpoint configured")
	}
	f, err := os.Open(l.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.IsDir() || st.Size() == 0 {
		return nil, fmt.Errorf("texture: checkpoint %s is empty", l.Path)
	}
	logger().Info("synthesis checkpoint loaded", "path", l.Path, "bytes", st.Size())
	return &SoftmaxBlend{WorkSize: l.WorkSize}, nil
}

// SoftmaxBlend resizes each crop to WorkSize×WorkSize and returns their
// weighted average with weights softmax(N(0,1)).
type SoftmaxBlend struct {
	WorkSize int
}

func (b *SoftmaxBlend) Blend(crops []image.Image, rng *rand.Rand) (image.Image, error) {
	if len(crops) == 0 {
		return nil, ErrNoCrops
	}
	size := b.WorkSize
	if size <= 0 {
		size = DefaultWorkSize
	}

	weights := softmax(rng, len(crops))
	acc := make([]float64, size*size*3)

	for k, c := range crops {
		work := imagefmt.Resize(c, size, size)
		w := weights[k]
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				px := work.RGBAAt(x, y)
				i := (y*size + x) * 3
				acc[i] += w * float64(px.R)
				acc[i+1] += w * float64(px.G)
				acc[i+2] += w * float64(px.B)
			}
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := (y*size + x) * 3
			out.SetRGBA(x, y, color.RGBA{R: clamp8(acc[i]), G: clamp8(acc[i+1]), B: clamp8(acc[i+2]), A: 0xff})
		}
	}
	return out, nil
}

func softmax(rng *rand.Rand, n int) []float64 {
	raw := make([]float64, n)
	hi := math.Inf(-1)
	for i := range raw {
		raw[i] = rng.NormFloat64()
		if raw[i] > hi {
			hi = raw[i]
		}
	}
	sum := 0.0
	for i := range raw {
		raw[i] = math.Exp(raw[i] - hi)
		sum += raw[i]
	}
	for i := range raw {
		raw[i] /= sum
	}
	return raw
}

func clamp8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
