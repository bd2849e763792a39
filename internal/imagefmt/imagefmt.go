// Package imagefmt registers the raster formats accepted for uploads and crops
// and offers small load/resize helpers on top of them.
package imagefmt

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrNotImage is returned when the input does not decode as a known raster format.
var ErrNotImage = errors.New("imagefmt: not a supported raster image")

// Info describes a decoded header.
type Info struct {
	Format string
	Width  int
	Height int
}

// Sniff decodes only the image header from r.
func Sniff(r io.Reader) (Info, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: empty %s image", ErrNotImage, format)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// SniffFile is Sniff on the file at path.
func SniffFile(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return Sniff(f)
}

// Load decodes the image at path.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotImage, path, err)
	}
	return img, nil
}

// Resize scales src to w×h with bilinear interpolation.
func Resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// Flat returns a w×h image filled with a single gray level.
func Flat(w, h int, level uint8) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.RGBA{R: level, G: level, B: level, A: 0xff}), image.Point{}, draw.Src)
	return dst
}
