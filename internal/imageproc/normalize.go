// Package imageproc prepares uploaded headshots for masked edits: it squares
// and flattens the photo onto an opaque canvas and derives the edit mask.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// ErrDecode marks input that is not a decodable raster image.
var ErrDecode = errors.New("decode image")

const (
	CanvasSize         = 1024
	FallbackCanvasSize = 768
	MaxCanvasBytes     = 4 * 1024 * 1024
	// MaxPixels caps width*height of anything we agree to decode.
	MaxPixels = 89_478_485
)

// Background is the solid fill used for padding and for flattening alpha.
var Background = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// Options tunes Normalize. The zero value is not useful; start from DefaultOptions.
type Options struct {
	Size         int
	FallbackSize int
	MaxBytes     int
	MaxPixels    int
}

// DefaultOptions matches the upstream edit endpoint: 1024 square PNG under 4 MiB.
func DefaultOptions() Options {
	return Options{Size: CanvasSize, FallbackSize: FallbackCanvasSize, MaxBytes: MaxCanvasBytes, MaxPixels: MaxPixels}
}

// Info describes a decodable upload without fully decoding it.
type Info struct {
	Format   string
	MimeType string
	Width    int
	Height   int
}

// Inspect reads just the header of data. It fails with ErrDecode for anything
// that is not a supported raster format or has more than MaxPixels pixels.
func Inspect(data []byte) (Info, error) {
	return inspect(data, MaxPixels)
}

func inspect(data []byte, maxPixels int) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return Info{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}
	return Info{Format: format, MimeType: mimeForFormat(format), Width: cfg.Width, Height: cfg.Height}, nil
}

// Normalize renders data onto an opaque square PNG canvas using DefaultOptions.
func Normalize(data []byte) ([]byte, error) {
	return NormalizeWith(data, DefaultOptions())
}

// NormalizeWith centers the image on a Background square sized to its longer
// side, flattens transparency, and resizes to opts.Size. If the PNG exceeds
// opts.MaxBytes it is rendered once more at opts.FallbackSize and returned as is.
// Images over opts.MaxPixels are rejected before decoding.
func NormalizeWith(data []byte, opts Options) ([]byte, error) {
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = MaxPixels
	}
	if _, err := inspect(data, opts.MaxPixels); err != nil {
		return nil, err
	}
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, w, h)
	}

	// The padded square must fit the pixel cap too, which long thin images
	// would break.
	if maxSide := int(math.Sqrt(float64(opts.MaxPixels))); max(w, h) > maxSide {
		src = imaging.Fit(src, maxSide, maxSide, imaging.Lanczos)
		w, h = src.Bounds().Dx(), src.Bounds().Dy()
	}

	side := max(w, h)
	square := imaging.New(side, side, Background)
	square = imaging.Overlay(square, imaging.Clone(src), image.Pt((side-w)/2, (side-h)/2), 1.0)

	out, err := encodeOpaque(imaging.Resize(square, opts.Size, opts.Size, imaging.Lanczos))
	if err != nil {
		return nil, err
	}
	if opts.MaxBytes > 0 && len(out) > opts.MaxBytes {
		return encodeOpaque(imaging.Resize(square, opts.FallbackSize, opts.FallbackSize, imaging.Lanczos))
	}
	return out, nil
}

// encodeOpaque writes img as PNG. The png encoder drops the alpha channel for
// fully opaque images, so callers must flatten first.
func encodeOpaque(img *image.NRGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return nil, fmt.Errorf("encode canvas: %w", err)
	}
	return buf.Bytes(), nil
}

func mimeForFormat(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	case "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
