package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

const (
	DefaultFileName   = "avatar.png"
	DefaultMaxSurface = 4096
	artifactMIMEType  = "image/png"
)

// ArtifactFile is the encoded output bitmap.
type ArtifactFile struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data []byte `json:"-"`
}

func (f ArtifactFile) Size() int {
	return len(f.Data)
}

// CropArtifact is produced once per confirmed crop. It is not modified
// after it is handed to the completion callback.
type CropArtifact struct {
	File    ArtifactFile `json:"file"`
	DataURL string       `json:"-"`
	Bitmap  image.Image  `json:"-"`
	State   CropState    `json:"state"`
}

type imageEncoder interface {
	Encode(w io.Writer, m image.Image) error
}

// Rasterizer bakes a crop geometry into a circular output bitmap.
type Rasterizer struct {
	Interpolator draw.Interpolator
	MaxSurface   int
	Encoder      imageEncoder
}

func NewRasterizer(interpolation string, maxSurface int) (*Rasterizer, error) {
	interp, err := InterpolatorByName(interpolation)
	if err != nil {
		return nil, err
	}
	if maxSurface <= 0 {
		maxSurface = DefaultMaxSurface
	}
	return &Rasterizer{
		Interpolator: interp,
		MaxSurface:   maxSurface,
		Encoder:      &png.Encoder{CompressionLevel: png.BestCompression},
	}, nil
}

// InterpolatorByName resolves a config value to an x/image/draw interpolator.
func InterpolatorByName(name string) (draw.Interpolator, error) {
	switch strings.ToLower(name) {
	case "", "catmullrom":
		return draw.CatmullRom, nil
	case "bilinear":
		return draw.BiLinear, nil
	case "approxbilinear":
		return draw.ApproxBiLinear, nil
	case "nearest":
		return draw.NearestNeighbor, nil
	default:
		return nil, fmt.Errorf("unknown interpolation %q", name)
	}
}

// MetricsOf returns the natural size of a decoded image.
func MetricsOf(img image.Image) Metrics {
	b := img.Bounds()
	return Metrics{Width: float64(b.Dx()), Height: float64(b.Dy())}
}

// Rasterize draws src into an outputSize square surface clipped to the
// inscribed circle and encodes it as PNG. The state is clamped to the
// configured zoom range first.
func (r *Rasterizer) Rasterize(ctx context.Context, src image.Image, cfg CropConfig, state CropState, fileName string) (CropArtifact, error) {
	if src == nil {
		return CropArtifact{}, &ImageDecodeError{Source: fileName, Err: errors.New("no source image")}
	}
	metrics := MetricsOf(src)
	if !metrics.valid() {
		return CropArtifact{}, &ImageDecodeError{Source: fileName, Err: fmt.Errorf("empty image %vx%v", metrics.Width, metrics.Height)}
	}
	state = ClampState(state, cfg)

	side := cfg.OutputSide()
	surface, err := r.newSurface(side, cfg.CropSize)
	if err != nil {
		return CropArtifact{}, err
	}

	if err := ctx.Err(); err != nil {
		return CropArtifact{}, err
	}

	// The transform below assumes a zero-origin source.
	if src.Bounds().Min != (image.Point{}) {
		src = imaging.Clone(src)
	}
	s2d := DrawTransform(metrics, cfg, state)
	r.Interpolator.Transform(surface, s2d, src, src.Bounds(), draw.Over, &draw.Options{
		DstMask: newCircleMask(side),
	})

	var buf bytes.Buffer
	if err := r.Encoder.Encode(&buf, surface); err != nil {
		return CropArtifact{}, &EncodeError{Format: "png", Err: err}
	}
	if fileName == "" {
		fileName = DefaultFileName
	}

	return CropArtifact{
		File: ArtifactFile{
			Name: fileName,
			Type: artifactMIMEType,
			Data: buf.Bytes(),
		},
		DataURL: "data:" + artifactMIMEType + ";base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		Bitmap:  surface,
		State:   state,
	}, nil
}

func (r *Rasterizer) newSurface(side int, cropSize float64) (surface *image.RGBA, err error) {
	if cropSize <= 0 || math.IsNaN(cropSize) {
		return nil, &SurfaceUnavailableError{Size: side, Err: fmt.Errorf("invalid crop size %v", cropSize)}
	}
	if side <= 0 {
		return nil, &SurfaceUnavailableError{Size: side, Err: errors.New("non-positive output size")}
	}
	if r.MaxSurface > 0 && side > r.MaxSurface {
		return nil, &SurfaceUnavailableError{Size: side, Err: fmt.Errorf("exceeds maximum side %d", r.MaxSurface)}
	}
	defer func() {
		if p := recover(); p != nil {
			surface, err = nil, &SurfaceUnavailableError{Size: side, Err: fmt.Errorf("allocation failed: %v", p)}
		}
	}()
	return image.NewRGBA(image.Rect(0, 0, side, side)), nil
}

// circleMask is an anti-aliased alpha mask of the circle inscribed in a
// side x side square.
type circleMask struct {
	side   int
	center float64
	radius float64
}

func newCircleMask(side int) *circleMask {
	half := float64(side) / 2
	return &circleMask{side: side, center: half, radius: half}
}

func (c *circleMask) ColorModel() color.Model { return color.AlphaModel }

func (c *circleMask) Bounds() image.Rectangle { return image.Rect(0, 0, c.side, c.side) }

func (c *circleMask) At(x, y int) color.Color {
	dx := float64(x) + 0.5 - c.center
	dy := float64(y) + 0.5 - c.center
	coverage := clamp(c.radius-math.Hypot(dx, dy)+0.5, 0, 1)
	return color.Alpha{A: uint8(math.Round(coverage * 0xff))}
}
