package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"
)

var (
	red    = color.NRGBA{255, 0, 0, 255}
	green  = color.NRGBA{0, 255, 0, 255}
	blue   = color.NRGBA{0, 0, 255, 255}
	yellow = color.NRGBA{255, 255, 0, 255}
)

// createQuadrantImage fills each quadrant with a distinct color.
func createQuadrantImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			switch {
			case x < width/2 && y < height/2:
				img.SetNRGBA(x, y, red)
			case y < height/2:
				img.SetNRGBA(x, y, green)
			case x < width/2:
				img.SetNRGBA(x, y, blue)
			default:
				img.SetNRGBA(x, y, yellow)
			}
		}
	}
	return img
}

// createHalvesImage is red on the left half and blue on the right half.
func createHalvesImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < width/2 {
				img.SetNRGBA(x, y, red)
			} else {
				img.SetNRGBA(x, y, blue)
			}
		}
	}
	return img
}

func pixelAt(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

func closeColor(a, b color.NRGBA) bool {
	diff := func(p, q uint8) int {
		if p > q {
			return int(p - q)
		}
		return int(q - p)
	}
	return diff(a.R, b.R) <= 2 && diff(a.G, b.G) <= 2 && diff(a.B, b.B) <= 2 && diff(a.A, b.A) <= 2
}

func newTestRasterizer(t *testing.T) *Rasterizer {
	t.Helper()
	r, err := NewRasterizer("catmullrom", 0)
	if err != nil {
		t.Fatalf("NewRasterizer failed: %v", err)
	}
	return r
}

func TestRasterizeSquareImageNoPan(t *testing.T) {
	r := newTestRasterizer(t)
	src := createQuadrantImage(400, 400)

	artifact, err := r.Rasterize(context.Background(), src, DefaultCropConfig(), CropState{Zoom: 1, Position: Position{50, 50}}, "")
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}

	b := artifact.Bitmap.Bounds()
	if b.Dx() != 256 || b.Dy() != 256 {
		t.Fatalf("expected 256x256 output, got %dx%d", b.Dx(), b.Dy())
	}

	// Corners lie outside the circle.
	for _, p := range []image.Point{{0, 0}, {255, 0}, {0, 255}, {255, 255}} {
		if a := pixelAt(artifact.Bitmap, p.X, p.Y).A; a != 0 {
			t.Errorf("expected transparent corner at %v, got alpha %d", p, a)
		}
	}

	// The whole source is visible, so every quadrant shows up in place.
	checks := map[image.Point]color.NRGBA{
		{80, 80}:   red,
		{176, 80}:  green,
		{80, 176}:  blue,
		{176, 176}: yellow,
	}
	for p, want := range checks {
		if got := pixelAt(artifact.Bitmap, p.X, p.Y); !closeColor(got, want) {
			t.Errorf("pixel %v: expected %v, got %v", p, want, got)
		}
	}
}

func TestRasterizeWideImageFullPanRight(t *testing.T) {
	r := newTestRasterizer(t)
	src := createHalvesImage(800, 400)

	tests := []struct {
		name string
		x    float64
		want color.NRGBA
	}{
		{"right half", 100, blue},
		{"left half", 0, red},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artifact, err := r.Rasterize(context.Background(), src, DefaultCropConfig(), CropState{Zoom: 1, Position: Position{tt.x, 50}}, "")
			if err != nil {
				t.Fatalf("Rasterize failed: %v", err)
			}
			for _, p := range []image.Point{{128, 128}, {20, 128}, {236, 128}, {128, 20}, {128, 236}} {
				if got := pixelAt(artifact.Bitmap, p.X, p.Y); !closeColor(got, tt.want) {
					t.Errorf("pixel %v: expected %v, got %v", p, tt.want, got)
				}
			}
		})
	}
}

func TestRasterizeCenteredIndependentOfOutputSize(t *testing.T) {
	r := newTestRasterizer(t)
	src := createQuadrantImage(360, 360)

	relative := map[[2]float64]color.NRGBA{
		{0.3, 0.3}: red,
		{0.7, 0.3}: green,
		{0.3, 0.7}: blue,
		{0.7, 0.7}: yellow,
	}

	for _, size := range []float64{128, 256, 360, 512} {
		cfg := DefaultCropConfig()
		cfg.OutputSize = size
		artifact, err := r.Rasterize(context.Background(), src, cfg, InitialState(cfg), "")
		if err != nil {
			t.Fatalf("size %v: Rasterize failed: %v", size, err)
		}
		for rel, want := range relative {
			x, y := int(rel[0]*size), int(rel[1]*size)
			if got := pixelAt(artifact.Bitmap, x, y); !closeColor(got, want) {
				t.Errorf("size %v pixel (%d,%d): expected %v, got %v", size, x, y, want, got)
			}
		}
	}
}

func TestRasterizeIdentityCopiesSource(t *testing.T) {
	r := newTestRasterizer(t)
	src := createQuadrantImage(360, 360)
	cfg := DefaultCropConfig()
	cfg.OutputSize = 360

	artifact, err := r.Rasterize(context.Background(), src, cfg, InitialState(cfg), "")
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	for y := 100; y < 260; y += 7 {
		for x := 100; x < 260; x += 7 {
			if got, want := pixelAt(artifact.Bitmap, x, y), src.NRGBAAt(x, y); !closeColor(got, want) {
				t.Fatalf("pixel (%d,%d): expected %v, got %v", x, y, want, got)
			}
		}
	}
}

func TestRasterizeEncodesPNG(t *testing.T) {
	r := newTestRasterizer(t)
	artifact, err := r.Rasterize(context.Background(), createQuadrantImage(300, 200), DefaultCropConfig(), CropState{Zoom: 2, Position: Position{25, 75}}, "me.png")
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}

	if artifact.File.Name != "me.png" {
		t.Errorf("expected name me.png, got %s", artifact.File.Name)
	}
	if artifact.File.Type != "image/png" {
		t.Errorf("expected type image/png, got %s", artifact.File.Type)
	}
	if artifact.File.Size() == 0 {
		t.Fatal("expected non-empty file data")
	}

	decoded, err := png.Decode(bytes.NewReader(artifact.File.Data))
	if err != nil {
		t.Fatalf("file data is not a PNG: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Errorf("expected 256x256 PNG, got %dx%d", b.Dx(), b.Dy())
	}

	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(artifact.DataURL, prefix) {
		t.Fatalf("unexpected data URL prefix: %.40s", artifact.DataURL)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(artifact.DataURL, prefix))
	if err != nil {
		t.Fatalf("data URL payload is not base64: %v", err)
	}
	if !bytes.Equal(raw, artifact.File.Data) {
		t.Error("data URL payload does not match file data")
	}
}

func TestRasterizeDefaultFileName(t *testing.T) {
	r := newTestRasterizer(t)
	artifact, err := r.Rasterize(context.Background(), createQuadrantImage(10, 10), DefaultCropConfig(), CropState{Zoom: 1}, "")
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if artifact.File.Name != DefaultFileName {
		t.Errorf("expected default name %s, got %s", DefaultFileName, artifact.File.Name)
	}
}

func TestRasterizeClampsState(t *testing.T) {
	r := newTestRasterizer(t)
	artifact, err := r.Rasterize(context.Background(), createQuadrantImage(100, 100), DefaultCropConfig(), CropState{Zoom: 12, Position: Position{-5, 250}}, "")
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	want := CropState{Zoom: 3, Position: Position{0, 100}}
	if artifact.State != want {
		t.Errorf("expected clamped state %v, got %v", want, artifact.State)
	}
}

func TestRasterizeNonZeroOrigin(t *testing.T) {
	r := newTestRasterizer(t)
	full := createHalvesImage(800, 400)
	right := full.SubImage(image.Rect(400, 0, 800, 400))

	artifact, err := r.Rasterize(context.Background(), right, DefaultCropConfig(), CropState{Zoom: 1, Position: Position{50, 50}}, "")
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}
	if got := pixelAt(artifact.Bitmap, 128, 128); !closeColor(got, blue) {
		t.Errorf("expected blue center, got %v", got)
	}
}

type failingEncoder struct{}

func (failingEncoder) Encode(io.Writer, image.Image) error {
	return errors.New("disk full")
}

func TestRasterizeErrors(t *testing.T) {
	src := createQuadrantImage(50, 50)

	t.Run("nil source", func(t *testing.T) {
		_, err := newTestRasterizer(t).Rasterize(context.Background(), nil, DefaultCropConfig(), CropState{Zoom: 1}, "")
		var target *ImageDecodeError
		if !errors.As(err, &target) {
			t.Fatalf("expected ImageDecodeError, got %v", err)
		}
	})

	t.Run("empty source", func(t *testing.T) {
		_, err := newTestRasterizer(t).Rasterize(context.Background(), image.NewNRGBA(image.Rect(0, 0, 0, 10)), DefaultCropConfig(), CropState{Zoom: 1}, "")
		var target *ImageDecodeError
		if !errors.As(err, &target) {
			t.Fatalf("expected ImageDecodeError, got %v", err)
		}
	})

	t.Run("zero output size", func(t *testing.T) {
		cfg := DefaultCropConfig()
		cfg.OutputSize = 0.5
		_, err := newTestRasterizer(t).Rasterize(context.Background(), src, cfg, CropState{Zoom: 1}, "")
		var target *SurfaceUnavailableError
		if !errors.As(err, &target) {
			t.Fatalf("expected SurfaceUnavailableError, got %v", err)
		}
	})

	t.Run("surface too large", func(t *testing.T) {
		r := newTestRasterizer(t)
		r.MaxSurface = 128
		_, err := r.Rasterize(context.Background(), src, DefaultCropConfig(), CropState{Zoom: 1}, "")
		var target *SurfaceUnavailableError
		if !errors.As(err, &target) {
			t.Fatalf("expected SurfaceUnavailableError, got %v", err)
		}
		if target.Size != 256 {
			t.Errorf("expected size 256 in error, got %d", target.Size)
		}
	})

	t.Run("invalid crop size", func(t *testing.T) {
		cfg := DefaultCropConfig()
		cfg.CropSize = 0
		_, err := newTestRasterizer(t).Rasterize(context.Background(), src, cfg, CropState{Zoom: 1}, "")
		var target *SurfaceUnavailableError
		if !errors.As(err, &target) {
			t.Fatalf("expected SurfaceUnavailableError, got %v", err)
		}
	})

	t.Run("encode failure", func(t *testing.T) {
		r := newTestRasterizer(t)
		r.Encoder = failingEncoder{}
		_, err := r.Rasterize(context.Background(), src, DefaultCropConfig(), CropState{Zoom: 1}, "")
		var target *EncodeError
		if !errors.As(err, &target) {
			t.Fatalf("expected EncodeError, got %v", err)
		}
		if !strings.Contains(err.Error(), "disk full") {
			t.Errorf("expected wrapped cause, got %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestRasterizer(t).Rasterize(ctx, src, DefaultCropConfig(), CropState{Zoom: 1}, "")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestCircleMask(t *testing.T) {
	m := newCircleMask(100)
	alpha := func(x, y int) uint8 { return m.At(x, y).(color.Alpha).A }

	if a := alpha(50, 50); a != 0xff {
		t.Errorf("expected opaque center, got %d", a)
	}
	if a := alpha(0, 0); a != 0 {
		t.Errorf("expected transparent corner, got %d", a)
	}
	if a := alpha(0, 50); a == 0 || a == 0xff {
		t.Errorf("expected partial coverage on the edge, got %d", a)
	}
}

func TestInterpolatorByName(t *testing.T) {
	for _, name := range []string{"", "catmullrom", "BiLinear", "approxbilinear", "nearest"} {
		if _, err := InterpolatorByName(name); err != nil {
			t.Errorf("InterpolatorByName(%q) failed: %v", name, err)
		}
	}
	if _, err := InterpolatorByName("lanczos"); err == nil {
		t.Error("expected error for unknown interpolator")
	}
}
