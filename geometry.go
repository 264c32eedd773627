package main

import (
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
)

// Metrics are the natural pixel dimensions of a decoded source image.
type Metrics struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (m Metrics) valid() bool {
	return m.Width > 0 && m.Height > 0 && !math.IsInf(m.Width, 0) && !math.IsInf(m.Height, 0)
}

// CropConfig is fixed for the lifetime of a session.
type CropConfig struct {
	// CropSize is the viewport diameter in pixels.
	CropSize float64 `json:"cropSize"`
	// OutputSize is the side of the output bitmap in pixels.
	OutputSize float64 `json:"outputSize"`
	ZoomMin    float64 `json:"zoomMin"`
	ZoomMax    float64 `json:"zoomMax"`
	ZoomStep   float64 `json:"zoomStep"`
}

const (
	DefaultZoomMin    = 1.0
	DefaultZoomMax    = 3.0
	DefaultZoomStep   = 0.05
	DefaultCropSize   = 360.0
	DefaultOutputSize = 256.0
)

func DefaultCropConfig() CropConfig {
	return CropConfig{
		CropSize:   DefaultCropSize,
		OutputSize: DefaultOutputSize,
		ZoomMin:    DefaultZoomMin,
		ZoomMax:    DefaultZoomMax,
		ZoomStep:   DefaultZoomStep,
	}
}

// Position is a normalized pan in percent, with CSS background-position
// semantics: 0 aligns the leading edges, 100 aligns the trailing edges.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type CropState struct {
	Zoom     float64  `json:"zoom"`
	Position Position `json:"position"`
}

// InitialState is centered at minimum zoom.
func InitialState(cfg CropConfig) CropState {
	return CropState{Zoom: cfg.ZoomMin, Position: Position{X: 50, Y: 50}}
}

func (s CropState) String() string {
	return fmt.Sprintf("zoom=%.2f pos=(%.2f,%.2f)", s.Zoom, s.Position.X, s.Position.Y)
}

// DisplaySize is the size the source renders at for the current zoom.
type DisplaySize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Offsets struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BaseScale is the smallest scale at which the image covers a square
// viewport of side cropSize on both axes.
func BaseScale(m Metrics, cropSize float64) float64 {
	return math.Max(cropSize/m.Width, cropSize/m.Height)
}

func ComputeDisplaySize(m Metrics, cropSize, zoom float64) DisplaySize {
	scale := BaseScale(m, cropSize) * zoom
	return DisplaySize{Width: m.Width * scale, Height: m.Height * scale}
}

// MaxOffsets is the pixel range the pan can traverse on each axis.
// Zero on an axis where the image exactly fits.
func MaxOffsets(d DisplaySize, cropSize float64) Offsets {
	return Offsets{
		X: math.Max(d.Width-cropSize, 0),
		Y: math.Max(d.Height-cropSize, 0),
	}
}

// PixelOffset maps a normalized pan to the translation of the crop
// window's top-left corner relative to the displayed image's top-left.
func PixelOffset(p Position, limit Offsets) Offsets {
	return Offsets{
		X: p.X / 100 * limit.X,
		Y: p.Y / 100 * limit.Y,
	}
}

// ClampState brings a state restored from outside the controller back
// into contract. NaN components fall back to their defaults.
func ClampState(s CropState, cfg CropConfig) CropState {
	zoom := s.Zoom
	if math.IsNaN(zoom) {
		zoom = cfg.ZoomMin
	}
	return CropState{
		Zoom: clamp(zoom, cfg.ZoomMin, cfg.ZoomMax),
		Position: Position{
			X: clampPercent(s.Position.X),
			Y: clampPercent(s.Position.Y),
		},
	}
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 50
	}
	return clamp(v, 0, 100)
}

// OutputSide is the integer side of the output surface.
func (c CropConfig) OutputSide() int {
	return int(math.Floor(c.OutputSize))
}

// DrawTransform maps source pixel space to output pixel space: scale the
// source to display size, translate by the pan offset, then rescale from
// viewport pixels to output pixels.
func DrawTransform(m Metrics, cfg CropConfig, s CropState) f64.Aff3 {
	display := ComputeDisplaySize(m, cfg.CropSize, s.Zoom)
	offset := PixelOffset(s.Position, MaxOffsets(display, cfg.CropSize))
	ratio := cfg.OutputSize / cfg.CropSize

	sx := display.Width * ratio / m.Width
	sy := display.Height * ratio / m.Height
	return f64.Aff3{
		sx, 0, -offset.X * ratio,
		0, sy, -offset.Y * ratio,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
