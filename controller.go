package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

type SessionState int

const (
	StateClosed SessionState = iota
	StateLoadingMetadata
	StateIdle
	StateDragging
	StateProcessing
)

func (s SessionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateLoadingMetadata:
		return "loading"
	case StateIdle:
		return "idle"
	case StateDragging:
		return "dragging"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type ImageLoader interface {
	Load(ctx context.Context, src string) (image.Image, error)
}

type ArtifactRasterizer interface {
	Rasterize(ctx context.Context, src image.Image, cfg CropConfig, state CropState, fileName string) (CropArtifact, error)
}

type ControllerOptions struct {
	Config     CropConfig
	Loader     ImageLoader
	Rasterizer ArtifactRasterizer
	// OnComplete receives the artifact of a successful confirm, before OnClose.
	OnComplete func(CropArtifact)
	// OnClose is called once each time a session ends.
	OnClose func()
	// OnError receives decode and rasterize failures.
	OnError func(error)
}

type dragSession struct {
	startX, startY               float64
	startPercentX, startPercentY float64
}

// Controller owns one crop dialog. A session starts with Open and ends
// with a delivered artifact, a decode failure, or Cancel. Sessions are
// numbered; results of async work that belongs to an earlier session are
// dropped.
type Controller struct {
	opts ControllerOptions

	mu         sync.Mutex
	state      SessionState
	generation uint64
	source     string
	fileName   string
	img        image.Image
	metrics    Metrics
	crop       CropState
	drag       *dragSession
	lastErr    error
	logger     *zerolog.Logger
	cancelLoad context.CancelFunc

	wg conc.WaitGroup
}

func NewController(opts ControllerOptions) *Controller {
	if opts.Config == (CropConfig{}) {
		opts.Config = DefaultCropConfig()
	}
	nop := zerolog.Nop()
	return &Controller{
		opts:   opts,
		crop:   InitialState(opts.Config),
		logger: &nop,
	}
}

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	State      SessionState `json:"state"`
	Source     string       `json:"source,omitempty"`
	FileName   string       `json:"fileName,omitempty"`
	Zoom       float64      `json:"zoom"`
	Position   Position     `json:"position"`
	Metrics    *Metrics     `json:"metrics,omitempty"`
	Display    *DisplaySize `json:"display,omitempty"`
	MaxOffsets *Offsets     `json:"maxOffsets,omitempty"`
	Offset     *Offsets     `json:"offset,omitempty"`
	Error      string       `json:"error,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:    c.state,
		Source:   truncateSource(c.source),
		FileName: c.fileName,
		Zoom:     c.crop.Zoom,
		Position: c.crop.Position,
	}
	if c.img != nil {
		m := c.metrics
		d := c.displayLocked()
		mo := MaxOffsets(d, c.opts.Config.CropSize)
		off := PixelOffset(c.crop.Position, mo)
		s.Metrics, s.Display, s.MaxOffsets, s.Offset = &m, &d, &mo, &off
	}
	if c.lastErr != nil {
		s.Error = c.lastErr.Error()
	}
	return s
}

func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) CropState() CropState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crop
}

// Open starts a new session for src and decodes it in the background.
// An open session is closed first.
func (c *Controller) Open(ctx context.Context, src, fileName string) error {
	if src == "" {
		return fmt.Errorf("open: %w: no image source", ErrNotReady)
	}

	c.mu.Lock()
	closedPrev := c.closeLocked()
	c.generation++
	gen := c.generation
	c.state = StateLoadingMetadata
	c.source = src
	c.fileName = fileName
	c.lastErr = nil
	c.logger = log.Ctx(ctx)
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelLoad = cancel
	logger := c.logger
	c.mu.Unlock()

	if closedPrev {
		c.notifyClose()
	}
	logger.Debug().Uint64("session", gen).Str("source", shortSource(src)).Msg("loading image")

	c.wg.Go(func() {
		var img image.Image
		err := recoverErr(func() (err error) {
			img, err = c.opts.Loader.Load(loadCtx, src)
			return err
		})
		c.finishLoad(gen, img, err)
	})
	return nil
}

func (c *Controller) finishLoad(gen uint64, img image.Image, err error) {
	c.mu.Lock()
	logger := c.logger
	if gen != c.generation || c.state != StateLoadingMetadata {
		c.mu.Unlock()
		logger.Debug().Uint64("session", gen).Msg("dropping stale image load")
		return
	}
	if err != nil {
		var decodeErr *ImageDecodeError
		if !errors.As(err, &decodeErr) {
			err = &ImageDecodeError{Source: shortSource(c.source), Err: err}
		}
		c.closeLocked()
		c.lastErr = err
		c.mu.Unlock()

		logger.Error().Err(err).Uint64("session", gen).Msg("failed to load image")
		c.notifyError(err)
		c.notifyClose()
		return
	}

	metrics := MetricsOf(img)
	c.img = img
	c.metrics = metrics
	c.crop = InitialState(c.opts.Config)
	c.state = StateIdle
	c.mu.Unlock()

	logger.Debug().
		Uint64("session", gen).
		Float64("width", metrics.Width).
		Float64("height", metrics.Height).
		Msg("image loaded")
}

// PointerDown starts a drag. It is ignored outside Idle and when the image
// exactly fills the viewport on both axes.
func (c *Controller) PointerDown(x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return
	}
	mo := MaxOffsets(c.displayLocked(), c.opts.Config.CropSize)
	if mo.X == 0 && mo.Y == 0 {
		return
	}
	c.drag = &dragSession{
		startX:        x,
		startY:        y,
		startPercentX: c.crop.Position.X,
		startPercentY: c.crop.Position.Y,
	}
	c.state = StateDragging
}

// PointerMove pans the image by the pointer travel since PointerDown.
// Moving the pointer right drags the image right, revealing its left side.
func (c *Controller) PointerMove(x, y float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDragging || c.drag == nil {
		return
	}
	mo := MaxOffsets(c.displayLocked(), c.opts.Config.CropSize)
	c.crop.Position = Position{
		X: dragPercent(c.drag.startPercentX, c.drag.startX-x, mo.X),
		Y: dragPercent(c.drag.startPercentY, c.drag.startY-y, mo.Y),
	}
}

func dragPercent(start, deltaPx, maxOffset float64) float64 {
	var delta float64
	if maxOffset > 0 {
		delta = deltaPx / maxOffset * 100
	}
	if math.IsNaN(delta) {
		delta = 0
	}
	return clamp(start+delta, 0, 100)
}

func (c *Controller) PointerUp() {
	c.endDrag()
}

func (c *Controller) PointerLeave() {
	c.endDrag()
}

func (c *Controller) endDrag() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDragging {
		return
	}
	c.drag = nil
	c.state = StateIdle
}

// SetZoom applies a slider value, clamped to the configured range.
func (c *Controller) SetZoom(zoom float64) error {
	if math.IsNaN(zoom) {
		return errors.New("zoom is not a number")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return fmt.Errorf("zoom in state %s: %w", c.state, ErrNotReady)
	}
	c.crop.Zoom = clamp(zoom, c.opts.Config.ZoomMin, c.opts.Config.ZoomMax)
	return nil
}

// Confirm starts rasterizing the current geometry. Only one rasterize runs
// per session; the result is delivered through OnComplete.
func (c *Controller) Confirm(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateProcessing:
		c.mu.Unlock()
		return ErrBusy
	case StateIdle:
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("confirm in state %s: %w", state, ErrNotReady)
	}
	c.state = StateProcessing
	gen := c.generation
	img, crop, fileName := c.img, c.crop, c.fileName
	logger := c.logger
	c.mu.Unlock()

	logger.Debug().Uint64("session", gen).Stringer("crop", crop).Msg("rasterizing")

	rctx := context.WithoutCancel(ctx)
	c.wg.Go(func() {
		var artifact CropArtifact
		err := recoverErr(func() (err error) {
			artifact, err = c.opts.Rasterizer.Rasterize(rctx, img, c.opts.Config, crop, fileName)
			return err
		})
		c.finishConfirm(gen, artifact, err)
	})
	return nil
}

func (c *Controller) finishConfirm(gen uint64, artifact CropArtifact, err error) {
	c.mu.Lock()
	logger := c.logger
	if gen != c.generation || c.state != StateProcessing {
		c.mu.Unlock()
		logger.Debug().Uint64("session", gen).Msg("dropping rasterize result of closed session")
		return
	}
	if err != nil {
		c.state = StateIdle
		c.lastErr = err
		c.mu.Unlock()

		logger.Error().Err(err).Uint64("session", gen).Msg("failed to rasterize crop")
		c.notifyError(err)
		return
	}
	c.closeLocked()
	c.mu.Unlock()

	logger.Info().
		Uint64("session", gen).
		Str("file", artifact.File.Name).
		Int("bytes", artifact.File.Size()).
		Msg("crop completed")
	if fn := c.opts.OnComplete; fn != nil {
		fn(artifact)
	}
	c.notifyClose()
}

// Dismiss closes the dialog unless a rasterize is in flight.
func (c *Controller) Dismiss() error {
	c.mu.Lock()
	if c.state == StateProcessing {
		c.mu.Unlock()
		return ErrBusy
	}
	closed := c.closeLocked()
	c.mu.Unlock()

	if closed {
		c.notifyClose()
	}
	return nil
}

// Cancel closes the dialog in any state. A rasterize in flight finishes,
// but its artifact is discarded.
func (c *Controller) Cancel() {
	c.mu.Lock()
	closed := c.closeLocked()
	c.mu.Unlock()

	if closed {
		c.notifyClose()
	}
}

// Wait blocks until background loads and rasterizes have settled.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// closeLocked discards all session state and reports whether a session
// was actually open.
func (c *Controller) closeLocked() bool {
	if c.state == StateClosed {
		return false
	}
	c.generation++
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
	c.state = StateClosed
	c.img = nil
	c.metrics = Metrics{}
	c.crop = InitialState(c.opts.Config)
	c.drag = nil
	return true
}

func (c *Controller) displayLocked() DisplaySize {
	if c.img == nil {
		return DisplaySize{}
	}
	return ComputeDisplaySize(c.metrics, c.opts.Config.CropSize, c.crop.Zoom)
}

func (c *Controller) notifyClose() {
	if fn := c.opts.OnClose; fn != nil {
		fn()
	}
}

func (c *Controller) notifyError(err error) {
	if fn := c.opts.OnError; fn != nil {
		fn(err)
	}
}

// recoverErr runs fn and turns a panic into an error.
func recoverErr(fn func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("panic: %v", r.Value)
	}
	return err
}

// truncateSource keeps inline data URLs out of snapshots.
func truncateSource(src string) string {
	if len(src) > 256 {
		return src[:64] + "..."
	}
	return src
}
