package face

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
)

// OverlayFrame is what one tick produces for the page.
type OverlayFrame struct {
	// Faces are in display coordinates. Nil when cleared.
	Faces []domain.Detection
	// VideoVisible is false while detection is switched off.
	VideoVisible bool
	// Cleared marks a tick that only wiped the overlay.
	Cleared bool
	// PNG is the rendered overlay; nil when cleared.
	PNG []byte
}

// EmitFunc delivers a frame to the page.
type EmitFunc func(ctx context.Context, frame OverlayFrame) error

// CanvasFactory creates the overlay canvas for a display size.
type CanvasFactory func(dims domain.Dimensions) (Canvas, error)

// NewImageCanvasFactory returns a CanvasFactory producing ImageCanvas values.
func NewImageCanvasFactory() CanvasFactory {
	return func(dims domain.Dimensions) (Canvas, error) {
		return NewImageCanvas(dims)
	}
}

// DefaultMaxDimension bounds either side of the overlay canvas.
const DefaultMaxDimension = 4096

// LoopConfig wires an OverlayLoop.
type LoopConfig struct {
	Detector     Detector
	Tick         time.Duration
	Options      DetectOptions
	MaxDimension int
	NewCanvas    CanvasFactory
	Emit         EmitFunc
	Logger       *slog.Logger
}

var (
	// ErrNotPlaying is returned by Run before Play was called.
	ErrNotPlaying = errors.New("overlay loop is not playing")
	// ErrDimensionsTooLarge is returned by Play for a display size over MaxDimension.
	ErrDimensionsTooLarge = errors.New("overlay dimensions too large")
)

// OverlayLoop detects faces on the latest frame every tick and renders the
// overlay according to the page toggles.
type OverlayLoop struct {
	cfg    LoopConfig
	frames FrameSlot

	mu       sync.Mutex
	canvas   Canvas
	toggles  domain.Toggles
	lastSeq  uint64
	cleared  bool
	inFlight atomic.Bool
}

// NewOverlayLoop creates a loop with every toggle switched on.
func NewOverlayLoop(cfg LoopConfig) (*OverlayLoop, error) {
	if cfg.Detector == nil {
		return nil, errors.New("detector is required")
	}
	if cfg.Emit == nil {
		return nil, errors.New("emit func is required")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.Options == (DetectOptions{}) {
		cfg.Options = DefaultDetectOptions()
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = DefaultMaxDimension
	}
	if cfg.NewCanvas == nil {
		cfg.NewCanvas = NewImageCanvasFactory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OverlayLoop{
		cfg:     cfg,
		toggles: domain.Toggles{Detect: true, Landmarks: true, Expressions: true},
	}, nil
}

// Play sizes the overlay canvas to the video display size.
func (l *OverlayLoop) Play(dims domain.Dimensions) error {
	if !dims.Within(l.cfg.MaxDimension) {
		return fmt.Errorf("%w: %dx%d exceeds %d", ErrDimensionsTooLarge, dims.Width, dims.Height, l.cfg.MaxDimension)
	}
	canvas, err := l.cfg.NewCanvas(dims)
	if err != nil {
		return fmt.Errorf("create overlay canvas: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.canvas = canvas
	return nil
}

// Playing reports whether Play succeeded.
func (l *OverlayLoop) Playing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canvas != nil
}

// SetToggles replaces the page toggles; they apply from the next tick.
func (l *OverlayLoop) SetToggles(t domain.Toggles) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.toggles = t
}

// Toggles returns the current toggles.
func (l *OverlayLoop) Toggles() domain.Toggles {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.toggles
}

// PushFrame stores a decoded video frame for the next tick.
func (l *OverlayLoop) PushFrame(frame image.Image) {
	l.frames.Put(frame)
}

// Run ticks until ctx is done. Ticks run one after another.
func (l *OverlayLoop) Run(ctx context.Context) error {
	if !l.Playing() {
		return ErrNotPlaying
	}
	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one detection and render pass. It returns false when skipped
// because another tick is in flight. With detection off the overlay is
// cleared once and the video hidden; no detection runs.
func (l *OverlayLoop) Tick(ctx context.Context) bool {
	if !l.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer l.inFlight.Store(false)

	l.mu.Lock()
	canvas := l.canvas
	toggles := l.toggles
	l.mu.Unlock()
	if canvas == nil {
		return true
	}

	if !toggles.Detect {
		if !l.cleared {
			canvas.Clear()
			l.emit(ctx, OverlayFrame{Cleared: true, VideoVisible: false})
			l.cleared = true
			l.lastSeq = 0
		}
		return true
	}
	l.cleared = false

	frame, seq, ok := l.frames.Latest()
	if !ok || seq == l.lastSeq {
		return true
	}
	l.lastSeq = seq

	dets, err := l.cfg.Detector.Detect(ctx, frame, l.cfg.Options)
	if err != nil {
		if ctx.Err() == nil {
			l.cfg.Logger.Warn("Face detection failed", "error", err)
		}
		return true
	}

	resized := ResizeDetections(dets, FrameDimensions(frame), canvas.Size())
	canvas.Clear()
	canvas.DrawDetections(resized)
	if toggles.Landmarks {
		canvas.DrawFaceLandmarks(resized)
	}
	if toggles.Expressions {
		canvas.DrawFaceExpressions(resized, MinExpressionProbability)
	}

	var buf bytes.Buffer
	if err := canvas.EncodePNG(&buf); err != nil {
		l.cfg.Logger.Warn("Overlay encode failed", "error", err)
		return true
	}
	l.emit(ctx, OverlayFrame{Faces: resized, VideoVisible: true, PNG: buf.Bytes()})
	return true
}

func (l *OverlayLoop) emit(ctx context.Context, frame OverlayFrame) {
	if err := l.cfg.Emit(ctx, frame); err != nil && ctx.Err() == nil {
		l.cfg.Logger.Warn("Overlay emit failed", "error", err)
	}
}
