package face

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDetector returns fixed detections and counts calls.
type stubDetector struct {
	mu      sync.Mutex
	faces   []domain.Detection
	err     error
	loaded  []ModelNet
	uri     string
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
}

func (s *stubDetector) LoadModels(_ context.Context, uri string, nets ...ModelNet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uri = uri
	s.loaded = append([]ModelNet(nil), nets...)
	return nil
}

func (s *stubDetector) Detect(ctx context.Context, _ image.Image, _ DetectOptions) ([]domain.Detection, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.faces, s.err
}

func (s *stubDetector) Close() error { return nil }

// recordingCanvas counts draw calls.
type recordingCanvas struct {
	mu          sync.Mutex
	size        domain.Dimensions
	clears      int
	detections  [][]domain.Detection
	landmarks   int
	expressions int
}

func (c *recordingCanvas) Size() domain.Dimensions { return c.size }

func (c *recordingCanvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
}

func (c *recordingCanvas) DrawDetections(dets []domain.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detections = append(c.detections, dets)
}

func (c *recordingCanvas) DrawFaceLandmarks([]domain.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.landmarks++
}

func (c *recordingCanvas) DrawFaceExpressions([]domain.Detection, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expressions++
}

func (c *recordingCanvas) EncodePNG(w io.Writer) error {
	_, err := w.Write([]byte("png"))
	return err
}

func (c *recordingCanvas) draws() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.detections) + c.landmarks + c.expressions
}

type emitted struct {
	mu     sync.Mutex
	frames []OverlayFrame
}

func (e *emitted) emit(_ context.Context, f OverlayFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, f)
	return nil
}

func (e *emitted) all() []OverlayFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]OverlayFrame(nil), e.frames...)
}

func sampleFace() domain.Detection {
	landmarks := make([]domain.Point, domain.LandmarkCount)
	for i := range landmarks {
		landmarks[i] = domain.Point{X: 20 + float64(i%10), Y: 20 + float64(i/10)}
	}
	return domain.Detection{
		Box:         domain.Box{X: 10, Y: 10, Width: 40, Height: 40},
		Score:       0.93,
		Landmarks:   landmarks,
		Expressions: domain.Expressions{"happy": 0.8, "neutral": 0.15, "sad": 0.05},
	}
}

func newTestLoop(t *testing.T, det Detector) (*OverlayLoop, *recordingCanvas, *emitted) {
	t.Helper()
	canvas := &recordingCanvas{}
	out := &emitted{}
	loop, err := NewOverlayLoop(LoopConfig{
		Detector: det,
		Tick:     time.Millisecond,
		NewCanvas: func(dims domain.Dimensions) (Canvas, error) {
			canvas.size = dims
			return canvas, nil
		},
		Emit: out.emit,
	})
	require.NoError(t, err)
	require.NoError(t, loop.Play(domain.Dimensions{Width: 200, Height: 100}))
	return loop, canvas, out
}

func frame(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func TestTickDrawsResizedDetections(t *testing.T) {
	det := &stubDetector{faces: []domain.Detection{sampleFace()}}
	loop, canvas, out := newTestLoop(t, det)

	loop.PushFrame(frame(100, 100))
	require.True(t, loop.Tick(context.Background()))

	require.Len(t, canvas.detections, 1)
	box := canvas.detections[0][0].Box
	assert.Equal(t, domain.Box{X: 20, Y: 10, Width: 80, Height: 40}, box)
	assert.Equal(t, 1, canvas.landmarks)
	assert.Equal(t, 1, canvas.expressions)
	assert.Equal(t, 1, canvas.clears)

	frames := out.all()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].VideoVisible)
	assert.Equal(t, []byte("png"), frames[0].PNG)
	assert.Equal(t, box, frames[0].Faces[0].Box)
}

func TestTickWithDetectionOffNeverDetectsOrDraws(t *testing.T) {
	det := &stubDetector{faces: []domain.Detection{sampleFace()}}
	loop, canvas, out := newTestLoop(t, det)
	loop.SetToggles(domain.Toggles{Detect: false, Landmarks: true, Expressions: true})

	for i := 0; i < 3; i++ {
		loop.PushFrame(frame(100, 100))
		loop.Tick(context.Background())
	}

	assert.Zero(t, det.calls.Load())
	assert.Zero(t, canvas.draws())
	assert.Equal(t, 1, canvas.clears)

	frames := out.all()
	require.Len(t, frames, 1, "clear is emitted once per switch-off")
	assert.True(t, frames[0].Cleared)
	assert.False(t, frames[0].VideoVisible)
	assert.Nil(t, frames[0].PNG)
}

func TestTickRespectsDrawToggles(t *testing.T) {
	tests := []struct {
		name            string
		toggles         domain.Toggles
		wantLandmarks   int
		wantExpressions int
	}{
		{name: "boxes only", toggles: domain.Toggles{Detect: true}},
		{name: "landmarks", toggles: domain.Toggles{Detect: true, Landmarks: true}, wantLandmarks: 1},
		{name: "expressions", toggles: domain.Toggles{Detect: true, Expressions: true}, wantExpressions: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loop, canvas, _ := newTestLoop(t, &stubDetector{faces: []domain.Detection{sampleFace()}})
			loop.SetToggles(tt.toggles)
			loop.PushFrame(frame(100, 100))
			loop.Tick(context.Background())

			assert.Len(t, canvas.detections, 1)
			assert.Equal(t, tt.wantLandmarks, canvas.landmarks)
			assert.Equal(t, tt.wantExpressions, canvas.expressions)
		})
	}
}

func TestTickSkipsWithoutNewFrame(t *testing.T) {
	det := &stubDetector{}
	loop, _, out := newTestLoop(t, det)

	loop.Tick(context.Background())
	assert.Zero(t, det.calls.Load(), "no frame yet")

	loop.PushFrame(frame(10, 10))
	loop.Tick(context.Background())
	loop.Tick(context.Background())
	assert.Equal(t, int32(1), det.calls.Load(), "same frame is detected once")
	assert.Len(t, out.all(), 1)
}

func TestTickDetectionErrorIsNotEmitted(t *testing.T) {
	det := &stubDetector{err: errors.New("model crashed")}
	loop, canvas, out := newTestLoop(t, det)

	loop.PushFrame(frame(10, 10))
	assert.True(t, loop.Tick(context.Background()))
	assert.Empty(t, out.all())
	assert.Zero(t, canvas.draws())
}

func TestConcurrentTicksNeverOverlap(t *testing.T) {
	det := &stubDetector{block: make(chan struct{}), started: make(chan struct{}, 1)}
	loop, _, _ := newTestLoop(t, det)
	loop.PushFrame(frame(10, 10))

	first := make(chan bool)
	go func() { first <- loop.Tick(context.Background()) }()
	<-det.started

	loop.PushFrame(frame(10, 10))
	assert.False(t, loop.Tick(context.Background()), "second tick must skip while first is in flight")

	close(det.block)
	assert.True(t, <-first)
	assert.Equal(t, int32(1), det.calls.Load())
}

func TestRunRequiresPlay(t *testing.T) {
	loop, err := NewOverlayLoop(LoopConfig{Detector: &stubDetector{}, Emit: (&emitted{}).emit})
	require.NoError(t, err)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrNotPlaying)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	det := &stubDetector{faces: []domain.Detection{sampleFace()}}
	loop, _, out := newTestLoop(t, det)
	loop.PushFrame(frame(100, 100))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return len(out.all()) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPlayRejectsOversizedDimensions(t *testing.T) {
	created := 0
	loop, err := NewOverlayLoop(LoopConfig{
		Detector:     &stubDetector{},
		MaxDimension: 640,
		NewCanvas: func(domain.Dimensions) (Canvas, error) {
			created++
			return &recordingCanvas{}, nil
		},
		Emit: (&emitted{}).emit,
	})
	require.NoError(t, err)

	err = loop.Play(domain.Dimensions{Width: 200000, Height: 200000})
	require.ErrorIs(t, err, ErrDimensionsTooLarge)
	assert.Zero(t, created, "no canvas is allocated for an oversized display")
	assert.False(t, loop.Playing())

	require.NoError(t, loop.Play(domain.Dimensions{Width: 640, Height: 480}))
	assert.Equal(t, 1, created)
}

func TestNewOverlayLoopValidates(t *testing.T) {
	_, err := NewOverlayLoop(LoopConfig{Emit: (&emitted{}).emit})
	assert.Error(t, err)
	_, err = NewOverlayLoop(LoopConfig{Detector: &stubDetector{}})
	assert.Error(t, err)
}

func TestResizeDetections(t *testing.T) {
	in := []domain.Detection{sampleFace()}
	out := ResizeDetections(in, domain.Dimensions{Width: 100, Height: 50}, domain.Dimensions{Width: 50, Height: 100})

	require.Len(t, out, 1)
	assert.Equal(t, domain.Box{X: 5, Y: 20, Width: 20, Height: 80}, out[0].Box)
	assert.Equal(t, domain.Point{X: 10, Y: 40}, out[0].Landmarks[0])
	assert.Equal(t, 0.93, out[0].Score)

	out[0].Expressions["happy"] = 0
	assert.Equal(t, 0.8, in[0].Expressions["happy"], "input must not be mutated")

	same := ResizeDetections(in, domain.Dimensions{}, domain.Dimensions{Width: 10, Height: 10})
	assert.Equal(t, in[0].Box, same[0].Box)
}

func TestExpressionsSorted(t *testing.T) {
	sorted := domain.Expressions{"sad": 0.2, "happy": 0.7, "angry": 0.2}.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, "happy", sorted[0].Expression)
	assert.Equal(t, "angry", sorted[1].Expression)
	assert.Equal(t, "sad", sorted[2].Expression)
}

func TestImageCanvasDrawsAndClears(t *testing.T) {
	c, err := NewImageCanvas(domain.Dimensions{Width: 120, Height: 120})
	require.NoError(t, err)

	face := sampleFace()
	c.DrawDetections([]domain.Detection{face})
	edge := c.Image().RGBAAt(30, 10)
	assert.Greater(t, edge.B, uint8(200), "top edge of the box is blue")
	assert.Greater(t, edge.A, uint8(200))
	assert.Equal(t, color.RGBA{}, c.Image().RGBAAt(30, 30), "inside the box stays transparent")

	c.Clear()
	assert.Equal(t, color.RGBA{}, c.Image().RGBAAt(30, 10))

	var buf bytes.Buffer
	require.NoError(t, c.EncodePNG(&buf))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 120, 120), decoded.Bounds())
}

func TestImageCanvasSkipsIncompleteLandmarks(t *testing.T) {
	c, err := NewImageCanvas(domain.Dimensions{Width: 64, Height: 64})
	require.NoError(t, err)

	partial := sampleFace()
	partial.Landmarks = partial.Landmarks[:10]
	c.DrawFaceLandmarks([]domain.Detection{partial})

	assert.True(t, isTransparent(c.Image()))
}

func TestImageCanvasExpressionThreshold(t *testing.T) {
	c, err := NewImageCanvas(domain.Dimensions{Width: 200, Height: 200})
	require.NoError(t, err)

	face := sampleFace()
	face.Expressions = domain.Expressions{"sad": 0.05, "angry": 0.09}
	c.DrawFaceExpressions([]domain.Detection{face}, MinExpressionProbability)
	assert.True(t, isTransparent(c.Image()), "nothing above the threshold")

	face.Expressions["happy"] = 0.5
	c.DrawFaceExpressions([]domain.Detection{face}, MinExpressionProbability)
	assert.False(t, isTransparent(c.Image()))
}

func TestImageCanvasClipsOutOfBoundsBoxes(t *testing.T) {
	c, err := NewImageCanvas(domain.Dimensions{Width: 32, Height: 32})
	require.NoError(t, err)

	c.DrawDetections([]domain.Detection{{Box: domain.Box{X: -20, Y: -20, Width: 100, Height: 100}, Score: 0.5}})
	assert.NotPanics(t, func() {
		c.DrawFaceLandmarks([]domain.Detection{{Landmarks: make([]domain.Point, domain.LandmarkCount)}})
	})
}

func TestNewImageCanvasRejectsEmptySize(t *testing.T) {
	_, err := NewImageCanvas(domain.Dimensions{})
	assert.Error(t, err)
}

func isTransparent(img *image.RGBA) bool {
	for _, v := range img.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestDetectOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultDetectOptions().Validate())
	assert.Error(t, DetectOptions{InputSize: 100, ScoreThreshold: 0.5}.Validate())
	assert.Error(t, DetectOptions{InputSize: 320, ScoreThreshold: 1.5}.Validate())
}

func TestParseModelNet(t *testing.T) {
	n, err := ParseModelNet("face_expression")
	require.NoError(t, err)
	assert.Equal(t, NetFaceExpression, n)

	_, err = ParseModelNet("ssd_mobilenet")
	assert.Error(t, err)
}
