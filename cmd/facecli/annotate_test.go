package main

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/ashureev/replyhelper/internal/face"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	faces  []domain.Detection
	err    error
	loaded []face.ModelNet
}

func (f *fakeDetector) LoadModels(_ context.Context, _ string, nets ...face.ModelNet) error {
	f.loaded = nets
	return f.err
}

func (f *fakeDetector) Detect(context.Context, image.Image, face.DetectOptions) ([]domain.Detection, error) {
	return f.faces, f.err
}

func (f *fakeDetector) Close() error { return nil }

func writeTestImage(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 80, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 80; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestAnnotateFileWritesOverlay(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, "portrait.png")
	det := &fakeDetector{faces: []domain.Detection{{
		Box:   domain.Box{X: 10, Y: 10, Width: 30, Height: 30},
		Score: 0.97,
	}}}

	n, err := annotateFile(context.Background(), det, src, annotateOptions{outDir: dir, detect: face.DefaultDetectOptions()})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f, err := os.Open(filepath.Join(dir, "portrait.overlay.png"))
	require.NoError(t, err)
	defer f.Close()
	out, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 80, 60), out.Bounds())

	// The source shows through where nothing was drawn.
	r, g, b, a := out.At(75, 5).RGBA()
	assert.Equal(t, [4]uint32{200 * 257, 200 * 257, 200 * 257, 0xffff}, [4]uint32{r, g, b, a})
}

func TestAnnotateFilesCollectsErrors(t *testing.T) {
	dir := t.TempDir()
	good := writeTestImage(t, dir, "good.png")
	bad := filepath.Join(dir, "missing.png")

	var out bytes.Buffer
	err := annotateFiles(context.Background(), &fakeDetector{}, []string{good, bad}, annotateOptions{outDir: dir, detect: face.DefaultDetectOptions()}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.png")
	assert.Contains(t, out.String(), "Annotated 1/2 images")
	assert.FileExists(t, filepath.Join(dir, "good.overlay.png"))
}

func TestAnnotateFileDetectorError(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, "a.png")

	_, err := annotateFile(context.Background(), &fakeDetector{err: face.ErrModelsNotLoaded}, src, annotateOptions{outDir: dir})
	assert.True(t, errors.Is(err, face.ErrModelsNotLoaded))
	assert.NoFileExists(t, filepath.Join(dir, "a.overlay.png"))
}

func TestOverlayPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "cat.overlay.png"), overlayPath("out", "/tmp/pics/cat.jpeg"))
}

func TestLoadModels(t *testing.T) {
	det := &fakeDetector{}
	nets, err := parseNets([]string{"tiny_face_detector", " face_expression "})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, loadModels(context.Background(), det, "/models", nets, &out))
	assert.Equal(t, nets, det.loaded)
	assert.Equal(t, "loaded tiny_face_detector\nloaded face_expression\n", out.String())

	_, err = parseNets([]string{"ssd_mobilenet"})
	assert.Error(t, err)
}

func TestLoadModelsDefaultsToAllNets(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, loadModels(context.Background(), &fakeDetector{}, "/models", nil, &out))
	assert.Equal(t, len(face.AllNets), bytes.Count(out.Bytes(), []byte("\n")))
}
