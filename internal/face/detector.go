// Package face runs face detection on video frames and renders the overlay
// drawn on top of the video.
package face

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/ashureev/replyhelper/internal/domain"
)

// ModelNet names one of the model networks the detector can load.
type ModelNet string

// Model networks.
const (
	NetTinyFaceDetector ModelNet = "tiny_face_detector"
	NetFaceLandmark68   ModelNet = "face_landmark_68"
	NetFaceRecognition  ModelNet = "face_recognition"
	NetFaceExpression   ModelNet = "face_expression"
)

// AllNets is every network the overlay needs, in load order.
var AllNets = []ModelNet{
	NetTinyFaceDetector,
	NetFaceLandmark68,
	NetFaceRecognition,
	NetFaceExpression,
}

// ParseModelNet validates a network name.
func ParseModelNet(s string) (ModelNet, error) {
	for _, n := range AllNets {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown model net %q", s)
}

// MinExpressionProbability is the lowest probability drawn as an expression label.
const MinExpressionProbability = 0.1

// DetectOptions tune the tiny face detector.
type DetectOptions struct {
	InputSize      int
	ScoreThreshold float64
}

// DefaultDetectOptions matches the tiny face detector defaults.
func DefaultDetectOptions() DetectOptions {
	return DetectOptions{InputSize: 416, ScoreThreshold: 0.5}
}

// Validate reports whether the options are usable.
func (o DetectOptions) Validate() error {
	if o.InputSize <= 0 || o.InputSize%32 != 0 {
		return fmt.Errorf("input size must be a positive multiple of 32, got %d", o.InputSize)
	}
	if o.ScoreThreshold < 0 || o.ScoreThreshold > 1 {
		return fmt.Errorf("score threshold must be within [0,1], got %v", o.ScoreThreshold)
	}
	return nil
}

// ErrModelsNotLoaded is returned by Detect before LoadModels succeeded.
var ErrModelsNotLoaded = errors.New("face models not loaded")

// Detector finds faces, their 68-point landmarks and expressions in a frame.
// Detections are in frame pixel coordinates.
type Detector interface {
	LoadModels(ctx context.Context, uri string, nets ...ModelNet) error
	Detect(ctx context.Context, frame image.Image, opts DetectOptions) ([]domain.Detection, error)
	Close() error
}

// FrameDimensions returns the size of an image.
func FrameDimensions(img image.Image) domain.Dimensions {
	b := img.Bounds()
	return domain.Dimensions{Width: b.Dx(), Height: b.Dy()}
}
