package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/replyhelper/internal/domain"
	"github.com/ashureev/replyhelper/internal/face"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type annotateOptions struct {
	outDir      string
	landmarks   bool
	expressions bool
	detect      face.DetectOptions
}

func newAnnotateCmd() *cobra.Command {
	opts := annotateOptions{detect: face.DefaultDetectOptions()}

	cmd := &cobra.Command{
		Use:   "annotate [files...]",
		Short: "Draw the face overlay onto image files",
		Long: `Detect faces in each image and write <name>.overlay.png with boxes,
scores and, optionally, landmarks and expressions drawn on top.`,
		Example: `  facecli annotate photo.jpg --out ./annotated
  facecli annotate *.png --landmarks --expressions --detector localhost:50051`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.detect.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			det, err := dialDetector()
			if err != nil {
				return err
			}
			defer det.Close()

			return annotateFiles(cmd.Context(), det, args, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.outDir, "out", "o", ".", "output directory")
	cmd.Flags().BoolVar(&opts.landmarks, "landmarks", false, "draw 68-point landmarks")
	cmd.Flags().BoolVar(&opts.expressions, "expressions", false, "draw expressions")
	cmd.Flags().IntVar(&opts.detect.InputSize, "input-size", opts.detect.InputSize, "tiny face detector input size")
	cmd.Flags().Float64Var(&opts.detect.ScoreThreshold, "score-threshold", opts.detect.ScoreThreshold, "minimum detection score")
	return cmd
}

func annotateFiles(ctx context.Context, det face.Detector, files []string, opts annotateOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("Annotating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)

	var errs []error
	totalFaces := 0
	for _, path := range files {
		n, err := annotateFile(ctx, det, path, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		totalFaces += n
		_ = bar.Add(1)
	}

	fmt.Fprintf(out, "\nAnnotated %d/%d images, %d faces\n", len(files)-len(errs), len(files), totalFaces)
	return errors.Join(errs...)
}

// annotateFile writes the overlay of one image and returns the face count.
func annotateFile(ctx context.Context, det face.Detector, path string, opts annotateOptions) (int, error) {
	src, err := decodeImage(path)
	if err != nil {
		return 0, err
	}

	dets, err := det.Detect(ctx, src, opts.detect)
	if err != nil {
		return 0, err
	}

	b := src.Bounds()
	dims := domain.Dimensions{Width: b.Dx(), Height: b.Dy()}
	canvas, err := face.NewImageCanvas(dims)
	if err != nil {
		return 0, err
	}
	canvas.DrawDetections(dets)
	if opts.landmarks {
		canvas.DrawFaceLandmarks(dets)
	}
	if opts.expressions {
		canvas.DrawFaceExpressions(dets, face.MinExpressionProbability)
	}

	dst := image.NewRGBA(image.Rect(0, 0, dims.Width, dims.Height))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	draw.Draw(dst, dst.Bounds(), canvas.Image(), image.Point{}, draw.Over)

	if err := writePNG(overlayPath(opts.outDir, path), dst); err != nil {
		return 0, err
	}
	return len(dets), nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode png: %w", err)
	}
	return f.Close()
}

func overlayPath(outDir, src string) string {
	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(outDir, name+".overlay.png")
}
