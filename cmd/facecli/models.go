package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/replyhelper/internal/face"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage models on the face model service",
	}
	cmd.AddCommand(newModelsLoadCmd())
	return cmd
}

func newModelsLoadCmd() *cobra.Command {
	var uri string
	var nets []string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load detector, landmark, recognition and expression models",
		Example: `  facecli models load --uri /models
  facecli models load --uri /models --net tiny_face_detector --net face_expression`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseNets(nets)
			if err != nil {
				return err
			}

			det, err := dialDetector()
			if err != nil {
				return err
			}
			defer det.Close()

			return loadModels(cmd.Context(), det, uri, parsed, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&uri, "uri", "/models", "model location as seen by the model service")
	cmd.Flags().StringSliceVar(&nets, "net", nil, "model nets to load (default: all)")
	return cmd
}

func parseNets(names []string) ([]face.ModelNet, error) {
	out := make([]face.ModelNet, 0, len(names))
	for _, name := range names {
		n, err := face.ParseModelNet(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func loadModels(ctx context.Context, det face.Detector, uri string, nets []face.ModelNet, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := det.LoadModels(ctx, uri, nets...); err != nil {
		return fmt.Errorf("load models from %s: %w", uri, err)
	}
	if len(nets) == 0 {
		nets = face.AllNets
	}
	for _, n := range nets {
		fmt.Fprintf(out, "loaded %s\n", n)
	}
	return nil
}
