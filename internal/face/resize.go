package face

import (
	"github.com/ashureev/replyhelper/internal/domain"
)

// ResizeDetections rescales detections found in a frame of size from to a
// display of size to. Boxes and landmarks are scaled per axis; scores and
// expressions are copied. Invalid dimensions yield an unscaled copy.
func ResizeDetections(dets []domain.Detection, from, to domain.Dimensions) []domain.Detection {
	sx, sy := 1.0, 1.0
	if from.Valid() && to.Valid() {
		sx = float64(to.Width) / float64(from.Width)
		sy = float64(to.Height) / float64(from.Height)
	}

	out := make([]domain.Detection, len(dets))
	for i, d := range dets {
		out[i] = domain.Detection{
			Box: domain.Box{
				X:      d.Box.X * sx,
				Y:      d.Box.Y * sy,
				Width:  d.Box.Width * sx,
				Height: d.Box.Height * sy,
			},
			Score: d.Score,
		}
		if d.Landmarks != nil {
			out[i].Landmarks = make([]domain.Point, len(d.Landmarks))
			for j, p := range d.Landmarks {
				out[i].Landmarks[j] = domain.Point{X: p.X * sx, Y: p.Y * sy}
			}
		}
		if d.Expressions != nil {
			out[i].Expressions = make(domain.Expressions, len(d.Expressions))
			for k, v := range d.Expressions {
				out[i].Expressions[k] = v
			}
		}
	}
	return out
}
