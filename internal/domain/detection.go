package domain

import (
	"sort"
)

// LandmarkCount is the number of points in a 68-point face landmark set.
const LandmarkCount = 68

// Box is an axis-aligned rectangle in pixel coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Point is a 2D position in pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Expressions maps an expression name (happy, sad, ...) to its probability.
type Expressions map[string]float64

// ExpressionScore is a single expression with its probability.
type ExpressionScore struct {
	Expression  string  `json:"expression"`
	Probability float64 `json:"probability"`
}

// Sorted returns the expressions ordered by descending probability.
func (e Expressions) Sorted() []ExpressionScore {
	out := make([]ExpressionScore, 0, len(e))
	for name, p := range e {
		out = append(out, ExpressionScore{Expression: name, Probability: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability == out[j].Probability {
			return out[i].Expression < out[j].Expression
		}
		return out[i].Probability > out[j].Probability
	})
	return out
}

// Detection is one face found in a frame.
type Detection struct {
	Box         Box         `json:"box"`
	Score       float64     `json:"score"`
	Landmarks   []Point     `json:"landmarks,omitempty"`
	Expressions Expressions `json:"expressions,omitempty"`
}

// Dimensions is a width/height pair.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Valid reports whether both sides are positive.
func (d Dimensions) Valid() bool {
	return d.Width > 0 && d.Height > 0
}

// Within reports whether neither side exceeds limit.
func (d Dimensions) Within(limit int) bool {
	return d.Width <= limit && d.Height <= limit
}

// Toggles are the overlay switches set by the page.
// Detect gates the whole loop; the others gate individual drawings.
type Toggles struct {
	Detect      bool `json:"detect"`
	Landmarks   bool `json:"landmarks"`
	Expressions bool `json:"expressions"`
}
