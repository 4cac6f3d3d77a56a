// Package mask provides spatial predicates restricting which points take part
// in a metric evaluation.
package mask

import (
	"fmt"

	"github.com/cwbudde/meansquares/internal/imaging"
)

// Mask reports whether a physical point belongs to the region of interest.
// A nil Mask means every point is inside.
type Mask interface {
	IsInside(p imaging.Point) bool
}

// Func adapts an ordinary function to the Mask interface.
type Func func(p imaging.Point) bool

// IsInside calls f(p).
func (f Func) IsInside(p imaging.Point) bool {
	return f(p)
}

// Image is a binary mask backed by an image: voxels with a non-zero value are
// inside. Points are looked up at their nearest voxel; points outside the
// buffer are outside the mask.
type Image struct {
	img *imaging.Image
}

// FromImage wraps img as a mask.
func FromImage(img *imaging.Image) *Image {
	return &Image{img: img}
}

// Load reads a mask image from disk.
func Load(path string) (*Image, error) {
	img, err := imaging.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load mask: %w", err)
	}
	return FromImage(img), nil
}

func (m *Image) IsInside(p imaging.Point) bool {
	if len(p) != m.img.Dimension() {
		return false
	}
	idx := make([]int, len(p))
	if !m.img.TransformPointToNearestIndex(p, idx) {
		return false
	}
	return m.img.Data[m.img.Offset(idx)] != 0
}

// Count returns how many voxels are set.
func (m *Image) Count() int {
	n := 0
	for _, v := range m.img.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Box is an axis-aligned physical box, inclusive at both ends.
type Box struct {
	Min, Max imaging.Point
}

func (b Box) IsInside(p imaging.Point) bool {
	if len(p) != len(b.Min) || len(p) != len(b.Max) {
		return false
	}
	for i, v := range p {
		if v < b.Min[i] || v > b.Max[i] {
			return false
		}
	}
	return true
}
