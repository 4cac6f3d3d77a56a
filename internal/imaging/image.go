// Package imaging provides the N-dimensional scalar images consumed by the
// registration metric, together with the point/index geometry that maps
// physical coordinates onto voxel grids.
package imaging

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Point is a position in physical space.
type Point []float64

// ErrDimensionMismatch is returned when inputs disagree on dimensionality.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Image is a read-only N-D scalar intensity grid.
//
// Voxels are stored in raster order with axis 0 varying fastest. The physical
// position of index i is Origin + Direction * diag(Spacing) * i.
type Image struct {
	Size      []int
	Origin    []float64
	Spacing   []float64
	Direction *mat.Dense
	Data      []float64

	strides      []int
	indexToPoint *mat.Dense
	pointToIndex *mat.Dense
}

// NewImage allocates a zero-filled image with unit spacing, zero origin and
// identity direction.
func NewImage(size ...int) (*Image, error) {
	dim := len(size)
	if dim == 0 {
		return nil, fmt.Errorf("image needs at least one dimension")
	}
	origin := make([]float64, dim)
	spacing := make([]float64, dim)
	for i := range spacing {
		spacing[i] = 1
	}
	return NewImageWithGeometry(size, origin, spacing, nil)
}

// NewImageWithGeometry allocates a zero-filled image with the given geometry.
// A nil direction means identity.
func NewImageWithGeometry(size []int, origin, spacing []float64, direction *mat.Dense) (*Image, error) {
	dim := len(size)
	if len(origin) != dim || len(spacing) != dim {
		return nil, fmt.Errorf("origin/spacing length: %w", ErrDimensionMismatch)
	}

	n := 1
	for axis, s := range size {
		if s <= 0 {
			return nil, fmt.Errorf("size along axis %d must be positive, got %d", axis, s)
		}
		if spacing[axis] <= 0 {
			return nil, fmt.Errorf("spacing along axis %d must be positive, got %g", axis, spacing[axis])
		}
		n *= s
	}

	if direction == nil {
		direction = identity(dim)
	} else if r, c := direction.Dims(); r != dim || c != dim {
		return nil, fmt.Errorf("direction is %dx%d for a %d-D image: %w", r, c, dim, ErrDimensionMismatch)
	}

	img := &Image{
		Size:      append([]int(nil), size...),
		Origin:    append([]float64(nil), origin...),
		Spacing:   append([]float64(nil), spacing...),
		Direction: mat.DenseCopyOf(direction),
		Data:      make([]float64, n),
	}
	if err := img.updateGeometry(); err != nil {
		return nil, err
	}
	return img, nil
}

// updateGeometry recomputes strides and the index<->point matrices.
func (img *Image) updateGeometry() error {
	dim := img.Dimension()

	img.strides = make([]int, dim)
	stride := 1
	for axis := 0; axis < dim; axis++ {
		img.strides[axis] = stride
		stride *= img.Size[axis]
	}

	scale := mat.NewDiagDense(dim, img.Spacing)
	img.indexToPoint = mat.NewDense(dim, dim, nil)
	img.indexToPoint.Mul(img.Direction, scale)

	img.pointToIndex = mat.NewDense(dim, dim, nil)
	if err := img.pointToIndex.Inverse(img.indexToPoint); err != nil {
		return fmt.Errorf("image direction is singular: %w", err)
	}
	return nil
}

// Dimension returns the number of spatial axes.
func (img *Image) Dimension() int {
	return len(img.Size)
}

// NumberOfVoxels returns the total voxel count.
func (img *Image) NumberOfVoxels() int {
	return len(img.Data)
}

// LargestRegion returns the region covering the whole buffer.
func (img *Image) LargestRegion() Region {
	return Region{
		Index: make([]int, img.Dimension()),
		Size:  append([]int(nil), img.Size...),
	}
}

// Offset returns the buffer offset of an index. The index must be inside
// the buffer.
func (img *Image) Offset(index []int) int {
	off := 0
	for axis, i := range index {
		off += i * img.strides[axis]
	}
	return off
}

// IndexOf converts a buffer offset back into an index, writing into dst.
func (img *Image) IndexOf(offset int, dst []int) {
	for axis := range img.Size {
		dst[axis] = offset % img.Size[axis]
		offset /= img.Size[axis]
	}
}

// InsideBuffer reports whether an integer index addresses a stored voxel.
func (img *Image) InsideBuffer(index []int) bool {
	if len(index) != img.Dimension() {
		return false
	}
	for axis, i := range index {
		if i < 0 || i >= img.Size[axis] {
			return false
		}
	}
	return true
}

// At returns the intensity at an index.
func (img *Image) At(index ...int) float64 {
	return img.Data[img.Offset(index)]
}

// Set stores the intensity at an index.
func (img *Image) Set(v float64, index ...int) {
	img.Data[img.Offset(index)] = v
}

// TransformIndexToPoint maps a (possibly continuous) index to physical space.
func (img *Image) TransformIndexToPoint(index []float64) Point {
	dim := img.Dimension()
	p := make(Point, dim)
	for r := 0; r < dim; r++ {
		v := img.Origin[r]
		for c := 0; c < dim; c++ {
			v += img.indexToPoint.At(r, c) * index[c]
		}
		p[r] = v
	}
	return p
}

// TransformGridIndexToPoint maps an integer index to physical space.
func (img *Image) TransformGridIndexToPoint(index []int) Point {
	cidx := make([]float64, len(index))
	for i, v := range index {
		cidx[i] = float64(v)
	}
	return img.TransformIndexToPoint(cidx)
}

// TransformPointToContinuousIndex maps a physical point into continuous
// index space, writing into dst.
func (img *Image) TransformPointToContinuousIndex(p Point, dst []float64) {
	dim := img.Dimension()
	for r := 0; r < dim; r++ {
		v := 0.0
		for c := 0; c < dim; c++ {
			v += img.pointToIndex.At(r, c) * (p[c] - img.Origin[c])
		}
		dst[r] = v
	}
}

// TransformPointToNearestIndex rounds a physical point to the closest voxel
// index. ok is false when that voxel is outside the buffer.
func (img *Image) TransformPointToNearestIndex(p Point, dst []int) (ok bool) {
	cidx := make([]float64, img.Dimension())
	img.TransformPointToContinuousIndex(p, cidx)
	for axis, c := range cidx {
		dst[axis] = int(math.Floor(c + 0.5))
	}
	return img.InsideBuffer(dst)
}

// PointToIndexMatrix returns the linear part of the point->index mapping.
// Interpolators use it to bring index-space gradients into physical space.
func (img *Image) PointToIndexMatrix() mat.Matrix {
	return img.pointToIndex
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	out, err := NewImageWithGeometry(img.Size, img.Origin, img.Spacing, img.Direction)
	if err != nil {
		panic(err) // geometry was already validated
	}
	copy(out.Data, img.Data)
	return out
}

// SameGeometry reports whether both images share size, origin and spacing.
func (img *Image) SameGeometry(other *Image) bool {
	if img.Dimension() != other.Dimension() {
		return false
	}
	for axis := range img.Size {
		if img.Size[axis] != other.Size[axis] ||
			img.Origin[axis] != other.Origin[axis] ||
			img.Spacing[axis] != other.Spacing[axis] {
			return false
		}
	}
	return mat.Equal(img.Direction, other.Direction)
}

// Fill sets every voxel to v.
func (img *Image) Fill(v float64) {
	for i := range img.Data {
		img.Data[i] = v
	}
}

func identity(dim int) *mat.Dense {
	m := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		m.Set(i, i, 1)
	}
	return m
}
