package imaging

import "fmt"

// Region is an axis-aligned block of voxel indices.
type Region struct {
	Index []int `json:"index" yaml:"index"`
	Size  []int `json:"size" yaml:"size"`
}

// NewRegion builds a region from a start index and size.
func NewRegion(index, size []int) Region {
	return Region{
		Index: append([]int(nil), index...),
		Size:  append([]int(nil), size...),
	}
}

// Dimension returns the number of axes.
func (r Region) Dimension() int {
	return len(r.Size)
}

// NumberOfVoxels returns the number of indices covered.
func (r Region) NumberOfVoxels() int {
	if len(r.Size) == 0 {
		return 0
	}
	n := 1
	for _, s := range r.Size {
		if s <= 0 {
			return 0
		}
		n *= s
	}
	return n
}

// IsEmpty reports whether the region covers no voxels.
func (r Region) IsEmpty() bool {
	return r.NumberOfVoxels() == 0
}

// IsInside reports whether an index lies in the region.
func (r Region) IsInside(index []int) bool {
	if len(index) != len(r.Size) {
		return false
	}
	for axis, i := range index {
		if i < r.Index[axis] || i >= r.Index[axis]+r.Size[axis] {
			return false
		}
	}
	return true
}

// Crop intersects the region with another one. The result may be empty.
func (r Region) Crop(other Region) Region {
	out := Region{Index: make([]int, len(r.Size)), Size: make([]int, len(r.Size))}
	for axis := range r.Size {
		lo := max(r.Index[axis], other.Index[axis])
		hi := min(r.Index[axis]+r.Size[axis], other.Index[axis]+other.Size[axis])
		out.Index[axis] = lo
		out.Size[axis] = max(0, hi-lo)
	}
	return out
}

// Validate checks the region against an image buffer.
func (r Region) Validate(img *Image) error {
	if r.Dimension() != img.Dimension() {
		return fmt.Errorf("region is %d-D, image is %d-D: %w", r.Dimension(), img.Dimension(), ErrDimensionMismatch)
	}
	if len(r.Index) != len(r.Size) {
		return fmt.Errorf("region index/size length: %w", ErrDimensionMismatch)
	}
	for axis := range r.Size {
		if r.Size[axis] < 0 {
			return fmt.Errorf("region size along axis %d is negative", axis)
		}
		if r.Index[axis] < 0 || r.Index[axis]+r.Size[axis] > img.Size[axis] {
			return fmt.Errorf("region exceeds image buffer along axis %d", axis)
		}
	}
	return nil
}

// IndexAt returns the index of the i-th voxel of the region in raster order.
func (r Region) IndexAt(i int, dst []int) {
	for axis, s := range r.Size {
		dst[axis] = r.Index[axis] + i%s
		i /= s
	}
}

// ForEach visits every index of the region in raster order. The slice passed
// to fn is reused between calls.
func (r Region) ForEach(fn func(index []int)) {
	n := r.NumberOfVoxels()
	if n == 0 {
		return
	}
	idx := append([]int(nil), r.Index...)
	for i := 0; i < n; i++ {
		fn(idx)
		for axis := range idx {
			idx[axis]++
			if idx[axis] < r.Index[axis]+r.Size[axis] {
				break
			}
			idx[axis] = r.Index[axis]
		}
	}
}

func (r Region) String() string {
	return fmt.Sprintf("Region{index=%v size=%v}", r.Index, r.Size)
}
