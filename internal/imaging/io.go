package imaging

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	"gonum.org/v1/gonum/floats"
)

// Load decodes a 2-D image file (PNG, JPEG, TIFF or BMP) into a gray
// intensity image. Intensities keep 16-bit precision.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	slog.Debug("Loaded image", "path", path, "width", img.Size[0], "height", img.Size[1])
	return img, nil
}

// Decode reads any registered image format from r.
func Decode(r io.Reader) (*Image, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	slog.Debug("Decoded image", "format", format)
	return FromImage(src)
}

// FromImage converts a standard library image into a 2-D intensity image.
// Color images are reduced to luminance.
func FromImage(src image.Image) (*Image, error) {
	bounds := src.Bounds()
	img, err := NewImage(bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, err
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.Gray16Model.Convert(src.At(x, y)).(color.Gray16)
			img.Set(float64(g.Y), x-bounds.Min.X, y-bounds.Min.Y)
		}
	}
	return img, nil
}

// ToGray16 renders a 2-D image into a 16-bit gray image, linearly rescaling
// intensities from [lo, hi] to the full output range.
func ToGray16(img *Image, lo, hi float64) (*image.Gray16, error) {
	if img.Dimension() != 2 {
		return nil, fmt.Errorf("only 2-D images can be rendered, got %d-D", img.Dimension())
	}
	w, h := img.Size[0], img.Size[1]
	out := image.NewGray16(image.Rect(0, 0, w, h))

	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := (img.At(x, y) - lo) * scale
			v = max(0, min(65535, v))
			out.SetGray16(x, y, color.Gray16{Y: uint16(v + 0.5)})
		}
	}
	return out, nil
}

// WritePNG encodes img as a 16-bit gray PNG scaled over its own intensity
// range.
func WritePNG(w io.Writer, img *Image) error {
	lo, hi := MinMax(img.Data)
	gray, err := ToGray16(img, lo, hi)
	if err != nil {
		return err
	}
	return png.Encode(w, gray)
}

// SavePNG writes img to path, see WritePNG.
func SavePNG(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := WritePNG(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}

// MinMax returns the smallest and largest value of data.
func MinMax(data []float64) (lo, hi float64) {
	if len(data) == 0 {
		return 0, 0
	}
	return floats.Min(data), floats.Max(data)
}
