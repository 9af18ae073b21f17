package dataset

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/pkg/errors"

	"imsat-forge/internal/tensor"
)

// Rasterize decodes raw and grid-samples it into a channels x height x width
// slice with values in [0, 1]. One channel means grey intensity; three means
// RGB.
func Rasterize(raw []byte, channels, height, width int) ([]float64, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("rasterize: %d channels, want 1 or 3", channels)
	}
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("rasterize: bad grid %dx%d", height, width)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "rasterize: decode")
	}
	bounds := img.Bounds()
	dx, dy := bounds.Dx(), bounds.Dy()
	if dx == 0 || dy == 0 {
		return nil, errors.New("rasterize: empty image")
	}
	out := make([]float64, channels*height*width)
	stepX := float64(dx) / float64(width)
	stepY := float64(dy) / float64(height)
	plane := height * width
	for gy := 0; gy < height; gy++ {
		for gx := 0; gx < width; gx++ {
			px := bounds.Min.X + int(math.Min(float64(dx-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(dy-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			at := gy*width + gx
			if channels == 1 {
				out[at] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
				continue
			}
			out[at] = float64(r) / 65535.0
			out[plane+at] = float64(g) / 65535.0
			out[2*plane+at] = float64(b) / 65535.0
		}
	}
	return out, nil
}

// GeoTransform returns the geometric view of a [batch, channels, height,
// width] batch: every image mirrored left to right.
func GeoTransform(images *tensor.Tensor) (*tensor.Tensor, error) {
	if len(images.Shape) != 4 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "geo transform needs [batch, channels, height, width], got %v", images.Shape)
	}
	w := images.Shape[3]
	out := images.Clone()
	for i := 0; i+w <= len(out.Data); i += w {
		row := out.Data[i : i+w]
		for l, r := 0, w-1; l < r; l, r = l+1, r-1 {
			row[l], row[r] = row[r], row[l]
		}
	}
	return out, nil
}
