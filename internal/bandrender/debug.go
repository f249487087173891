package bandrender

import (
	"fmt"
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// DebugImage rasterizes a rendered colorant's buffer into a grayscale
// image.Image, one row per width bytes of the buffer, for side-by-side comparison in
// tests and debug dumps. It never runs on the render-critical path.
func DebugImage(result *ColorantResult, width int) (*image.Gray, error) {
	if width <= 0 || len(result.Buffer)%width != 0 {
		return nil, fmt.Errorf("bandrender: DebugImage: buffer length %d not a multiple of width %d", len(result.Buffer), width)
	}
	height := len(result.Buffer) / width
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, result.Buffer)
	return img, nil
}

// ScaleDebugImage resizes src to the given bounds using a high-quality
// resampler, for shrinking a full-width band dump down to a thumbnail a
// test can diff cheaply.
func ScaleDebugImage(src image.Image, width, height int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
