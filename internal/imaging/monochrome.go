// Package imaging turns captured photos into their monochrome rendition.
package imaging

import (
	"bytes"
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// Filter maps each pixel's luminance onto Color and blends the result
// with the original by Intensity (0 = untouched, 1 = fully monochrome).
// A grey Color of 0.5 per channel gives a plain greyscale image.
type Filter struct {
	Color     [3]float64 // red, green, blue in [0,1]
	Intensity float64
	Quality   int // JPEG quality 1-100
}

// DefaultFilter is neutral grey at full intensity, encoded at quality 100.
func DefaultFilter() Filter {
	return Filter{Color: [3]float64{0.5, 0.5, 0.5}, Intensity: 1, Quality: 100}
}

// Validate checks ranges.
func (f Filter) Validate() error {
	for i, c := range f.Color {
		if c < 0 || c > 1 {
			return fmt.Errorf("color[%d] must be between 0 and 1, got %g", i, c)
		}
	}
	if f.Intensity < 0 || f.Intensity > 1 {
		return fmt.Errorf("intensity must be between 0 and 1, got %g", f.Intensity)
	}
	if f.Quality < 1 || f.Quality > 100 {
		return fmt.Errorf("quality must be between 1 and 100, got %d", f.Quality)
	}
	return nil
}

// Monochrome decodes a JPEG, applies f and re-encodes it as JPEG.
func (f Filter) Monochrome(data []byte) ([]byte, error) {
	src, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer src.Close()
	if src.Empty() {
		return nil, errors.New("decode image: empty result")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	// Channel gain 2*c keeps luminance unchanged for the 0.5 grey tint.
	gains := [3]float64{f.Color[2], f.Color[1], f.Color[0]} // BGR order
	planes := make([]gocv.Mat, 3)
	for i := range planes {
		planes[i] = gocv.NewMat()
		defer planes[i].Close()
		gray.ConvertToWithParams(&planes[i], gocv.MatTypeCV8U, float32(2*gains[i]), 0)
	}
	tinted := gocv.NewMat()
	defer tinted.Close()
	gocv.Merge(planes, &tinted)

	out := gocv.NewMat()
	defer out.Close()
	gocv.AddWeighted(src, 1-f.Intensity, tinted, f.Intensity, 0, &out)

	quality := f.Quality
	if quality == 0 {
		quality = 100
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, out, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	defer buf.Close()
	return bytes.Clone(buf.GetBytes()), nil
}
