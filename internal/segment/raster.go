package segment

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	// Page decoders. The renderer emits PNG or JPEG; scanners upstream of it
	// sometimes hand over TIFF, BMP or WebP directly.
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/answer-extraction-worker/internal/extraction"
)

// Page is a decoded page with its greyscale row profile precomputed.
// It is read-only after Decode returns and safe for concurrent use.
type Page struct {
	img        image.Image
	gray       *image.Gray
	rowMeans   []float64
	width      int
	height     int
	sourceType string
}

// Decode parses page bytes and computes per-row mean brightness (0-255)
func Decode(data []byte) (*Page, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image buffer")
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode page image: %w", err)
	}

	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(gray, gray.Bounds(), img, b.Min, xdraw.Src)

	p := &Page{
		img:        img,
		gray:       gray,
		width:      b.Dx(),
		height:     b.Dy(),
		sourceType: format,
	}
	p.rowMeans = p.computeRowMeans()
	return p, nil
}

// Width of the page in pixels
func (p *Page) Width() int { return p.width }

// Height of the page in pixels
func (p *Page) Height() int { return p.height }

// Format is the decoder name that recognised the page ("png", "jpeg", "tiff", ...)
func (p *Page) Format() string { return p.sourceType }

func (p *Page) computeRowMeans() []float64 {
	means := make([]float64, p.height)
	if p.width == 0 {
		return means
	}
	for y := 0; y < p.height; y++ {
		row := p.gray.Pix[y*p.gray.Stride : y*p.gray.Stride+p.width]
		sum := 0
		for _, v := range row {
			sum += int(v)
		}
		means[y] = float64(sum) / float64(p.width)
	}
	return means
}

// inkDensity is 1 - avg/255 over rows [top, bottom)
func (p *Page) inkDensity(top, bottom int) float64 {
	if bottom <= top {
		return 0
	}
	sum := 0.0
	for y := top; y < bottom; y++ {
		sum += p.rowMeans[y]
	}
	avg := sum / float64(bottom-top)
	return 1 - avg/255
}

// crop encodes rows [top, bottom) of the original image as PNG
func (p *Page) crop(top, bottom int) ([]byte, error) {
	b := p.img.Bounds()
	r := image.Rect(b.Min.X, b.Min.Y+top, b.Max.X, b.Min.Y+bottom)

	var sub image.Image
	if s, ok := p.img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		sub = s.SubImage(r)
	} else {
		dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
		xdraw.Draw(dst, dst.Bounds(), p.img, r.Min, xdraw.Src)
		sub = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sub); err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Page) segment(top, bottom int) (extraction.QuestionSegment, error) {
	data, err := p.crop(top, bottom)
	if err != nil {
		return extraction.QuestionSegment{}, err
	}
	return extraction.QuestionSegment{
		Buffer: data,
		BBox: extraction.BoundingBox{
			X:      0,
			Y:      top,
			Width:  p.width,
			Height: bottom - top,
		},
		InkScore: p.inkDensity(top, bottom),
	}, nil
}

// EvenSplit slices the page into count equal-height horizontal bands
func (p *Page) EvenSplit(count int) ([]extraction.QuestionSegment, error) {
	if count <= 0 || p.height == 0 {
		return nil, nil
	}
	if count > p.height {
		count = p.height
	}

	segments := make([]extraction.QuestionSegment, 0, count)
	for i := 0; i < count; i++ {
		top := i * p.height / count
		bottom := (i + 1) * p.height / count
		seg, err := p.segment(top, bottom)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}
