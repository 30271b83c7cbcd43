// Package preview draws schematic page rasters: the page sheet at its
// displayed orientation, a bar along the page's original top edge, the page
// label and an optional deletion highlight. It does not rasterize page content.
package preview

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/wudi/pagekit/engine"
)

// DefaultMaxSize is used when Options.MaxSize is not positive.
const DefaultMaxSize = 256

// maxSheet caps the intermediate sheet so huge pages stay cheap to draw.
const maxSheet = 2048

var ErrEmptyPage = errors.New("preview: page has no area")

var (
	background = color.RGBA{0xe5, 0xe5, 0xe5, 0xff}
	paper      = color.RGBA{0xff, 0xff, 0xff, 0xff}
	border     = color.RGBA{0x80, 0x80, 0x80, 0xff}
	topEdge    = color.RGBA{0x30, 0x30, 0x30, 0xff}
	marked     = color.RGBA{0xff, 0x00, 0x00, 0xff}
)

type Options struct {
	MaxSize int
	Label   string
	Marked  bool
}

// Render draws the page described by g as displayed under a clockwise
// rotation of angle degrees.
func Render(g engine.Geometry, angle int, opts Options) (*image.RGBA, error) {
	if g.Width <= 0 || g.Height <= 0 {
		return nil, ErrEmptyPage
	}
	angle = engine.NormalizeAngle(angle)
	shown := g.Rotated(angle)

	sheet := drawSheet(shown, angle, opts.Marked)

	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	tw, th := fit(shown.Width, shown.Height, maxSize)
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), sheet, sheet.Bounds(), draw.Over, nil)

	if opts.Label != "" {
		drawLabel(dst, opts.Label)
	}
	return dst, nil
}

// PNG renders the page and encodes it as PNG.
func PNG(g engine.Geometry, angle int, opts Options) ([]byte, error) {
	img, err := Render(g, angle, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawSheet(shown engine.Geometry, angle int, isMarked bool) *image.RGBA {
	w, h := int(math.Ceil(shown.Width)), int(math.Ceil(shown.Height))
	if w > maxSheet || h > maxSheet {
		w, h = fit(shown.Width, shown.Height, maxSheet)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	b := img.Bounds()
	draw.Draw(img, b, image.NewUniform(border), image.Point{}, draw.Src)
	inset := 2
	if w <= 2*inset || h <= 2*inset {
		inset = 0
	}
	draw.Draw(img, b.Inset(inset), image.NewUniform(paper), image.Point{}, draw.Src)

	bar := min(w, h) / 40
	if bar < 4 {
		bar = 4
	}
	var edge image.Rectangle
	switch angle {
	case 90:
		edge = image.Rect(w-bar, 0, w, h)
	case 180:
		edge = image.Rect(0, h-bar, w, h)
	case 270:
		edge = image.Rect(0, 0, bar, h)
	default:
		edge = image.Rect(0, 0, w, bar)
	}
	draw.Draw(img, edge.Intersect(b), image.NewUniform(topEdge), image.Point{}, draw.Src)

	if isMarked {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X + y%2; x < b.Max.X; x += 2 {
				img.SetRGBA(x, y, marked)
			}
		}
	}
	return img
}

func drawLabel(dst *image.RGBA, label string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	width := d.MeasureString(label).Ceil()
	b := dst.Bounds()
	x := b.Min.X + (b.Dx()-width)/2
	if x < b.Min.X {
		x = b.Min.X
	}
	y := b.Max.Y - face.Descent - 4
	bg := image.Rect(x-2, y-face.Ascent-2, x+width+2, y+face.Descent+2).Intersect(b)
	draw.Draw(dst, bg, image.NewUniform(paper), image.Point{}, draw.Src)
	d.Dot = fixed.P(x, y)
	d.DrawString(label)
}

// fit scales (w, h) so the longest edge equals limit.
func fit(w, h float64, limit int) (int, int) {
	scale := float64(limit) / math.Max(w, h)
	tw := int(math.Round(w * scale))
	th := int(math.Round(h * scale))
	return max(tw, 1), max(th, 1)
}
