package preview

import (
	"bytes"
	"errors"
	"image/png"
	"testing"

	"github.com/wudi/pagekit/engine"
)

var letter = engine.Geometry{Width: 612, Height: 792}

func TestRenderSizeFollowsRotation(t *testing.T) {
	cases := []struct {
		angle int
		wantW int
		wantH int
	}{
		{0, 198, 256},
		{90, 256, 198},
		{180, 198, 256},
		{-90, 256, 198},
	}
	for _, tc := range cases {
		img, err := Render(letter, tc.angle, Options{})
		if err != nil {
			t.Fatalf("angle %d: %v", tc.angle, err)
		}
		b := img.Bounds()
		if b.Dx() != tc.wantW || b.Dy() != tc.wantH {
			t.Fatalf("angle %d: got %dx%d, want %dx%d", tc.angle, b.Dx(), b.Dy(), tc.wantW, tc.wantH)
		}
	}
}

func TestRenderTopEdgeMoves(t *testing.T) {
	img, err := Render(letter, 0, Options{MaxSize: 400})
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	top := img.RGBAAt(b.Dx()/2, 1)
	bottom := img.RGBAAt(b.Dx()/2, b.Dy()-4)
	if top.R >= bottom.R {
		t.Fatalf("expected dark bar at top for 0°, top=%v bottom=%v", top, bottom)
	}

	img, err = Render(letter, 90, Options{MaxSize: 400})
	if err != nil {
		t.Fatal(err)
	}
	b = img.Bounds()
	right := img.RGBAAt(b.Dx()-2, b.Dy()/2)
	left := img.RGBAAt(4, b.Dy()/2)
	if right.R >= left.R {
		t.Fatalf("expected dark bar on the right for 90°, right=%v left=%v", right, left)
	}
}

func TestRenderMarkedTint(t *testing.T) {
	img, err := Render(letter, 0, Options{Marked: true})
	if err != nil {
		t.Fatal(err)
	}
	var r, g int
	cx, cy := img.Bounds().Dx()/2, img.Bounds().Dy()/2
	for y := cy - 5; y < cy+5; y++ {
		for x := cx - 5; x < cx+5; x++ {
			c := img.RGBAAt(x, y)
			r += int(c.R)
			g += int(c.G)
		}
	}
	if r <= g {
		t.Fatalf("expected red tint, got r=%d g=%d", r, g)
	}

	img, err = Render(letter, 0, Options{})
	if err != nil {
		t.Fatal(err)
	}
	c := img.RGBAAt(img.Bounds().Dx()/2, img.Bounds().Dy()/2)
	if c.R != c.G || c.G != c.B {
		t.Fatalf("unmarked page should be neutral, got %v", c)
	}
}

func TestPNGWithLabel(t *testing.T) {
	data, err := PNG(letter, 270, Options{MaxSize: 128, Label: "3/12"})
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 128 || b.Dy() != 99 {
		t.Fatalf("got %dx%d", b.Dx(), b.Dy())
	}
}

func TestRenderEmptyPage(t *testing.T) {
	if _, err := Render(engine.Geometry{}, 0, Options{}); !errors.Is(err, ErrEmptyPage) {
		t.Fatalf("expected ErrEmptyPage, got %v", err)
	}
}
