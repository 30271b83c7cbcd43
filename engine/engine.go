// Package engine defines the document capability the page editor relies on:
// opening a document, querying page geometry and rotation, copying pages into
// a new document, rotating them and saving the result.
package engine

import (
	"context"
	"errors"
)

var (
	ErrOpen      = errors.New("engine: cannot open document")
	ErrCopy      = errors.New("engine: cannot copy pages")
	ErrRotation  = errors.New("engine: cannot set page rotation")
	ErrSave      = errors.New("engine: cannot save document")
	ErrPageRange = errors.New("engine: page index out of range")
	ErrClosed    = errors.New("engine: document is closed")
)

// Engine opens documents and assembles new ones from existing pages.
type Engine interface {
	Open(ctx context.Context, path string) (Document, error)

	// CopyPages returns a new document holding the pages of src at indices,
	// in the order given. src is left unchanged.
	CopyPages(ctx context.Context, src Document, indices []int) (Document, error)
}

// Document is an opened document handle. Page indices are zero-based.
type Document interface {
	Path() string
	PageCount() int
	PageGeometry(index int) (Geometry, error)
	BaseRotation(index int) (int, error)
	SetRotation(index int, angle int) error
	Render(index int, angle int, opts RenderOptions) ([]byte, error)
	Save(ctx context.Context, path string, opts SaveOptions) error
	Close() error
}

// SaveOptions controls how a document is serialized.
type SaveOptions struct {
	// Optimize drops unused objects and deduplicates resources before writing.
	Optimize bool
}

// RenderOptions controls page previews.
type RenderOptions struct {
	// MaxSize bounds the longest edge of the raster in pixels.
	MaxSize int
	// Marked overlays the deletion highlight.
	Marked bool
}

// Geometry is the unrotated page size in points.
type Geometry struct {
	Width  float64
	Height float64
}

// Rotated returns the geometry as displayed under angle.
func (g Geometry) Rotated(angle int) Geometry {
	switch NormalizeAngle(angle) {
	case 90, 270:
		return Geometry{Width: g.Height, Height: g.Width}
	}
	return g
}

// NormalizeAngle reduces angle into [0, 360).
func NormalizeAngle(angle int) int {
	angle %= 360
	if angle < 0 {
		angle += 360
	}
	return angle
}

// ValidAngle reports whether angle is a quarter turn multiple.
func ValidAngle(angle int) bool {
	return angle%90 == 0
}
