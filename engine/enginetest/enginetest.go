// Package enginetest provides a deterministic engine.Engine for tests.
//
// Documents are JSON page manifests on disk, so commits exercise the real
// filesystem while page identity, size and rotation stay easy to assert.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/wudi/pagekit/engine"
	"github.com/wudi/pagekit/preview"
)

// Page is one page of a test document.
type Page struct {
	Label  string  `json:"label"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Rotate int     `json:"rotate,omitempty"`
}

type manifest struct {
	Pages []Page `json:"pages"`
}

// Pages returns n letter-sized pages labelled p0..p(n-1).
func Pages(n int) []Page {
	out := make([]Page, n)
	for i := range out {
		out[i] = Page{Label: fmt.Sprintf("p%d", i), Width: 612, Height: 792}
	}
	return out
}

// WriteFile stores pages as a document at path.
func WriteFile(path string, pages ...Page) error {
	data, err := json.Marshal(manifest{Pages: pages})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile loads the pages stored at path.
func ReadFile(path string) ([]Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m.Pages, nil
}

// Engine opens manifest documents. The Fail* hooks inject errors.
type Engine struct {
	FailOpen     func(path string) error
	FailCopy     error
	FailRotation error
	FailSave     func(path string) error

	mu     sync.Mutex
	opened int
	closed int
}

func New() *Engine { return &Engine{} }

// OpenHandles reports documents acquired and not yet closed.
func (e *Engine) OpenHandles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened - e.closed
}

func (e *Engine) acquire() {
	e.mu.Lock()
	e.opened++
	e.mu.Unlock()
}

func (e *Engine) release() {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
}

func (e *Engine) Open(ctx context.Context, path string) (engine.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.FailOpen != nil {
		if err := e.FailOpen(path); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", engine.ErrOpen, path, err)
		}
	}
	pages, err := ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", engine.ErrOpen, path, err)
	}
	e.acquire()
	return &Document{eng: e, path: path, pages: pages}, nil
}

func (e *Engine) CopyPages(ctx context.Context, src engine.Document, indices []int) (engine.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.FailCopy != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrCopy, e.FailCopy)
	}
	d, ok := src.(*Document)
	if !ok {
		return nil, fmt.Errorf("%w: foreign document %T", engine.ErrCopy, src)
	}
	if d.closed {
		return nil, fmt.Errorf("%w: %v", engine.ErrCopy, engine.ErrClosed)
	}
	pages := make([]Page, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(d.pages) {
			return nil, fmt.Errorf("%w: %w: %d", engine.ErrCopy, engine.ErrPageRange, i)
		}
		pages = append(pages, d.pages[i])
	}
	e.acquire()
	return &Document{eng: e, pages: pages}, nil
}

// Document is an opened manifest.
type Document struct {
	eng    *Engine
	path   string
	pages  []Page
	closed bool
}

func (d *Document) Path() string   { return d.path }
func (d *Document) PageCount() int { return len(d.pages) }

// Pages returns a copy of the document's pages.
func (d *Document) Pages() []Page {
	return append([]Page(nil), d.pages...)
}

func (d *Document) page(index int) (Page, error) {
	if d.closed {
		return Page{}, engine.ErrClosed
	}
	if index < 0 || index >= len(d.pages) {
		return Page{}, fmt.Errorf("%w: %d", engine.ErrPageRange, index)
	}
	return d.pages[index], nil
}

func (d *Document) PageGeometry(index int) (engine.Geometry, error) {
	p, err := d.page(index)
	if err != nil {
		return engine.Geometry{}, err
	}
	return engine.Geometry{Width: p.Width, Height: p.Height}, nil
}

func (d *Document) BaseRotation(index int) (int, error) {
	p, err := d.page(index)
	if err != nil {
		return 0, err
	}
	return engine.NormalizeAngle(p.Rotate), nil
}

func (d *Document) SetRotation(index int, angle int) error {
	if d.eng.FailRotation != nil {
		return fmt.Errorf("%w: %v", engine.ErrRotation, d.eng.FailRotation)
	}
	if _, err := d.page(index); err != nil {
		return fmt.Errorf("%w: %w", engine.ErrRotation, err)
	}
	d.pages[index].Rotate = engine.NormalizeAngle(angle)
	return nil
}

func (d *Document) Render(index int, angle int, opts engine.RenderOptions) ([]byte, error) {
	p, err := d.page(index)
	if err != nil {
		return nil, err
	}
	return preview.PNG(engine.Geometry{Width: p.Width, Height: p.Height}, angle, preview.Options{
		MaxSize: opts.MaxSize,
		Label:   p.Label,
		Marked:  opts.Marked,
	})
}

func (d *Document) Save(ctx context.Context, path string, _ engine.SaveOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed {
		return fmt.Errorf("%w: %v", engine.ErrSave, engine.ErrClosed)
	}
	if d.eng.FailSave != nil {
		if err := d.eng.FailSave(path); err != nil {
			// Leave a partial file behind like an interrupted writer would.
			_ = os.WriteFile(path, []byte("{"), 0o644)
			return fmt.Errorf("%w: %s: %v", engine.ErrSave, path, err)
		}
	}
	if err := WriteFile(path, d.pages...); err != nil {
		return fmt.Errorf("%w: %s: %v", engine.ErrSave, path, err)
	}
	return nil
}

func (d *Document) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.eng.release()
	return nil
}
