// Package pdfcpu implements engine.Engine on top of github.com/pdfcpu/pdfcpu.
//
// Documents are read fully into memory, so an open Document holds no file
// descriptor on its source path.
package pdfcpu

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	core "github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/wudi/pagekit/engine"
	"github.com/wudi/pagekit/observability"
	"github.com/wudi/pagekit/preview"
)

type Config struct {
	UserPassword  string
	OwnerPassword string
	// Strict rejects documents that only pass relaxed validation.
	Strict bool
}

type Engine struct {
	cfg Config
	log observability.Logger
}

// New returns an engine. pdfcpu's on-disk configuration directory is
// disabled; all settings come from cfg.
func New(cfg Config, log observability.Logger) *Engine {
	api.DisableConfigDir()
	if log == nil {
		log = observability.NopLogger{}
	}
	return &Engine{cfg: cfg, log: log}
}

func (e *Engine) configuration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if e.cfg.Strict {
		conf.ValidationMode = model.ValidationStrict
	}
	conf.UserPW = e.cfg.UserPassword
	conf.OwnerPW = e.cfg.OwnerPassword
	return conf
}

func (e *Engine) Open(ctx context.Context, path string) (engine.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", engine.ErrOpen, path, err)
	}
	pc, err := api.ReadValidateAndOptimize(bytes.NewReader(data), e.configuration())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", engine.ErrOpen, path, err)
	}
	if err := pc.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", engine.ErrOpen, path, err)
	}
	e.log.Debug("pdf loaded", observability.String("path", path), observability.Int("pages", pc.PageCount))
	return &Document{path: path, ctx: pc}, nil
}

func (e *Engine) CopyPages(ctx context.Context, src engine.Document, indices []int) (engine.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, ok := src.(*Document)
	if !ok {
		return nil, fmt.Errorf("%w: foreign document %T", engine.ErrCopy, src)
	}
	if d.ctx == nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrCopy, engine.ErrClosed)
	}
	pageNrs := make([]int, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= d.ctx.PageCount {
			return nil, fmt.Errorf("%w: %w: %d", engine.ErrCopy, engine.ErrPageRange, idx)
		}
		pageNrs[i] = idx + 1
	}
	out, err := core.ExtractPages(d.ctx, pageNrs, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrCopy, err)
	}
	if err := out.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrCopy, err)
	}
	return &Document{ctx: out}, nil
}

// Document is a pdfcpu context.
type Document struct {
	path string
	ctx  *model.Context
}

func (d *Document) Path() string { return d.path }

func (d *Document) PageCount() int {
	if d.ctx == nil {
		return 0
	}
	return d.ctx.PageCount
}

func (d *Document) pageDict(index int) (types.Dict, *model.InheritedPageAttrs, error) {
	if d.ctx == nil {
		return nil, nil, engine.ErrClosed
	}
	if index < 0 || index >= d.ctx.PageCount {
		return nil, nil, fmt.Errorf("%w: %d", engine.ErrPageRange, index)
	}
	dict, _, inh, err := d.ctx.PageDict(index+1, false)
	if err != nil {
		return nil, nil, err
	}
	if dict == nil || inh == nil {
		return nil, nil, fmt.Errorf("page %d: missing page dictionary", index)
	}
	return dict, inh, nil
}

// PageGeometry reports the visible page box: CropBox when present,
// MediaBox otherwise.
func (d *Document) PageGeometry(index int) (engine.Geometry, error) {
	_, inh, err := d.pageDict(index)
	if err != nil {
		return engine.Geometry{}, err
	}
	box := inh.CropBox
	if box == nil {
		box = inh.MediaBox
	}
	if box == nil {
		return engine.Geometry{}, fmt.Errorf("page %d: no media box", index)
	}
	return engine.Geometry{Width: box.Width(), Height: box.Height()}, nil
}

func (d *Document) BaseRotation(index int) (int, error) {
	_, inh, err := d.pageDict(index)
	if err != nil {
		return 0, err
	}
	return engine.NormalizeAngle(inh.Rotate), nil
}

// SetRotation writes an absolute /Rotate entry on the page, overriding any
// inherited value.
func (d *Document) SetRotation(index int, angle int) error {
	if !engine.ValidAngle(angle) {
		return fmt.Errorf("%w: angle %d", engine.ErrRotation, angle)
	}
	dict, _, err := d.pageDict(index)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrRotation, err)
	}
	dict.Update("Rotate", types.Integer(engine.NormalizeAngle(angle)))
	return nil
}

func (d *Document) Render(index int, angle int, opts engine.RenderOptions) ([]byte, error) {
	g, err := d.PageGeometry(index)
	if err != nil {
		return nil, err
	}
	return preview.PNG(g, angle, preview.Options{
		MaxSize: opts.MaxSize,
		Label:   strconv.Itoa(index + 1),
		Marked:  opts.Marked,
	})
}

// Save writes the document to path. With opts.Optimize the document is
// serialized, re-read and optimized first; contexts built by CopyPages
// cannot be optimized in place.
func (d *Document) Save(ctx context.Context, path string, opts engine.SaveOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.ctx == nil {
		return fmt.Errorf("%w: %w", engine.ErrSave, engine.ErrClosed)
	}
	out := d.ctx
	if opts.Optimize {
		optimized, err := optimize(d.ctx)
		if err != nil {
			return fmt.Errorf("%w: optimize: %w", engine.ErrSave, err)
		}
		out = optimized
	}
	if err := api.WriteContextFile(out, path); err != nil {
		return fmt.Errorf("%w: %s: %w", engine.ErrSave, path, err)
	}
	return nil
}

func optimize(pc *model.Context) (*model.Context, error) {
	var buf bytes.Buffer
	if err := api.WriteContext(pc, &buf); err != nil {
		return nil, err
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.Optimize = true
	return api.ReadValidateAndOptimize(bytes.NewReader(buf.Bytes()), conf)
}

// Close drops the in-memory document.
func (d *Document) Close() error {
	d.ctx = nil
	return nil
}
