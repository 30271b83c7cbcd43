// Package commit materializes a session's pending edits into a new document.
//
// A commit keeps the surviving pages in source order, writes each page's
// rotation as its stored rotation plus the pending one, places the result at
// the target path and reloads it into the session. When the target is the
// document being edited, the output is staged next to it and renamed into
// place, so the source stays intact until the new file is complete.
package commit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/blake2b"

	"github.com/wudi/pagekit/engine"
	"github.com/wudi/pagekit/observability"
	"github.com/wudi/pagekit/recovery"
	"github.com/wudi/pagekit/session"
)

var (
	ErrEmptyResult = errors.New("commit: every page is marked for deletion")
	ErrIncomplete  = errors.New("commit: staged document was not moved into place")
	ErrReload      = errors.New("commit: cannot reload committed document")
)

// IncompleteError reports a commit whose output was written to StagedPath
// but could not replace Target. The staged file is left for recovery.
type IncompleteError struct {
	Target     string
	StagedPath string
	Err        error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("commit: replace %s with %s: %v", e.Target, e.StagedPath, e.Err)
}

func (e *IncompleteError) Unwrap() []error { return []error{ErrIncomplete, e.Err} }

// Mode records how the output reached its target path.
type Mode string

const (
	// ModeDirect wrote to a path that did not exist.
	ModeDirect Mode = "direct"
	// ModeReplaced staged the output and renamed it over an existing
	// unrelated file.
	ModeReplaced Mode = "replaced"
	// ModeStaged staged the output and renamed it over the open source, or
	// over a target that could not be inspected.
	ModeStaged Mode = "staged"
)

// Info describes a committed document.
type Info struct {
	ID              string
	Path            string
	OutputPageCount int
	Mode            Mode
	Digest          string
	CommittedAt     time.Time
	Duration        time.Duration
}

type Config struct {
	Save engine.SaveOptions
	// SyncDir fsyncs the target directory after a staged rename.
	SyncDir bool
}

func DefaultConfig() Config {
	return Config{
		Save:    engine.SaveOptions{Optimize: true},
		SyncDir: true,
	}
}

// FS is the filesystem surface used to place committed files.
type FS interface {
	Stat(name string) (os.FileInfo, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
}

type osFS struct{}

func (osFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (osFS) Remove(name string) error              { return os.Remove(name) }
func (osFS) Rename(oldpath, newpath string) error  { return os.Rename(oldpath, newpath) }

// OSFS returns the operating system filesystem.
func OSFS() FS { return osFS{} }

type Option func(*Committer)

func WithLogger(l observability.Logger) Option {
	return func(c *Committer) {
		if l != nil {
			c.log = l
		}
	}
}

func WithTracer(t observability.Tracer) Option {
	return func(c *Committer) {
		if t != nil {
			c.tracer = t
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Committer) { c.metrics = m }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Committer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithFS(fs FS) Option {
	return func(c *Committer) {
		if fs != nil {
			c.fs = fs
		}
	}
}

type Committer struct {
	engine  engine.Engine
	cfg     Config
	fs      FS
	log     observability.Logger
	tracer  observability.Tracer
	metrics *observability.Metrics
	clock   clockwork.Clock
	newID   func() string
}

func New(eng engine.Engine, cfg Config, opts ...Option) *Committer {
	c := &Committer{
		engine: eng,
		cfg:    cfg,
		fs:     osFS{},
		log:    observability.NopLogger{},
		tracer: observability.NopTracer(),
		clock:  clockwork.NewRealClock(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit writes the session's surviving pages to target and reloads the
// result into s. On any error s is left exactly as it was.
func (c *Committer) Commit(ctx context.Context, s *session.Session, target string) (info Info, err error) {
	if !s.Loaded() {
		return Info{}, session.ErrNoDocument
	}
	if target == "" {
		target = s.Path()
	}

	start := c.clock.Now()
	id := c.newID()
	log := c.log.With(observability.String("commit_id", id), observability.String("target", target))

	ctx, span := c.tracer.StartSpan(ctx, "commit")
	span.SetTag("commit_id", id)
	span.SetTag("target", target)

	mode := Mode("")
	plan := s.Plan()
	dropped := s.TotalPages() - len(plan)
	defer func() {
		c.observe(err, mode, len(plan), dropped, c.clock.Now().Sub(start))
		if err != nil {
			span.SetError(err)
			log.Error("commit failed", observability.Error("error", err))
		}
		span.Finish()
	}()

	if len(plan) == 0 {
		return Info{}, ErrEmptyResult
	}

	out, err := c.assemble(ctx, s.Document(), plan)
	if err != nil {
		return Info{}, err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			log.Warn("close output document failed", observability.Error("error", cerr))
		}
	}()

	mode, err = c.place(ctx, log, s.Path(), out, target, id)
	if err != nil {
		return Info{}, err
	}

	doc, err := c.engine.Open(ctx, target)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %w", ErrReload, target, err)
	}
	s.Adopt(doc)

	digest, derr := fileDigest(target)
	if derr != nil {
		log.Warn("digest committed document failed", observability.Error("error", derr))
	}

	info = Info{
		ID:              id,
		Path:            target,
		OutputPageCount: doc.PageCount(),
		Mode:            mode,
		Digest:          digest,
		CommittedAt:     c.clock.Now(),
	}
	info.Duration = info.CommittedAt.Sub(start)
	log.Info("document committed",
		observability.String("mode", string(mode)),
		observability.Int("pages", info.OutputPageCount),
		observability.String("digest", digest))
	return info, nil
}

// assemble copies the planned pages into a new document and applies the
// composed rotation to each.
func (c *Committer) assemble(ctx context.Context, src engine.Document, plan []session.PageEdit) (engine.Document, error) {
	indices := make([]int, len(plan))
	for i, p := range plan {
		indices[i] = p.Index
	}
	out, err := c.engine.CopyPages(ctx, src, indices)
	if err != nil {
		if !errors.Is(err, engine.ErrCopy) {
			err = fmt.Errorf("%w: %w", engine.ErrCopy, err)
		}
		return nil, err
	}

	for i, p := range plan {
		base, err := src.BaseRotation(p.Index)
		if err == nil {
			err = out.SetRotation(i, engine.NormalizeAngle(base+p.Rotation))
		}
		if err != nil {
			_ = out.Close()
			if !errors.Is(err, engine.ErrRotation) {
				err = fmt.Errorf("%w: page %d: %w", engine.ErrRotation, p.Index, err)
			}
			return nil, err
		}
	}
	return out, nil
}

// place writes out to target. An absent target is written directly. An
// existing target is resolved through symlinks, and the output is staged
// next to the resolved file and renamed over it, so the old content stays
// intact until the new file is complete.
func (c *Committer) place(ctx context.Context, log observability.Logger, source string, out engine.Document, target, id string) (Mode, error) {
	ti, err := c.fs.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		if err := out.Save(ctx, target, c.cfg.Save); err != nil {
			_ = c.fs.Remove(target)
			return ModeDirect, saveErr(target, err)
		}
		return ModeDirect, nil
	}

	mode := ModeStaged
	switch {
	case err != nil:
		log.Warn("stat target failed, staging", observability.Error("error", err))
	case c.sameFile(source, ti):
		log.Debug("target is the open source, staging")
	default:
		mode = ModeReplaced
	}
	if li, err := os.Lstat(target); err == nil && li.Mode()&os.ModeSymlink != 0 {
		if resolved, err := filepath.EvalSymlinks(target); err == nil {
			log.Debug("target is a symlink", observability.String("resolved", resolved))
			target = resolved
		}
	}

	staged := recovery.StagedPath(target, id)
	if err := out.Save(ctx, staged, c.cfg.Save); err != nil {
		_ = c.fs.Remove(staged)
		return mode, saveErr(staged, err)
	}
	if err := c.fs.Rename(staged, target); err != nil {
		return mode, &IncompleteError{Target: target, StagedPath: staged, Err: err}
	}
	if c.cfg.SyncDir {
		if err := recovery.SyncDir(filepath.Dir(target)); err != nil {
			log.Warn("sync target directory failed", observability.Error("error", err))
		}
	}
	return mode, nil
}

func (c *Committer) sameFile(source string, target os.FileInfo) bool {
	if source == "" {
		return false
	}
	si, err := c.fs.Stat(source)
	if err != nil {
		return false
	}
	return os.SameFile(si, target)
}

func saveErr(path string, err error) error {
	if errors.Is(err, engine.ErrSave) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", engine.ErrSave, path, err)
}

func (c *Committer) observe(err error, mode Mode, written, dropped int, d time.Duration) {
	if c.metrics == nil {
		return
	}
	outcome := observability.OutcomeCommitted
	switch {
	case errors.Is(err, ErrEmptyResult):
		outcome = observability.OutcomeRejected
	case errors.Is(err, ErrIncomplete):
		outcome = observability.OutcomeIncomplete
	case err != nil:
		outcome = observability.OutcomeFailed
	}
	c.metrics.CommitsTotal.WithLabelValues(outcome, string(mode)).Inc()
	c.metrics.CommitDuration.Observe(d.Seconds())
	if err == nil {
		c.metrics.PagesWritten.Add(float64(written))
		c.metrics.PagesDropped.Add(float64(dropped))
	}
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
