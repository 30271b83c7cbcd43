// Package session tracks pending, non-destructive page edits against an
// opened document.
//
// A Session owns exactly one document handle at a time. Rotations and
// deletions live in an in-memory overlay keyed by source page index; nothing
// touches the document until the overlay is committed (see package commit).
// A Session is not safe for concurrent use: it has a single owner, and a
// commit holds it exclusively for its duration.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wudi/pagekit/engine"
	"github.com/wudi/pagekit/observability"
)

var (
	ErrNoDocument      = errors.New("session: no document loaded")
	ErrIndexOutOfRange = errors.New("session: page index out of range")
	ErrInvalidRotation = errors.New("session: rotation must be a non-zero multiple of 90 degrees")
)

// State is a snapshot of a session.
type State struct {
	Path             string
	TotalPages       int
	Cursor           int
	PendingRotations int
	PendingDeletions int
}

// Dirty reports whether the snapshot carries uncommitted edits.
func (s State) Dirty() bool { return s.PendingRotations > 0 || s.PendingDeletions > 0 }

// PageEdit is the pending edit of one source page.
type PageEdit struct {
	Index    int
	Rotation int
	Deleted  bool
}

type Option func(*Session)

// WithLogger sets the logger used for handle lifecycle events.
func WithLogger(l observability.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

type Session struct {
	engine engine.Engine
	log    observability.Logger

	doc       engine.Document
	rotations map[int]int
	deleted   map[int]struct{}
	cursor    int
}

func New(eng engine.Engine, opts ...Option) *Session {
	s := &Session{
		engine:    eng,
		log:       observability.NopLogger{},
		rotations: make(map[int]int),
		deleted:   make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open loads path as the session's document. On failure the session keeps
// its previous document and edits. On success the previous document is
// closed and all edits are discarded.
func (s *Session) Open(ctx context.Context, path string) (State, error) {
	doc, err := s.engine.Open(ctx, path)
	if err != nil {
		if !errors.Is(err, engine.ErrOpen) {
			err = fmt.Errorf("%w: %s: %w", engine.ErrOpen, path, err)
		}
		s.log.Warn("open failed", observability.String("path", path), observability.Error("error", err))
		return s.State(), err
	}
	s.install(doc, 0)
	s.log.Info("document opened", observability.String("path", path), observability.Int("pages", doc.PageCount()))
	return s.State(), nil
}

// Adopt installs a freshly committed document in place of the current one.
// Edits are cleared and the cursor is kept where possible.
func (s *Session) Adopt(doc engine.Document) {
	s.install(doc, s.cursor)
}

func (s *Session) install(doc engine.Document, cursor int) {
	prev := s.doc
	s.doc = doc
	s.reset()
	s.cursor = clamp(cursor, doc.PageCount())
	if prev != nil && prev != doc {
		s.release(prev)
	}
}

// Close releases the document and returns the session to the empty state.
// Release failures are logged, not returned.
func (s *Session) Close() error {
	if s.doc != nil {
		s.release(s.doc)
	}
	s.doc = nil
	s.reset()
	s.cursor = 0
	return nil
}

func (s *Session) release(doc engine.Document) {
	if err := doc.Close(); err != nil {
		s.log.Warn("close document failed", observability.String("path", doc.Path()), observability.Error("error", err))
	}
}

func (s *Session) reset() {
	clear(s.rotations)
	clear(s.deleted)
}

func clamp(cursor, total int) int {
	if total <= 0 || cursor < 0 {
		return 0
	}
	return min(cursor, total-1)
}

func (s *Session) Loaded() bool { return s.doc != nil }

// Document returns the open document, or nil.
func (s *Session) Document() engine.Document { return s.doc }

func (s *Session) Path() string {
	if s.doc == nil {
		return ""
	}
	return s.doc.Path()
}

func (s *Session) TotalPages() int {
	if s.doc == nil {
		return 0
	}
	return s.doc.PageCount()
}

func (s *Session) Cursor() int { return s.cursor }

func (s *Session) State() State {
	return State{
		Path:             s.Path(),
		TotalPages:       s.TotalPages(),
		Cursor:           s.cursor,
		PendingRotations: len(s.rotations),
		PendingDeletions: len(s.deleted),
	}
}

// Dirty reports whether there are uncommitted edits.
func (s *Session) Dirty() bool { return len(s.rotations) > 0 || len(s.deleted) > 0 }

func (s *Session) checkIndex(index int) error {
	if s.doc == nil {
		return ErrNoDocument
	}
	if total := s.doc.PageCount(); index < 0 || index >= total {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, total)
	}
	return nil
}

func (s *Session) SetCursor(index int) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	s.cursor = index
	return nil
}

// Next advances the cursor; it reports false at the last page.
func (s *Session) Next() bool {
	if s.doc == nil || s.cursor >= s.doc.PageCount()-1 {
		return false
	}
	s.cursor++
	return true
}

// Prev moves the cursor back; it reports false at the first page.
func (s *Session) Prev() bool {
	if s.doc == nil || s.cursor <= 0 {
		return false
	}
	s.cursor--
	return true
}

// RotateCurrent adds delta degrees to the cursor page's pending rotation and
// returns the new pending rotation.
func (s *Session) RotateCurrent(delta int) (int, error) {
	if s.doc == nil {
		return 0, ErrNoDocument
	}
	if delta == 0 || !engine.ValidAngle(delta) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRotation, delta)
	}
	angle := engine.NormalizeAngle(s.rotations[s.cursor] + delta)
	if angle == 0 {
		delete(s.rotations, s.cursor)
	} else {
		s.rotations[s.cursor] = angle
	}
	return angle, nil
}

// ToggleDeleteCurrent flips the cursor page's deletion mark and returns the
// new mark.
func (s *Session) ToggleDeleteCurrent() (bool, error) {
	if s.doc == nil {
		return false, ErrNoDocument
	}
	_, marked := s.deleted[s.cursor]
	marked = !marked
	if marked {
		s.deleted[s.cursor] = struct{}{}
	} else {
		delete(s.deleted, s.cursor)
	}
	s.log.Debug("deletion toggled", observability.Int("page", s.cursor), observability.Bool("marked", marked))
	return marked, nil
}

func (s *Session) IsMarkedDeleted(index int) bool {
	_, ok := s.deleted[index]
	return ok
}

func (s *Session) RotationOf(index int) int { return s.rotations[index] }

func (s *Session) PageGeometry(index int) (engine.Geometry, error) {
	if err := s.checkIndex(index); err != nil {
		return engine.Geometry{}, err
	}
	return s.doc.PageGeometry(index)
}

// BaseRotation reports the rotation stored in the source page itself.
func (s *Session) BaseRotation(index int) (int, error) {
	if err := s.checkIndex(index); err != nil {
		return 0, err
	}
	return s.doc.BaseRotation(index)
}

// Render draws page index as it will look after commit: base rotation plus
// pending rotation, highlighted when marked for deletion.
func (s *Session) Render(index int, maxSize int) ([]byte, error) {
	base, err := s.BaseRotation(index)
	if err != nil {
		return nil, err
	}
	return s.doc.Render(index, base+s.RotationOf(index), engine.RenderOptions{
		MaxSize: maxSize,
		Marked:  s.IsMarkedDeleted(index),
	})
}

// Plan returns the pages that survive a commit, in source order, with their
// pending rotation.
func (s *Session) Plan() []PageEdit {
	total := s.TotalPages()
	out := make([]PageEdit, 0, total-len(s.deleted))
	for i := 0; i < total; i++ {
		if s.IsMarkedDeleted(i) {
			continue
		}
		out = append(out, PageEdit{Index: i, Rotation: s.rotations[i]})
	}
	return out
}

// Edits returns every page with a pending edit, ordered by index.
func (s *Session) Edits() []PageEdit {
	seen := make(map[int]struct{}, len(s.rotations)+len(s.deleted))
	var out []PageEdit
	add := func(i int) {
		if _, ok := seen[i]; ok {
			return
		}
		seen[i] = struct{}{}
		out = append(out, PageEdit{Index: i, Rotation: s.rotations[i], Deleted: s.IsMarkedDeleted(i)})
	}
	for i := range s.rotations {
		add(i)
	}
	for i := range s.deleted {
		add(i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}
