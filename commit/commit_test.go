package commit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wudi/pagekit/engine"
	"github.com/wudi/pagekit/engine/enginetest"
	"github.com/wudi/pagekit/observability"
	"github.com/wudi/pagekit/recovery"
	"github.com/wudi/pagekit/session"
)

type fixture struct {
	eng    *enginetest.Engine
	sess   *session.Session
	dir    string
	source string
}

func newFixture(t *testing.T, pages ...enginetest.Page) *fixture {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "source.pdf")
	if err := enginetest.WriteFile(source, pages...); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	eng := enginetest.New()
	s := session.New(eng)
	if _, err := s.Open(context.Background(), source); err != nil {
		t.Fatalf("open: %v", err)
	}
	return &fixture{eng: eng, sess: s, dir: dir, source: source}
}

func (f *fixture) mark(t *testing.T, index, rotate int, del bool) {
	t.Helper()
	if err := f.sess.SetCursor(index); err != nil {
		t.Fatal(err)
	}
	if rotate != 0 {
		if _, err := f.sess.RotateCurrent(rotate); err != nil {
			t.Fatal(err)
		}
	}
	if del {
		if _, err := f.sess.ToggleDeleteCurrent(); err != nil {
			t.Fatal(err)
		}
	}
}

func labels(t *testing.T, path string) []string {
	t.Helper()
	pages, err := enginetest.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = p.Label
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// flakyFS fails selected operations and otherwise defers to the OS.
type flakyFS struct {
	FS
	renameErr error
}

func (f flakyFS) Rename(oldpath, newpath string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	return f.FS.Rename(oldpath, newpath)
}

func TestIdentityCommit(t *testing.T) {
	f := newFixture(t, enginetest.Pages(3)...)
	target := filepath.Join(f.dir, "out.pdf")

	info, err := New(f.eng, DefaultConfig()).Commit(context.Background(), f.sess, target)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if info.Mode != ModeDirect || info.OutputPageCount != 3 || info.Path != target {
		t.Fatalf("unexpected info: %+v", info)
	}
	if got := labels(t, target); !equal(got, []string{"p0", "p1", "p2"}) {
		t.Fatalf("page order changed: %v", got)
	}
	if len(info.Digest) != 64 || info.ID == "" {
		t.Fatalf("expected digest and id, got %+v", info)
	}
	if f.sess.Path() != target || f.sess.TotalPages() != 3 {
		t.Fatalf("session not reloaded: %+v", f.sess.State())
	}
}

func TestCommitDropsDeletedPages(t *testing.T) {
	f := newFixture(t, enginetest.Pages(5)...)
	f.mark(t, 1, 0, true)
	f.mark(t, 3, 0, true)
	target := filepath.Join(f.dir, "out.pdf")

	info, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, target)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if info.OutputPageCount != 3 {
		t.Fatalf("expected 3 pages, got %d", info.OutputPageCount)
	}
	if got := labels(t, target); !equal(got, []string{"p0", "p2", "p4"}) {
		t.Fatalf("got %v, want [p0 p2 p4]", got)
	}
	if f.sess.Dirty() {
		t.Fatalf("edits should be cleared after commit")
	}
}

func TestCommitComposesRotation(t *testing.T) {
	pages := enginetest.Pages(4)
	pages[0].Rotate = 90
	pages[2].Rotate = 270
	pages[3].Rotate = 180
	f := newFixture(t, pages...)
	f.mark(t, 2, 90, false)
	f.mark(t, 3, -90, false)
	f.mark(t, 1, 90, false)
	target := filepath.Join(f.dir, "out.pdf")

	if _, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, target); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := enginetest.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{90, 90, 0, 90}
	for i, p := range got {
		if p.Rotate != want[i] {
			t.Fatalf("page %d rotation = %d, want %d", i, p.Rotate, want[i])
		}
	}
	for i := range want {
		if r, _ := f.sess.BaseRotation(i); r != want[i] {
			t.Fatalf("reloaded page %d base rotation = %d, want %d", i, r, want[i])
		}
	}
}

func TestCommitOverOpenSource(t *testing.T) {
	f := newFixture(t, enginetest.Pages(4)...)
	f.mark(t, 0, 0, true)
	f.mark(t, 2, 90, false)

	info, err := New(f.eng, DefaultConfig()).Commit(context.Background(), f.sess, f.source)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if info.Mode != ModeStaged {
		t.Fatalf("expected staged write over the open source, got %s", info.Mode)
	}
	if got := labels(t, f.source); !equal(got, []string{"p1", "p2", "p3"}) {
		t.Fatalf("got %v", got)
	}
	if f.sess.TotalPages() != 3 || f.sess.Path() != f.source {
		t.Fatalf("session should point at the rewritten source: %+v", f.sess.State())
	}
	left, err := recovery.Find(f.source)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Fatalf("staged files left behind: %+v", left)
	}
	if n := f.eng.OpenHandles(); n != 1 {
		t.Fatalf("expected one open handle, got %d", n)
	}
}

func TestCommitEmptyTargetMeansSource(t *testing.T) {
	f := newFixture(t, enginetest.Pages(2)...)
	f.mark(t, 1, 0, true)
	info, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, "")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if info.Path != f.source || info.OutputPageCount != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestCommitReplacesUnrelatedTarget(t *testing.T) {
	f := newFixture(t, enginetest.Pages(2)...)
	target := filepath.Join(f.dir, "existing.pdf")
	if err := enginetest.WriteFile(target, enginetest.Page{Label: "old", Width: 1, Height: 1}); err != nil {
		t.Fatal(err)
	}

	info, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, target)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if info.Mode != ModeReplaced {
		t.Fatalf("expected replaced mode, got %s", info.Mode)
	}
	if got := labels(t, target); !equal(got, []string{"p0", "p1"}) {
		t.Fatalf("got %v", got)
	}
}

func TestCommitReplaceKeepsTargetOnSaveFailure(t *testing.T) {
	f := newFixture(t, enginetest.Pages(2)...)
	target := filepath.Join(f.dir, "existing.pdf")
	if err := enginetest.WriteFile(target, enginetest.Page{Label: "old", Width: 1, Height: 1}); err != nil {
		t.Fatal(err)
	}
	f.eng.FailSave = func(string) error { return errors.New("disk full") }

	if _, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, target); !errors.Is(err, engine.ErrSave) {
		t.Fatalf("expected ErrSave, got %v", err)
	}
	if got := labels(t, target); !equal(got, []string{"old"}) {
		t.Fatalf("existing target lost: %v", got)
	}
	staged, err := recovery.Find(target)
	if err != nil || len(staged) != 0 {
		t.Fatalf("partial staged file left: %+v err=%v", staged, err)
	}
}

func TestCommitThroughSymlinkToSource(t *testing.T) {
	f := newFixture(t, enginetest.Pages(3)...)
	link := filepath.Join(f.dir, "link.pdf")
	if err := os.Symlink(f.source, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	f.mark(t, 1, 0, true)

	info, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, link)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if info.Mode != ModeStaged {
		t.Fatalf("expected staged mode, got %s", info.Mode)
	}
	fi, err := os.Lstat(link)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("link replaced by a regular file: %v", err)
	}
	if got := labels(t, f.source); !equal(got, []string{"p0", "p2"}) {
		t.Fatalf("source not updated: %v", got)
	}
	if f.sess.TotalPages() != 2 {
		t.Fatalf("session pages = %d", f.sess.TotalPages())
	}
}

func TestCommitIncompleteKeepsStagedFile(t *testing.T) {
	f := newFixture(t, enginetest.Pages(3)...)
	f.mark(t, 1, 0, true)
	fs := flakyFS{FS: OSFS(), renameErr: errors.New("device busy")}

	_, err := New(f.eng, Config{}, WithFS(fs)).Commit(context.Background(), f.sess, f.source)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	var inc *IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("expected *IncompleteError, got %T", err)
	}
	if inc.Target != f.source {
		t.Fatalf("target = %s", inc.Target)
	}
	if got := labels(t, inc.StagedPath); !equal(got, []string{"p0", "p2"}) {
		t.Fatalf("staged file content = %v", got)
	}
	if got := labels(t, f.source); !equal(got, []string{"p0", "p1", "p2"}) {
		t.Fatalf("source modified: %v", got)
	}

	if !f.sess.IsMarkedDeleted(1) || f.sess.TotalPages() != 3 {
		t.Fatalf("session changed after incomplete commit: %+v", f.sess.State())
	}
	if n := f.eng.OpenHandles(); n != 1 {
		t.Fatalf("output handle leaked: %d open", n)
	}

	staged, err := recovery.Find(f.source)
	if err != nil || len(staged) != 1 || staged[0].Path != inc.StagedPath {
		t.Fatalf("recovery should find the staged file: %+v err=%v", staged, err)
	}
}

func TestCommitRejectsEmptyResult(t *testing.T) {
	f := newFixture(t, enginetest.Pages(3)...)
	for i := 0; i < 3; i++ {
		f.mark(t, i, 0, true)
	}
	target := filepath.Join(f.dir, "out.pdf")

	_, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, target)
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
	if _, err := os.Stat(target); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("nothing should be written, stat err=%v", err)
	}
	if st := f.sess.State(); st.PendingDeletions != 3 || st.Path != f.source {
		t.Fatalf("session changed: %+v", st)
	}
}

func TestCommitSaveFailure(t *testing.T) {
	f := newFixture(t, enginetest.Pages(3)...)
	f.mark(t, 0, 90, false)
	f.eng.FailSave = func(string) error { return errors.New("disk full") }

	_, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, f.source)
	if !errors.Is(err, engine.ErrSave) {
		t.Fatalf("expected ErrSave, got %v", err)
	}
	staged, ferr := recovery.Find(f.source)
	if ferr != nil || len(staged) != 0 {
		t.Fatalf("partial staged file left: %+v err=%v", staged, ferr)
	}
	if got := labels(t, f.source); !equal(got, []string{"p0", "p1", "p2"}) {
		t.Fatalf("source modified: %v", got)
	}
	if f.sess.RotationOf(0) != 90 {
		t.Fatalf("session edits lost")
	}

	target := filepath.Join(f.dir, "new.pdf")
	if _, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, target); !errors.Is(err, engine.ErrSave) {
		t.Fatalf("expected ErrSave, got %v", err)
	}
	if _, err := os.Stat(target); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial target left behind, stat err=%v", err)
	}
	if n := f.eng.OpenHandles(); n != 1 {
		t.Fatalf("handles leaked: %d", n)
	}
}

func TestCommitEngineFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*enginetest.Engine)
		want  error
	}{
		{"copy", func(e *enginetest.Engine) { e.FailCopy = errors.New("bad xref") }, engine.ErrCopy},
		{"rotation", func(e *enginetest.Engine) { e.FailRotation = errors.New("locked") }, engine.ErrRotation},
		{"reload", func(e *enginetest.Engine) {
			e.FailOpen = func(string) error { return errors.New("corrupt") }
		}, ErrReload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, enginetest.Pages(2)...)
			f.mark(t, 1, 90, false)
			tc.setup(f.eng)

			_, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, filepath.Join(f.dir, "out.pdf"))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if f.sess.Path() != f.source || f.sess.RotationOf(1) != 90 {
				t.Fatalf("session changed: %+v", f.sess.State())
			}
			if n := f.eng.OpenHandles(); n != 1 {
				t.Fatalf("handles leaked: %d", n)
			}
		})
	}
}

func TestCommitClampsCursor(t *testing.T) {
	f := newFixture(t, enginetest.Pages(5)...)
	f.mark(t, 3, 0, true)
	f.mark(t, 4, 0, true)

	if _, err := New(f.eng, Config{}).Commit(context.Background(), f.sess, filepath.Join(f.dir, "out.pdf")); err != nil {
		t.Fatal(err)
	}
	if f.sess.Cursor() != 2 {
		t.Fatalf("cursor = %d, want 2", f.sess.Cursor())
	}
}

func TestCommitWithoutDocument(t *testing.T) {
	s := session.New(enginetest.New())
	if _, err := New(enginetest.New(), Config{}).Commit(context.Background(), s, "x.pdf"); !errors.Is(err, session.ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument, got %v", err)
	}
}

func TestCommitMetricsAndClock(t *testing.T) {
	f := newFixture(t, enginetest.Pages(4)...)
	f.mark(t, 0, 0, true)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	c := New(f.eng, Config{}, WithClock(clock), WithMetrics(m))

	info, err := c.Commit(context.Background(), f.sess, filepath.Join(f.dir, "out.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.CommittedAt.Equal(now) || info.Duration != 0 {
		t.Fatalf("unexpected timing: %+v", info)
	}
	if got := testutil.ToFloat64(m.CommitsTotal.WithLabelValues(observability.OutcomeCommitted, string(ModeDirect))); got != 1 {
		t.Fatalf("committed = %v", got)
	}
	if got := testutil.ToFloat64(m.PagesWritten); got != 3 {
		t.Fatalf("pages written = %v", got)
	}
	if got := testutil.ToFloat64(m.PagesDropped); got != 1 {
		t.Fatalf("pages dropped = %v", got)
	}

	for i := 0; i < f.sess.TotalPages(); i++ {
		f.mark(t, i, 0, true)
	}
	if _, err := c.Commit(context.Background(), f.sess, filepath.Join(f.dir, "none.pdf")); !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
	if got := testutil.ToFloat64(m.CommitsTotal.WithLabelValues(observability.OutcomeRejected, "")); got != 1 {
		t.Fatalf("rejected = %v", got)
	}
}
