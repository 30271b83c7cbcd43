// Package report summarizes pending edits and commits as Markdown and
// renders them to HTML.
package report

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/wudi/pagekit/commit"
	"github.com/wudi/pagekit/session"
)

// Markdown describes the session's document and its pending edits.
func Markdown(s *session.Session) []byte {
	var b bytes.Buffer
	if !s.Loaded() {
		b.WriteString("# No document\n\nOpen a document to start editing.\n")
		return b.Bytes()
	}

	st := s.State()
	fmt.Fprintf(&b, "# %s\n\n", filepath.Base(st.Path))
	fmt.Fprintf(&b, "Source `%s`, %d pages, viewing page %d.\n\n", st.Path, st.TotalPages, st.Cursor+1)

	edits := s.Edits()
	if len(edits) == 0 {
		b.WriteString("No pending edits.\n")
		return b.Bytes()
	}

	b.WriteString("| Page | Rotation | Action |\n|---:|---:|---|\n")
	for _, e := range edits {
		rot := "-"
		if e.Rotation != 0 {
			rot = fmt.Sprintf("+%d°", e.Rotation)
		}
		action := "keep"
		if e.Deleted {
			action = "delete"
		}
		fmt.Fprintf(&b, "| %d | %s | %s |\n", e.Index+1, rot, action)
	}
	fmt.Fprintf(&b, "\nCommitting writes %d of %d pages.\n", len(s.Plan()), st.TotalPages)
	return b.Bytes()
}

// CommitMarkdown describes a finished commit.
func CommitMarkdown(info commit.Info) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "## Commit %s\n\n", info.ID)
	fmt.Fprintf(&b, "- Path: `%s`\n", info.Path)
	fmt.Fprintf(&b, "- Pages: %d\n", info.OutputPageCount)
	fmt.Fprintf(&b, "- Mode: %s\n", info.Mode)
	if info.Digest != "" {
		fmt.Fprintf(&b, "- BLAKE2b-256: `%s`\n", info.Digest)
	}
	if !info.CommittedAt.IsZero() {
		fmt.Fprintf(&b, "- Committed: %s (%s)\n", info.CommittedAt.UTC().Format("2006-01-02 15:04:05Z"), info.Duration)
	}
	return b.Bytes()
}

// HTML renders Markdown produced by this package.
func HTML(w io.Writer, md []byte) error {
	conv := goldmark.New(goldmark.WithExtensions(extension.Table))
	return conv.Convert(md, w)
}
