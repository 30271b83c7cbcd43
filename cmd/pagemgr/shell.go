package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/wudi/pagekit/commit"
	"github.com/wudi/pagekit/report"
	"github.com/wudi/pagekit/session"
)

const shellHelp = `Commands:
  open <path>          open a PDF, discarding pending edits
  info                 show the current page and pending edits
  goto <n>             jump to page n (1-based)
  next, n / prev, p    move between pages
  left / right         rotate the current page by -90 / +90 degrees
  delete, d            mark or unmark the current page for deletion
  show <file.png> [px] write a preview of the current page
  summary              print pending edits as Markdown
  report <file.html>   write pending edits as HTML
  save [path]          commit edits (default: overwrite the open PDF)
  close                close the document
  help                 show this help
  quit, q              exit`

var errUsage = errors.New("usage")

// shell is a line-oriented front end over a session; every command maps to
// one session or commit operation.
type shell struct {
	s   *session.Session
	c   *commit.Committer
	out io.Writer
}

func newShell(s *session.Session, c *commit.Committer, out io.Writer) *shell {
	return &shell{s: s, c: c, out: out}
}

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(sh.out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(sh.out)
			return sc.Err()
		}
		quit, err := sh.exec(ctx, sc.Text())
		if err != nil {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
		if quit {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (sh *shell) exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "quit", "q", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprintln(sh.out, shellHelp)
	case "open":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: open <path>", errUsage)
		}
		st, err := sh.s.Open(ctx, args[0])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "Loaded PDF with %d pages\n", st.TotalPages)
	case "close":
		if err := sh.s.Close(); err != nil {
			return false, err
		}
		fmt.Fprintln(sh.out, "Document closed")
	case "info":
		sh.status()
	case "goto", "g":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: goto <n>", errUsage)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("%w: goto <n>", errUsage)
		}
		if err := sh.s.SetCursor(n - 1); err != nil {
			return false, err
		}
		sh.status()
	case "next", "n":
		sh.s.Next()
		sh.status()
	case "prev", "p":
		sh.s.Prev()
		sh.status()
	case "left", "right":
		delta := 90
		if cmd == "left" {
			delta = -90
		}
		if _, err := sh.s.RotateCurrent(delta); err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "Page %d rotated by %d°\n", sh.s.Cursor()+1, delta)
	case "delete", "d":
		marked, err := sh.s.ToggleDeleteCurrent()
		if err != nil {
			return false, err
		}
		if marked {
			fmt.Fprintf(sh.out, "Page %d marked for deletion\n", sh.s.Cursor()+1)
		} else {
			fmt.Fprintf(sh.out, "Page %d unmarked for deletion\n", sh.s.Cursor()+1)
		}
	case "show":
		return false, sh.show(args)
	case "summary":
		sh.out.Write(report.Markdown(sh.s))
	case "report":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: report <file.html>", errUsage)
		}
		return false, sh.report(args[0])
	case "save":
		return false, sh.save(ctx, args)
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}

func (sh *shell) status() {
	if !sh.s.Loaded() {
		fmt.Fprintln(sh.out, "Page: 0/0")
		return
	}
	i := sh.s.Cursor()
	line := fmt.Sprintf("Page: %d/%d", i+1, sh.s.TotalPages())
	if r := sh.s.RotationOf(i); r != 0 {
		line += fmt.Sprintf(", rotate +%d°", r)
	}
	if sh.s.IsMarkedDeleted(i) {
		line += ", marked for deletion"
	}
	fmt.Fprintln(sh.out, line)
}

func (sh *shell) show(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: show <file.png> [px]", errUsage)
	}
	size := 0
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: show <file.png> [px]", errUsage)
		}
		size = n
	}
	if !sh.s.Loaded() {
		return session.ErrNoDocument
	}
	data, err := sh.s.Render(sh.s.Cursor(), size)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Preview written to %s\n", args[0])
	return nil
}

func (sh *shell) report(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.HTML(f, report.Markdown(sh.s)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Report written to %s\n", path)
	return nil
}

func (sh *shell) save(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("%w: save [path]", errUsage)
	}
	target := ""
	if len(args) == 1 {
		target = args[0]
	}
	info, err := sh.c.Commit(ctx, sh.s, target)
	if err != nil {
		var inc *commit.IncompleteError
		if errors.As(err, &inc) {
			fmt.Fprintf(sh.out, "The new PDF was written to %s but could not replace %s.\n", inc.StagedPath, inc.Target)
			fmt.Fprintf(sh.out, "Run: pagemgr -recover %s -recover-apply\n", inc.Target)
		}
		return err
	}
	fmt.Fprintf(sh.out, "Changes saved successfully: %s (%d pages)\n", info.Path, info.OutputPageCount)
	return nil
}
