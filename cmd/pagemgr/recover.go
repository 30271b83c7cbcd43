package main

import (
	"fmt"
	"io"

	"github.com/wudi/pagekit/recovery"
)

func runRecover(opts options, out io.Writer) error {
	staged, err := recovery.Find(opts.recoverTarget)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		fmt.Fprintf(out, "No staged files for %s\n", opts.recoverTarget)
		return nil
	}

	switch {
	case opts.recoverApply:
		if err := recovery.Complete(staged[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "Replaced %s with %s\n", staged[0].Target, staged[0].Path)
		for _, s := range staged[1:] {
			fmt.Fprintf(out, "Older staged file kept: %s\n", s.Path)
		}
	case opts.recoverDiscard:
		for _, s := range staged {
			if err := recovery.Discard(s); err != nil {
				return err
			}
			fmt.Fprintf(out, "Discarded %s\n", s.Path)
		}
	default:
		for _, s := range staged {
			fmt.Fprintf(out, "%s\t%d bytes\t%s\tcommit %s\n", s.Path, s.Size, s.ModTime.Format("2006-01-02 15:04:05"), s.ID)
		}
	}
	return nil
}
