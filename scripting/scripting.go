// Package scripting drives an edit session from JavaScript, for batch edits
// and headless use.
//
// Bound globals (page indices are zero-based):
//
//	open(path)            state()              log(msg)
//	pageCount()           cursor()             setCursor(i)
//	next()                prev()
//	rotate(delta)         rotateLeft()         rotateRight()
//	toggleDelete()        isDeleted(i)         rotation(i)
//	commit([path])
//
// Session errors are thrown as JavaScript exceptions.
package scripting

import (
	"context"

	"github.com/wudi/pagekit/commit"
	"github.com/wudi/pagekit/observability"
	"github.com/wudi/pagekit/session"
)

// Engine represents a scripting engine.
type Engine interface {
	// Execute runs script and returns its completion value.
	Execute(ctx context.Context, script string) (interface{}, error)

	// Bind exposes the session (and, when c is non-nil, commits) to scripts.
	Bind(s *session.Session, c *commit.Committer, log observability.Logger) error
}
