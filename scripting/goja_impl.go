package scripting

import (
	"context"
	"errors"

	"github.com/dop251/goja"

	"github.com/wudi/pagekit/commit"
	"github.com/wudi/pagekit/observability"
	"github.com/wudi/pagekit/session"
)

var ErrNoCommitter = errors.New("scripting: commits are not enabled")

type GojaEngine struct {
	vm  *goja.Runtime
	ctx context.Context
}

func NewEngine() *GojaEngine {
	vm := goja.New()
	return &GojaEngine{vm: vm, ctx: context.Background()}
}

func (e *GojaEngine) Execute(ctx context.Context, script string) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.ctx = ctx
	defer func() { e.ctx = context.Background() }()

	done := make(chan struct{})
	stopped := make(chan struct{})
	defer func() {
		close(done)
		<-stopped
		e.vm.ClearInterrupt()
	}()

	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			e.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, err := e.vm.RunString(script)
	if err != nil {
		if interruptedErr, ok := err.(*goja.InterruptedError); ok {
			if cause := interruptedErr.Unwrap(); cause != nil {
				return nil, cause
			}
			return nil, context.Canceled
		}
		return nil, err
	}
	return val.Export(), nil
}

func (e *GojaEngine) Bind(s *session.Session, c *commit.Committer, log observability.Logger) error {
	if log == nil {
		log = observability.NopLogger{}
	}
	vm := e.vm
	throw := func(err error) { panic(vm.NewGoError(err)) }
	index := func(call goja.FunctionCall) int {
		return int(call.Argument(0).ToInteger())
	}

	funcs := map[string]func(goja.FunctionCall) goja.Value{
		"open": func(call goja.FunctionCall) goja.Value {
			path := call.Argument(0)
			if goja.IsUndefined(path) || goja.IsNull(path) {
				throw(errors.New("open: path required"))
			}
			st, err := s.Open(e.ctx, path.String())
			if err != nil {
				throw(err)
			}
			return e.stateValue(st)
		},
		"state": func(goja.FunctionCall) goja.Value {
			return e.stateValue(s.State())
		},
		"log": func(call goja.FunctionCall) goja.Value {
			log.Info(call.Argument(0).String(), observability.String("source", "script"))
			return goja.Undefined()
		},
		"pageCount": func(goja.FunctionCall) goja.Value {
			return vm.ToValue(s.TotalPages())
		},
		"cursor": func(goja.FunctionCall) goja.Value {
			return vm.ToValue(s.Cursor())
		},
		"setCursor": func(call goja.FunctionCall) goja.Value {
			if err := s.SetCursor(index(call)); err != nil {
				throw(err)
			}
			return vm.ToValue(s.Cursor())
		},
		"next": func(goja.FunctionCall) goja.Value {
			return vm.ToValue(s.Next())
		},
		"prev": func(goja.FunctionCall) goja.Value {
			return vm.ToValue(s.Prev())
		},
		"rotate": func(call goja.FunctionCall) goja.Value {
			return e.rotate(s, int(call.Argument(0).ToInteger()))
		},
		"rotateLeft": func(goja.FunctionCall) goja.Value {
			return e.rotate(s, -90)
		},
		"rotateRight": func(goja.FunctionCall) goja.Value {
			return e.rotate(s, 90)
		},
		"toggleDelete": func(goja.FunctionCall) goja.Value {
			marked, err := s.ToggleDeleteCurrent()
			if err != nil {
				throw(err)
			}
			return vm.ToValue(marked)
		},
		"isDeleted": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(s.IsMarkedDeleted(index(call)))
		},
		"rotation": func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(s.RotationOf(index(call)))
		},
		"commit": func(call goja.FunctionCall) goja.Value {
			if c == nil {
				throw(ErrNoCommitter)
			}
			target := ""
			if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
				target = arg.String()
			}
			info, err := c.Commit(e.ctx, s, target)
			if err != nil {
				throw(err)
			}
			obj := vm.NewObject()
			_ = obj.Set("id", info.ID)
			_ = obj.Set("path", info.Path)
			_ = obj.Set("pages", info.OutputPageCount)
			_ = obj.Set("mode", string(info.Mode))
			_ = obj.Set("digest", info.Digest)
			return obj
		},
	}
	for name, fn := range funcs {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (e *GojaEngine) rotate(s *session.Session, delta int) goja.Value {
	angle, err := s.RotateCurrent(delta)
	if err != nil {
		panic(e.vm.NewGoError(err))
	}
	return e.vm.ToValue(angle)
}

func (e *GojaEngine) stateValue(st session.State) goja.Value {
	obj := e.vm.NewObject()
	_ = obj.Set("path", st.Path)
	_ = obj.Set("totalPages", st.TotalPages)
	_ = obj.Set("cursor", st.Cursor)
	_ = obj.Set("pendingRotations", st.PendingRotations)
	_ = obj.Set("pendingDeletions", st.PendingDeletions)
	return obj
}
