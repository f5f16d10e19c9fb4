package symtab

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"livepatch/internal/artifact"
)

var (
	// ErrWrapperTarget is returned when an install targets a wrapper cell.
	// Installing there would discard the wrapping instead of patching the
	// wrapped body.
	ErrWrapperTarget = errors.New("target is a wrapper; mark the declaration with //patch:wrap")

	// ErrConcurrentInstall is returned when another install replaced the
	// implementation between load and swap.
	ErrConcurrentInstall = errors.New("implementation changed during install")
)

// SignatureError reports a recompiled function whose type does not match
// the cell it should be installed into.
type SignatureError struct {
	Want reflect.Type
	Got  reflect.Type
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature changed: have %s, new %s", e.Want, e.Got)
}

// Impl is one immutable implementation of a cell. Installing replaces the
// whole Impl at once.
type Impl struct {
	Fn          reflect.Value
	Value       any
	Artifact    *artifact.Artifact
	Source      string
	Annotations []string
	Generation  uint64
}

// Cell is an indirection slot holding the current implementation of one
// patchable function. Every call site goes through the cell, so an install
// is observed by all existing holders immediately.
type Cell struct {
	name   string
	owner  string
	module *Module
	typ    reflect.Type
	native bool
	inner  *Cell

	impl atomic.Pointer[Impl]
}

func newCell(m *Module, owner, name string, fn reflect.Value, native bool) *Cell {
	if fn.Kind() != reflect.Func {
		panic(fmt.Sprintf("symtab: %s is %s, not a function", name, fn.Kind()))
	}
	c := &Cell{
		name:   name,
		owner:  owner,
		module: m,
		typ:    fn.Type(),
		native: native,
	}
	c.impl.Store(&Impl{Fn: fn, Value: fn.Interface()})
	return c
}

// Name returns the function name the cell is registered under.
func (c *Cell) Name() string { return c.name }

// Owner returns the owning type name, or "" for module-level functions.
func (c *Cell) Owner() string { return c.owner }

// Module returns the module the cell belongs to.
func (c *Cell) Module() *Module { return c.module }

// Type returns the function type every implementation must have.
func (c *Cell) Type() reflect.Type { return c.typ }

// Native reports whether the cell holds an implementation without Go source.
func (c *Cell) Native() bool { return c.native }

// Unwrap returns the cell this cell wraps, or nil.
func (c *Cell) Unwrap() *Cell { return c.inner }

// Current returns the installed implementation.
func (c *Cell) Current() *Impl { return c.impl.Load() }

// Ref returns the symbol reference of the cell.
func (c *Cell) Ref() Ref {
	return Ref{Module: c.module.Name(), Type: c.owner, Func: c.name}
}

// Install swaps next in as the current implementation. The function type is
// checked before anything changes; on success the previous Impl is returned.
func (c *Cell) Install(next *Impl) (*Impl, error) {
	if c.inner != nil {
		return nil, ErrWrapperTarget
	}
	if next == nil || !next.Fn.IsValid() || next.Fn.Kind() != reflect.Func {
		return nil, errors.New("new implementation is not a function")
	}

	fn := next.Fn
	if fn.Type() != c.typ {
		if !fn.Type().ConvertibleTo(c.typ) {
			return nil, &SignatureError{Want: c.typ, Got: fn.Type()}
		}
		fn = fn.Convert(c.typ)
	}

	prev := c.impl.Load()
	n := &Impl{
		Fn:          fn,
		Value:       fn.Interface(),
		Artifact:    next.Artifact,
		Source:      next.Source,
		Annotations: next.Annotations,
		Generation:  prev.Generation + 1,
	}
	if !c.impl.CompareAndSwap(prev, n) {
		return nil, ErrConcurrentInstall
	}
	return prev, nil
}

// SetBaseline records the artifact of the implementation the process
// started with. It is a no-op once any artifact is known.
func (c *Cell) SetBaseline(a *artifact.Artifact, source string) {
	for {
		cur := c.impl.Load()
		if cur.Artifact != nil || a == nil {
			return
		}
		n := *cur
		n.Artifact = a
		n.Source = source
		if c.impl.CompareAndSwap(cur, &n) {
			return
		}
	}
}

// call invokes the current implementation; used by wrapper trampolines.
func (c *Cell) call(args []reflect.Value) []reflect.Value {
	fn := c.impl.Load().Fn
	if c.typ.IsVariadic() {
		return fn.CallSlice(args)
	}
	return fn.Call(args)
}

// Func is a typed handle on a cell.
type Func[F any] struct {
	cell *Cell
}

// Fn returns the current implementation. Call it at every call site rather
// than caching the result, or the call site will not observe reloads.
func (f Func[F]) Fn() F {
	return f.cell.impl.Load().Value.(F)
}

// Cell returns the untyped cell behind the handle.
func (f Func[F]) Cell() *Cell { return f.cell }

// Late returns a function that looks the implementation up on every call.
// It is safe to store: values taken before a reload observe the new body.
func (f Func[F]) Late() F {
	return reflect.MakeFunc(f.cell.typ, f.cell.call).Interface().(F)
}
