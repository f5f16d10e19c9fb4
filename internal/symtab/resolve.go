package symtab

import "fmt"

// Resolved is the live target of one reload request.
type Resolved struct {
	Cell   *Cell
	Module *Module
	// Opaque is true when the bound implementation has no inspectable source.
	Opaque bool
	// File is the module's declaring file; empty when unknown.
	File string
}

// Resolve looks ref up. Methods are matched against the cells registered for
// the type itself; methods promoted through embedding are not found.
func (r *Registry) Resolve(ref Ref) (*Resolved, error) {
	m, ok := r.Module(ref.Module)
	if !ok {
		return nil, fmt.Errorf("%w: module %s", ErrNotFound, ref.Module)
	}

	var (
		c     *Cell
		found bool
	)
	if ref.Type != "" {
		if !m.HasType(ref.Type) {
			return nil, fmt.Errorf("%w: type %s in module %s", ErrNotFound, ref.Type, ref.Module)
		}
		c, found = m.Method(ref.Type, ref.Func)
	} else {
		c, found = m.Func(ref.Func)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Describe())
	}

	return &Resolved{
		Cell:   c,
		Module: m,
		Opaque: c.native && c.inner == nil,
		File:   m.File(),
	}, nil
}

// Unwrap follows wrapper back-links from c and returns the cell whose body
// was written for target: the innermost cell named target, or the innermost
// cell when no name matches.
func Unwrap(c *Cell, target string) *Cell {
	var match *Cell
	last := c
	for cur := c; cur != nil; cur = cur.inner {
		if cur.name == target {
			match = cur
		}
		last = cur
	}
	if last.name == target || match == nil {
		return last
	}
	return match
}
