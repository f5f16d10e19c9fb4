// Package artifact builds the comparable shape of a compiled function.
//
// An Artifact is what the reload engine compares to decide whether a
// recompiled declaration differs from the one currently installed. It is
// derived from the declaration's syntax tree and its token stream, so layout
// and comments never matter while any change to the body, literals, names or
// signature does.
package artifact

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"go/types"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Artifact is the comparable shape of one function declaration.
type Artifact struct {
	// Instructions is the body's token stream. Comments are dropped, as are
	// semicolons and commas that directly precede a closing bracket.
	Instructions []string
	// Constants lists every literal in the body, in order, as KIND:value.
	Constants []string
	// Names lists selector names (fields, methods, package members) in
	// order of first use.
	Names []string
	// ParamNames holds the receiver name (for methods) followed by the
	// parameter names. Unnamed parameters appear as "_".
	ParamNames  []string
	ArgCount    int
	ResultCount int
	Variadic    bool
	// CellVars are locals captured by function literals in the body.
	CellVars []string
	// FreeVars are identifiers resolved outside the function: package-level
	// names and imported packages.
	FreeVars  []string
	Signature string
}

var equateEmpty = cmpopts.EquateEmpty()

// Equal reports whether two artifacts are equivalent field by field.
// A nil artifact is only equal to another nil artifact.
func Equal(a, b *Artifact) bool {
	return cmp.Equal(a, b, equateEmpty)
}

// Diff returns a human readable description of how b differs from a.
func Diff(a, b *Artifact) string {
	return cmp.Diff(a, b, equateEmpty)
}

// Build computes the artifact of fn. src must be the text fset's file for fn
// was parsed from.
func Build(fset *token.FileSet, fn *ast.FuncDecl, src []byte) *Artifact {
	a := &Artifact{Signature: signature(fn)}

	if fn.Recv != nil {
		for _, f := range fn.Recv.List {
			a.ParamNames = appendFieldNames(a.ParamNames, f)
			a.ArgCount += fieldCount(f)
		}
	}
	for _, f := range fn.Type.Params.List {
		a.ParamNames = appendFieldNames(a.ParamNames, f)
		a.ArgCount += fieldCount(f)
		if _, ok := f.Type.(*ast.Ellipsis); ok {
			a.Variadic = true
		}
	}
	if fn.Type.Results != nil {
		for _, f := range fn.Type.Results.List {
			a.ResultCount += fieldCount(f)
		}
	}

	if fn.Body == nil {
		return a
	}

	a.Instructions = instructions(fset, fn.Body, src)

	locals := declaredNames(fn)
	skip := nonReferences(fn.Body)
	seenName := map[string]bool{}
	seenFree := map[string]bool{}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.BasicLit:
			a.Constants = append(a.Constants, x.Kind.String()+":"+x.Value)
		case *ast.SelectorExpr:
			if !seenName[x.Sel.Name] {
				seenName[x.Sel.Name] = true
				a.Names = append(a.Names, x.Sel.Name)
			}
		case *ast.Ident:
			if skip[x] || locals[x.Name] || x.Name == "_" || seenFree[x.Name] {
				return true
			}
			if types.Universe.Lookup(x.Name) != nil {
				return true
			}
			seenFree[x.Name] = true
			a.FreeVars = append(a.FreeVars, x.Name)
		}
		return true
	})

	a.CellVars = captured(fn.Body, locals, skip)
	return a
}

// FromSource parses a single declaration and returns the artifact of the
// function named name. filename only labels diagnostics.
func FromSource(filename, src, name string) (*Artifact, error) {
	text := "package p\n" + src
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, filename, text, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}
	for _, d := range f.Decls {
		if fd, ok := d.(*ast.FuncDecl); ok && fd.Name.Name == name {
			return Build(fset, fd, []byte(text)), nil
		}
	}
	return nil, fmt.Errorf("function %s not found in source", name)
}

func instructions(fset *token.FileSet, body *ast.BlockStmt, src []byte) []string {
	tf := fset.File(body.Lbrace)
	if tf == nil {
		return nil
	}
	start, end := tf.Offset(body.Lbrace), tf.Offset(body.Rbrace)+1
	if start < 0 || end > len(src) || start >= end {
		return nil
	}
	chunk := src[start:end]

	var s scanner.Scanner
	sf := token.NewFileSet().AddFile("", -1, len(chunk))
	s.Init(sf, chunk, nil, 0)

	// A separator directly before a closing token depends on line breaks
	// (automatic semicolons, trailing commas), so it is held back until the
	// next token shows whether it counts.
	var out, pending []string
	for {
		_, tok, lit := s.Scan()
		switch tok {
		case token.EOF:
			return out
		case token.SEMICOLON, token.COMMA:
			pending = append(pending, tok.String())
			continue
		case token.RBRACE, token.RPAREN, token.RBRACK:
		default:
			out = append(out, pending...)
		}
		pending = pending[:0]
		if tok.IsLiteral() {
			out = append(out, lit)
		} else {
			out = append(out, tok.String())
		}
	}
}

func signature(fn *ast.FuncDecl) string {
	var b strings.Builder
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		b.WriteString("(")
		b.WriteString(types.ExprString(fn.Recv.List[0].Type))
		b.WriteString(") ")
	}
	b.WriteString(types.ExprString(fn.Type))
	return b.String()
}

func fieldCount(f *ast.Field) int {
	if len(f.Names) == 0 {
		return 1
	}
	return len(f.Names)
}

func appendFieldNames(dst []string, f *ast.Field) []string {
	if len(f.Names) == 0 {
		return append(dst, "_")
	}
	for _, n := range f.Names {
		dst = append(dst, n.Name)
	}
	return dst
}

// declaredNames collects every name the function declares anywhere in its
// scope tree. Shadowing is not tracked.
func declaredNames(fn *ast.FuncDecl) map[string]bool {
	names := map[string]bool{}
	addFields := func(fl *ast.FieldList) {
		if fl == nil {
			return
		}
		for _, f := range fl.List {
			for _, n := range f.Names {
				names[n.Name] = true
			}
		}
	}
	addFields(fn.Recv)
	addFields(fn.Type.Params)
	addFields(fn.Type.Results)
	if fn.Body == nil {
		return names
	}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.AssignStmt:
			if x.Tok == token.DEFINE {
				for _, l := range x.Lhs {
					if id, ok := l.(*ast.Ident); ok {
						names[id.Name] = true
					}
				}
			}
		case *ast.RangeStmt:
			if x.Tok == token.DEFINE {
				if id, ok := x.Key.(*ast.Ident); ok {
					names[id.Name] = true
				}
				if id, ok := x.Value.(*ast.Ident); ok {
					names[id.Name] = true
				}
			}
		case *ast.ValueSpec:
			for _, id := range x.Names {
				names[id.Name] = true
			}
		case *ast.TypeSpec:
			names[x.Name.Name] = true
		case *ast.FuncLit:
			addFields(x.Type.Params)
			addFields(x.Type.Results)
		case *ast.TypeSwitchStmt:
			if as, ok := x.Assign.(*ast.AssignStmt); ok {
				for _, l := range as.Lhs {
					if id, ok := l.(*ast.Ident); ok {
						names[id.Name] = true
					}
				}
			}
		}
		return true
	})
	return names
}

// nonReferences marks identifiers that name something other than a value:
// selector members, struct literal keys, labels and field names.
func nonReferences(body *ast.BlockStmt) map[*ast.Ident]bool {
	skip := map[*ast.Ident]bool{}
	ast.Inspect(body, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.SelectorExpr:
			skip[x.Sel] = true
		case *ast.CompositeLit:
			for _, e := range x.Elts {
				if kv, ok := e.(*ast.KeyValueExpr); ok {
					if id, ok := kv.Key.(*ast.Ident); ok {
						skip[id] = true
					}
				}
			}
		case *ast.LabeledStmt:
			skip[x.Label] = true
		case *ast.BranchStmt:
			if x.Label != nil {
				skip[x.Label] = true
			}
		case *ast.Field:
			for _, id := range x.Names {
				skip[id] = true
			}
		}
		return true
	})
	return skip
}

// captured returns the enclosing function's locals that are referenced from
// inside a function literal without being redeclared there.
func captured(body *ast.BlockStmt, locals map[string]bool, skip map[*ast.Ident]bool) []string {
	var out []string
	seen := map[string]bool{}
	ast.Inspect(body, func(n ast.Node) bool {
		lit, ok := n.(*ast.FuncLit)
		if !ok {
			return true
		}
		inner := declaredNames(&ast.FuncDecl{Type: lit.Type, Body: lit.Body})
		ast.Inspect(lit.Body, func(m ast.Node) bool {
			id, ok := m.(*ast.Ident)
			if !ok || skip[id] || seen[id.Name] {
				return true
			}
			if locals[id.Name] && !inner[id.Name] {
				seen[id.Name] = true
				out = append(out, id.Name)
			}
			return true
		})
		return false
	})
	return out
}
