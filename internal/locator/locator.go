// Package locator extracts the exact source of a function declaration from a
// Go file using the syntax tree rather than text search.
package locator

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"strconv"
	"strings"

	"livepatch/internal/logging"
)

// Directive prefixes recognised on declarations.
const (
	DirectivePrefix = "//patch:"
	WrapDirective   = "//patch:wrap"
)

// ErrNotFound is returned when the file has no matching declaration.
var ErrNotFound = errors.New("declaration not found")

// SyntaxError reports a file that does not parse.
type SyntaxError struct {
	File string
	Err  error
}

func (e *SyntaxError) Error() string { return e.Err.Error() }
func (e *SyntaxError) Unwrap() error { return e.Err }

// UnreadableError reports a file that cannot be read.
type UnreadableError struct {
	File string
	Err  error
}

func (e *UnreadableError) Error() string {
	return fmt.Sprintf("cannot read %s: %v", e.File, e.Err)
}
func (e *UnreadableError) Unwrap() error { return e.Err }

// Import is one import declaration of the located file.
type Import struct {
	Name string // explicit name, "" when none
	Path string
}

// Located is the extracted source of one declaration.
type Located struct {
	File        string
	PackageName string
	Imports     []Import

	// FunctionSource spans StartLine..EndLine inclusive, including any
	// //patch: directives attached to the declaration.
	FunctionSource string
	StartLine      int
	EndLine        int
	HasWrapping    bool
	Annotations    []string

	// TypeSource is the owning type's declaration, empty when unscoped.
	TypeSource    string
	TypeStartLine int
	TypeEndLine   int
	// TypeFields lists the owning struct's field names in order; nil when
	// the type is not a struct.
	TypeFields []string
}

// Locate reads path and extracts function, scoped to owningType when it is
// not empty. The file is re-read on every call.
func Locate(path, function, owningType string) (*Located, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &UnreadableError{File: path, Err: err}
	}
	return LocateSource(path, src, function, owningType)
}

// LocateSource is Locate over text that is already in memory.
func LocateSource(filename string, src []byte, function, owningType string) (*Located, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil, &SyntaxError{File: filename, Err: err}
	}
	lines := strings.SplitAfter(string(src), "\n")

	loc := &Located{
		File:        filename,
		PackageName: file.Name.Name,
		Imports:     imports(file),
	}

	var fn *ast.FuncDecl
	if owningType != "" {
		decl, spec := findType(file, owningType)
		if spec == nil {
			return nil, fmt.Errorf("%w: type %s in %s", ErrNotFound, owningType, filename)
		}
		fn = findMethod(file, owningType, function)
		if fn == nil {
			return nil, fmt.Errorf("%w: method %s.%s in %s", ErrNotFound, owningType, function, filename)
		}

		var start, end token.Pos
		if decl.Lparen.IsValid() {
			start, end = spec.Pos(), spec.End()
			if spec.Doc != nil {
				start = spec.Doc.Pos()
			}
		} else {
			start, end = decl.Pos(), decl.End()
		}
		loc.TypeStartLine = fset.Position(start).Line
		loc.TypeEndLine = fset.Position(end).Line
		loc.TypeSource = span(lines, loc.TypeStartLine, loc.TypeEndLine)
		loc.TypeFields = structFields(spec)
	} else {
		fn = findFunc(file, function)
		if fn == nil {
			return nil, fmt.Errorf("%w: function %s in %s", ErrNotFound, function, filename)
		}
	}

	start := fn.Pos()
	if fn.Doc != nil {
		for _, c := range fn.Doc.List {
			if strings.HasPrefix(c.Text, DirectivePrefix) {
				if c.Pos() < start {
					start = c.Pos()
				}
				if strings.HasPrefix(c.Text, WrapDirective) {
					loc.HasWrapping = true
				}
			}
			if isDirective(c.Text) {
				loc.Annotations = append(loc.Annotations, c.Text)
			}
		}
	}
	loc.StartLine = fset.Position(start).Line
	loc.EndLine = fset.Position(fn.End()).Line
	loc.FunctionSource = span(lines, loc.StartLine, loc.EndLine)

	logging.LocatorDebug("located %s in %s lines %d-%d (wrapping=%v)",
		function, filename, loc.StartLine, loc.EndLine, loc.HasWrapping)
	return loc, nil
}

// findType returns the first top-level type spec named name and its
// declaration.
func findType(file *ast.File, name string) (*ast.GenDecl, *ast.TypeSpec) {
	for _, d := range file.Decls {
		gd, ok := d.(*ast.GenDecl)
		if !ok || gd.Tok != token.TYPE {
			continue
		}
		for _, s := range gd.Specs {
			if ts, ok := s.(*ast.TypeSpec); ok && ts.Name.Name == name {
				return gd, ts
			}
		}
	}
	return nil, nil
}

// findMethod returns the first method named name whose receiver base type
// is typeName.
func findMethod(file *ast.File, typeName, name string) *ast.FuncDecl {
	for _, d := range file.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok || fd.Recv == nil || len(fd.Recv.List) == 0 || fd.Name.Name != name {
			continue
		}
		if ReceiverBase(fd.Recv.List[0].Type) == typeName {
			return fd
		}
	}
	return nil
}

// findFunc returns the first top-level function (not method) named name.
func findFunc(file *ast.File, name string) *ast.FuncDecl {
	for _, d := range file.Decls {
		if fd, ok := d.(*ast.FuncDecl); ok && fd.Recv == nil && fd.Name.Name == name {
			return fd
		}
	}
	return nil
}

// ReceiverBase returns the type name of a receiver expression such as
// *T, T or T[K].
func ReceiverBase(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return ReceiverBase(t.X)
	case *ast.ParenExpr:
		return ReceiverBase(t.X)
	case *ast.IndexExpr:
		return ReceiverBase(t.X)
	case *ast.IndexListExpr:
		return ReceiverBase(t.X)
	case *ast.SelectorExpr:
		return t.Sel.Name
	case *ast.Ident:
		return t.Name
	}
	return ""
}

func structFields(spec *ast.TypeSpec) []string {
	st, ok := spec.Type.(*ast.StructType)
	if !ok {
		return nil
	}
	fields := []string{}
	for _, f := range st.Fields.List {
		if len(f.Names) == 0 {
			fields = append(fields, ReceiverBase(f.Type))
			continue
		}
		for _, n := range f.Names {
			fields = append(fields, n.Name)
		}
	}
	return fields
}

func imports(file *ast.File) []Import {
	var out []Import
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		imp := Import{Path: path}
		if spec.Name != nil {
			imp.Name = spec.Name.Name
		}
		out = append(out, imp)
	}
	return out
}

func isDirective(text string) bool {
	return strings.HasPrefix(text, DirectivePrefix) || strings.HasPrefix(text, "//go:")
}

// span joins lines[start-1:end]; line numbers are 1-based and inclusive.
func span(lines []string, start, end int) string {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "")
}
