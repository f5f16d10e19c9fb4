// Package compiler turns an extracted declaration back into a callable
// function value.
//
// Go has no runtime compiler, so the declaration is rendered into a small
// standalone unit and evaluated with the yaegi interpreter. The unit imports
// only what the declaration uses, plus the host package (dot-imported, via
// the module's yaegi export table) when the body or signature reaches for
// host symbols. Methods are rewritten into plain functions taking the
// receiver as their first parameter so the result fits the method cell.
package compiler

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"golang.org/x/tools/go/ast/astutil"

	"livepatch/internal/artifact"
	"livepatch/internal/locator"
	"livepatch/internal/logging"
)

// EntryName is the exported function every rendered unit ends with. It
// forwards to the recompiled declaration.
const EntryName = "LivepatchEntry"

// DefaultDeniedImports are never made available to recompiled code.
var DefaultDeniedImports = []string{"os/exec", "plugin", "syscall", "unsafe"}

// ErrMissingMember is returned when the evaluated unit does not define the
// function it was built for.
var ErrMissingMember = errors.New("recompiled unit is missing the expected member")

// SyntaxError reports a declaration that does not parse.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string { return e.Err.Error() }
func (e *SyntaxError) Unwrap() error { return e.Err }

// CompileError reports a declaration that parses but cannot be turned into
// a function value.
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string { return e.Err.Error() }
func (e *CompileError) Unwrap() error { return e.Err }

func compileErrorf(format string, args ...interface{}) error {
	return &CompileError{Err: fmt.Errorf(format, args...)}
}

// Unit is everything needed to recompile one declaration.
type Unit struct {
	File        string
	PackageName string
	Imports     []locator.Import

	Function  string
	Source    string
	StartLine int

	// TypeName is set for methods. TypeFields are the owning struct's
	// field names as declared in the file now.
	TypeName   string
	TypeFields []string

	// ImportPath and Symbols expose the host package to the unit.
	ImportPath string
	Symbols    map[string]reflect.Value
	// HostType is the running owning type; required for methods.
	HostType reflect.Type
}

// UnitFromLocated builds the file-derived part of a unit.
func UnitFromLocated(loc *locator.Located, function, typeName string) Unit {
	return Unit{
		File:        loc.File,
		PackageName: loc.PackageName,
		Imports:     loc.Imports,
		Function:    function,
		Source:      loc.FunctionSource,
		StartLine:   loc.StartLine,
		TypeName:    typeName,
		TypeFields:  loc.TypeFields,
	}
}

// Compiled is the result of a successful compile.
type Compiled struct {
	Fn       reflect.Value
	Artifact *artifact.Artifact
	// Unit is the rendered Go text that was evaluated.
	Unit string
}

// Options configures a Compiler.
type Options struct {
	DeniedImports []string
}

// Compiler evaluates units. It holds no per-request state and is safe for
// concurrent use.
type Compiler struct {
	denied map[string]bool
}

// New creates a Compiler. A nil DeniedImports uses DefaultDeniedImports.
func New(opts Options) *Compiler {
	denied := opts.DeniedImports
	if denied == nil {
		denied = DefaultDeniedImports
	}
	c := &Compiler{denied: make(map[string]bool, len(denied))}
	for _, path := range denied {
		c.denied[path] = true
	}
	return c
}

// Unchanged reports whether a recompiled artifact is equivalent to the
// installed one.
func Unchanged(installed, recompiled *artifact.Artifact) bool {
	return artifact.Equal(installed, recompiled)
}

// Artifact parses the unit's declaration and returns its artifact without
// evaluating anything.
func (c *Compiler) Artifact(u Unit) (*artifact.Artifact, error) {
	fset, fd, text, err := u.parse()
	if err != nil {
		return nil, err
	}
	return artifact.Build(fset, fd, text), nil
}

// Compile parses, rewrites and evaluates the unit.
func (c *Compiler) Compile(u Unit) (compiled *Compiled, err error) {
	defer func() {
		if r := recover(); r != nil {
			compiled, err = nil, compileErrorf("interpreter panic: %v", r)
		}
	}()

	fset, fd, text, err := u.parse()
	if err != nil {
		return nil, err
	}
	art := artifact.Build(fset, fd, text)

	if fd.Type.TypeParams != nil && len(fd.Type.TypeParams.List) > 0 {
		return nil, compileErrorf("generic function %s cannot be reloaded", u.Function)
	}
	if u.TypeName != "" {
		if err := checkLayout(u); err != nil {
			return nil, err
		}
		if err := rewriteReceiver(fd, u.TypeName); err != nil {
			return nil, err
		}
	}

	exports := hostExports(u.Symbols, fd.Name.Name, EntryName)
	src, err := c.render(u, fset, fd, exports)
	if err != nil {
		return nil, err
	}
	logging.CompilerDebug("rendered unit for %s:\n%s", u.Function, src)

	fn, err := eval(u, src, exports)
	if err != nil {
		return nil, err
	}
	logging.CompilerDebug("compiled %s as %s", u.Function, fn.Type())
	return &Compiled{Fn: fn, Artifact: art, Unit: src}, nil
}

// parse parses the declaration standalone. A //line directive keeps
// diagnostics pointing at the real file and line.
func (u Unit) parse() (*token.FileSet, *ast.FuncDecl, []byte, error) {
	pkg := u.PackageName
	if pkg == "" {
		pkg = "main"
	}
	name := u.File
	if name == "" {
		name = "unit.go"
	}
	start := u.StartLine
	if start < 1 {
		start = 1
	}
	text := []byte(fmt.Sprintf("package %s\n//line %s:%d\n%s", pkg, name, start, u.Source))

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, name, text, parser.SkipObjectResolution)
	if err != nil {
		return nil, nil, nil, &SyntaxError{Err: err}
	}

	for _, d := range file.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok || fd.Name.Name != u.Function {
			continue
		}
		isMethod := fd.Recv != nil && len(fd.Recv.List) > 0
		if u.TypeName == "" && !isMethod {
			return fset, fd, text, nil
		}
		if u.TypeName != "" && isMethod && locator.ReceiverBase(fd.Recv.List[0].Type) == u.TypeName {
			return fset, fd, text, nil
		}
	}
	return nil, nil, nil, fmt.Errorf("%w: %s", ErrMissingMember, u.Function)
}

// checkLayout refuses methods whose owning struct no longer matches the
// running type: the process keeps the layout it was built with.
func checkLayout(u Unit) error {
	if u.HostType == nil {
		return compileErrorf("type %s is not exported to recompiled code; register it with symtab.WithSymbols", u.TypeName)
	}
	if u.TypeFields == nil || u.HostType.Kind() != reflect.Struct {
		return nil
	}
	running := make([]string, u.HostType.NumField())
	for i := range running {
		running[i] = u.HostType.Field(i).Name
	}
	if strings.Join(running, ",") != strings.Join(u.TypeFields, ",") {
		return compileErrorf("type %s changed layout: source declares fields %v, running type has %v",
			u.TypeName, u.TypeFields, running)
	}
	return nil
}

// rewriteReceiver turns a method declaration into a function whose first
// parameter is the receiver. The function is renamed so it cannot shadow a
// module-level function of the same name.
func rewriteReceiver(fd *ast.FuncDecl, typeName string) error {
	recv := fd.Recv.List[0]
	if isGenericReceiver(recv.Type) {
		return compileErrorf("method %s of generic type %s cannot be reloaded", fd.Name.Name, typeName)
	}

	self := &ast.Field{Names: recv.Names, Type: recv.Type}
	if len(self.Names) == 0 {
		self.Names = []*ast.Ident{ast.NewIdent("_")}
	}
	for _, p := range fd.Type.Params.List {
		if len(p.Names) == 0 {
			p.Names = []*ast.Ident{ast.NewIdent("_")}
		}
	}
	fd.Type.Params.List = append([]*ast.Field{self}, fd.Type.Params.List...)
	fd.Recv = nil
	fd.Name = ast.NewIdent("livepatch_" + typeName + "_" + fd.Name.Name)
	return nil
}

func isGenericReceiver(expr ast.Expr) bool {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return isGenericReceiver(t.X)
	case *ast.ParenExpr:
		return isGenericReceiver(t.X)
	case *ast.IndexExpr, *ast.IndexListExpr:
		return true
	}
	return false
}

// hostExports copies symbols without the names the unit itself declares.
func hostExports(symbols map[string]reflect.Value, declared ...string) map[string]reflect.Value {
	if len(symbols) == 0 {
		return nil
	}
	out := make(map[string]reflect.Value, len(symbols))
	for name, v := range symbols {
		out[name] = v
	}
	for _, name := range declared {
		delete(out, name)
	}
	return out
}

// usesHost reports whether fd refers to any host symbol by bare name.
func usesHost(fd *ast.FuncDecl, exports map[string]reflect.Value) bool {
	if len(exports) == 0 {
		return false
	}
	members := map[*ast.Ident]bool{}
	used := false
	ast.Inspect(fd, func(n ast.Node) bool {
		if used {
			return false
		}
		switch x := n.(type) {
		case *ast.SelectorExpr:
			members[x.Sel] = true
		case *ast.Ident:
			if _, ok := exports[x.Name]; ok && !members[x] && x != fd.Name {
				used = true
			}
		}
		return true
	})
	return used
}

// render produces the unit text: the used imports, the declaration and the
// entry function.
func (c *Compiler) render(u Unit, fset *token.FileSet, fd *ast.FuncDecl, exports map[string]reflect.Value) (string, error) {
	// astutil.UsesImport requires a file scope even though it matches
	// selectors by name.
	f := &ast.File{Name: ast.NewIdent("main"), Decls: []ast.Decl{fd}, Scope: ast.NewScope(nil)}
	for _, imp := range u.Imports {
		if imp.Name == "_" {
			continue
		}
		astutil.AddNamedImport(fset, f, imp.Name, imp.Path)
	}
	for _, imp := range u.Imports {
		if imp.Name != "_" && !astutil.UsesImport(f, imp.Path) {
			astutil.DeleteNamedImport(fset, f, imp.Name, imp.Path)
		}
	}

	var denied []string
	for _, spec := range f.Imports {
		path := strings.Trim(spec.Path.Value, `"`)
		if c.denied[path] {
			denied = append(denied, path)
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return "", compileErrorf("imports not allowed in recompiled code: %s", strings.Join(denied, ", "))
	}

	if u.TypeName != "" || usesHost(fd, exports) {
		if u.ImportPath == "" {
			return "", compileErrorf("module has no import path; register it with symtab.WithImportPath")
		}
		astutil.AddNamedImport(fset, f, ".", u.ImportPath)
	}

	var header bytes.Buffer
	importDecls := f.Decls[:0:0]
	for _, d := range f.Decls {
		if gd, ok := d.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			importDecls = append(importDecls, d)
		}
	}
	f.Decls = importDecls
	if err := format.Node(&header, fset, f); err != nil {
		return "", compileErrorf("render imports: %v", err)
	}
	var decl bytes.Buffer
	if err := format.Node(&decl, fset, fd); err != nil {
		return "", compileErrorf("render %s: %v", u.Function, err)
	}
	entry, err := entrySource(fset, fd)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Write(header.Bytes())
	fmt.Fprintf(&b, "\n//line %s:%d\n", fset.Position(fd.Pos()).Filename, fset.Position(fd.Pos()).Line)
	b.Write(decl.Bytes())
	b.WriteString("\n\n//line livepatch_entry.go:1\n")
	b.WriteString(entry)
	return b.String(), nil
}

// entrySource renders an exported function with fd's signature that
// forwards to fd.
func entrySource(fset *token.FileSet, fd *ast.FuncDecl) (string, error) {
	var params, args, results []string
	for _, field := range fd.Type.Params.List {
		typ, err := exprString(fset, field.Type)
		if err != nil {
			return "", err
		}
		for n := 0; n < max(1, len(field.Names)); n++ {
			p := fmt.Sprintf("p%d", len(args))
			params = append(params, p+" "+typ)
			args = append(args, p)
		}
		if _, ok := field.Type.(*ast.Ellipsis); ok {
			args[len(args)-1] += "..."
		}
	}
	if fd.Type.Results != nil {
		for _, field := range fd.Type.Results.List {
			typ, err := exprString(fset, field.Type)
			if err != nil {
				return "", err
			}
			for n := 0; n < max(1, len(field.Names)); n++ {
				results = append(results, typ)
			}
		}
	}

	call := fd.Name.Name + "(" + strings.Join(args, ", ") + ")"
	var sig string
	switch len(results) {
	case 0:
	case 1:
		sig = " " + results[0]
		call = "return " + call
	default:
		sig = " (" + strings.Join(results, ", ") + ")"
		call = "return " + call
	}
	return fmt.Sprintf("func %s(%s)%s {\n\t%s\n}\n", EntryName, strings.Join(params, ", "), sig, call), nil
}

func exprString(fset *token.FileSet, expr ast.Expr) (string, error) {
	var buf bytes.Buffer
	if err := format.Node(&buf, fset, expr); err != nil {
		return "", compileErrorf("render type: %v", err)
	}
	return buf.String(), nil
}

// eval runs the unit through a fresh interpreter and returns the entry
// function value.
func eval(u Unit, src string, exports map[string]reflect.Value) (reflect.Value, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if u.ImportPath != "" && len(exports) > 0 {
		pkg := u.PackageName
		if pkg == "" {
			pkg = u.ImportPath[strings.LastIndex(u.ImportPath, "/")+1:]
		}
		if err := i.Use(interp.Exports{u.ImportPath + "/" + pkg: exports}); err != nil {
			return reflect.Value{}, fmt.Errorf("failed to load host symbols: %w", err)
		}
	}

	if _, err := i.Eval(src); err != nil {
		return reflect.Value{}, &CompileError{Err: err}
	}
	v, err := i.Eval("main." + EntryName)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %s: %v", ErrMissingMember, u.Function, err)
	}
	if !v.IsValid() || v.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%w: %s is not a function", ErrMissingMember, u.Function)
	}
	return v, nil
}
