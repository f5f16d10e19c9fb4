// Package reload runs the reload state machine: resolve the symbol, locate
// its current source, unwind wrappers, recompile, compare with what is
// installed and install. Every request ends in exactly one Outcome; no error
// or panic escapes Reload.
package reload

import (
	"errors"
	"fmt"
	"time"

	"livepatch/internal/artifact"
	"livepatch/internal/compiler"
	"livepatch/internal/diff"
	"livepatch/internal/locator"
	"livepatch/internal/logging"
	"livepatch/internal/symtab"
)

// Engine reloads symbols of one registry. It keeps no state between
// requests; callers serialise requests for the same symbol.
type Engine struct {
	registry *symtab.Registry
	compiler *compiler.Compiler
}

// New creates an engine. A nil compiler uses the default options.
func New(registry *symtab.Registry, c *compiler.Compiler) *Engine {
	if c == nil {
		c = compiler.New(compiler.Options{})
	}
	return &Engine{registry: registry, compiler: c}
}

// request carries the per-request state through the stages.
type request struct {
	ref   symtab.Ref
	state State

	resolved *symtab.Resolved
	located  *locator.Located
	target   *symtab.Cell
	compiled *compiler.Compiled
	changes  string
}

func (r *request) enter(s State) {
	r.state = s
	logging.EngineDebug("%s: %s", r.ref, s)
}

func (r *request) fail(kind Kind, format string, args ...interface{}) Outcome {
	o := Outcome{
		Kind:    kind,
		Ref:     r.ref,
		State:   r.state,
		Message: fmt.Sprintf(format, args...),
	}
	r.attach(&o)
	return o
}

// attach copies the located source into o.
func (r *request) attach(o *Outcome) {
	if r.located == nil {
		return
	}
	o.FilePath = r.located.File
	o.Source = r.located.FunctionSource
	o.TypeSource = r.located.TypeSource
	o.TypeStartLine = r.located.TypeStartLine
	o.TypeEndLine = r.located.TypeEndLine
}

// Reload runs one request to completion.
func (e *Engine) Reload(req Request) (out Outcome) {
	r := &request{ref: req.Ref()}
	audit := logging.AuditWithRequest(req.ID)
	audit.ReloadStart(r.ref.String())
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			out = r.fail(UnexpectedError, "Unexpected error during reload: %v", p)
		}
		out.Verbose = req.Verbose
		audit.ReloadFinished(r.ref.String(), out.Kind.String(), out.OK(), out.Generation, time.Since(start), out.Message)
	}()

	if o, ok := e.run(r); !ok {
		return o
	}
	out = Outcome{
		Kind:       Success,
		Ref:        r.ref,
		State:      Done,
		Generation: r.target.Current().Generation,
		Diff:       r.changes,
	}
	r.attach(&out)
	return out
}

// run executes the stages; ok is false when a stage produced a failure
// outcome.
func (e *Engine) run(r *request) (Outcome, bool) {
	stages := []func(*request) (Outcome, bool){
		e.resolve,
		e.locate,
		e.unwind,
		e.recompile,
		e.diff,
		e.install,
	}
	for _, stage := range stages {
		if o, ok := stage(r); !ok {
			return o, false
		}
	}
	r.enter(Done)
	return Outcome{}, true
}

func (e *Engine) resolve(r *request) (Outcome, bool) {
	r.enter(Resolving)
	res, err := e.registry.Resolve(r.ref)
	if err != nil {
		if errors.Is(err, symtab.ErrNotFound) {
			return r.fail(NotFound, "Cannot locate method %s", r.ref.Describe()), false
		}
		return r.fail(UnexpectedError, "Unexpected error during reload: %v", err), false
	}
	if res.Opaque && r.ref.Type == "" {
		return r.fail(UnsupportedOpaqueTarget, "Reload is not supported on native function %s", r.ref.Describe()), false
	}
	if res.File == "" {
		return r.fail(SourceUnavailable, "Cannot read filepath of %s", r.ref.Describe()), false
	}
	r.resolved = res
	return Outcome{}, true
}

func (e *Engine) locate(r *request) (Outcome, bool) {
	r.enter(Locating)
	loc, err := locator.Locate(r.resolved.File, r.ref.Func, r.ref.Type)
	var (
		unreadable *locator.UnreadableError
		syntax     *locator.SyntaxError
	)
	switch {
	case err == nil:
	case errors.As(err, &unreadable):
		o := r.fail(SourceUnavailable, "Cannot read filepath of %s: %v", r.ref.Describe(), unreadable.Err)
		o.FilePath = r.resolved.File
		return o, false
	case errors.As(err, &syntax):
		o := r.fail(SyntaxError, "Syntax error in %s: %v", r.resolved.File, syntax.Err)
		o.FilePath = r.resolved.File
		return o, false
	case errors.Is(err, locator.ErrNotFound):
		o := r.fail(NotFound, "Cannot locate method %s in %s", r.ref.Describe(), r.resolved.File)
		o.FilePath = r.resolved.File
		return o, false
	default:
		return r.fail(UnexpectedError, "Unexpected error during reload: %v", err), false
	}
	r.located = loc
	return Outcome{}, true
}

func (e *Engine) unwind(r *request) (Outcome, bool) {
	r.enter(Unwinding)
	r.target = r.resolved.Cell
	if r.located.HasWrapping {
		r.target = symtab.Unwrap(r.resolved.Cell, r.ref.Func)
		if r.target != r.resolved.Cell {
			logging.EngineDebug("%s: unwrapped to innermost implementation", r.ref)
		}
	}
	e.ensureBaseline(r.resolved.Module, r.target)
	return Outcome{}, true
}

func (e *Engine) recompile(r *request) (Outcome, bool) {
	r.enter(Recompiling)
	compiled, err := e.compiler.Compile(e.unit(r.resolved.Module, r.located, r.ref))
	var (
		syntax  *compiler.SyntaxError
		compile *compiler.CompileError
	)
	switch {
	case err == nil:
	case errors.As(err, &syntax):
		return r.fail(SyntaxError, "Syntax error in new implementation of %s: %v", r.ref.Describe(), syntax.Err), false
	case errors.As(err, &compile):
		return r.fail(CompileError, "Compilation failed for %s: %v", r.ref.Describe(), compile.Err), false
	case errors.Is(err, compiler.ErrMissingMember):
		return r.fail(InstallError, "Failed to install %s: %v", r.ref.Describe(), err), false
	default:
		return r.fail(UnexpectedError, "Unexpected error during reload: %v", err), false
	}
	r.compiled = compiled
	return Outcome{}, true
}

func (e *Engine) diff(r *request) (Outcome, bool) {
	r.enter(Diffing)
	installed := r.target.Current().Artifact
	if compiler.Unchanged(installed, r.compiled.Artifact) {
		return r.fail(Unchanged, "Method source has not changed for %s", r.ref.Describe()), false
	}
	if installed != nil {
		logging.EngineDebug("%s: artifact changed (-installed +new):\n%s", r.ref, artifact.Diff(installed, r.compiled.Artifact))
	}
	return Outcome{}, true
}

func (e *Engine) install(r *request) (Outcome, bool) {
	r.enter(Installing)
	prev, err := r.target.Install(&symtab.Impl{
		Fn:          r.compiled.Fn,
		Artifact:    r.compiled.Artifact,
		Source:      r.located.FunctionSource,
		Annotations: r.located.Annotations,
	})
	if err != nil {
		return r.fail(InstallError, "Failed to install %s: %v", r.ref.Describe(), err), false
	}
	logging.Engine("reloaded %s (generation %d -> %d)", r.ref, prev.Generation, r.target.Current().Generation)
	if prev.Source != "" {
		r.changes = diff.Source("installed", r.located.File, prev.Source, r.located.FunctionSource).Unified()
		logging.EngineDebug("%s: source changes:\n%s", r.ref, r.changes)
	}
	return Outcome{}, true
}

// unit assembles the compiler input from the located source and the
// module's host bindings.
func (e *Engine) unit(m *symtab.Module, loc *locator.Located, ref symtab.Ref) compiler.Unit {
	u := compiler.UnitFromLocated(loc, ref.Func, ref.Type)
	u.ImportPath = m.ImportPath()
	u.Symbols = m.Symbols()
	if ref.Type != "" {
		u.HostType, _ = m.TypeOf(ref.Type)
	}
	return u
}

// ensureBaseline records the artifact of the implementation the process was
// built with, taken from the module's baseline source. Without it the first
// reload of a symbol cannot be recognised as a no-op.
func (e *Engine) ensureBaseline(m *symtab.Module, c *symtab.Cell) {
	if c.Current().Artifact != nil || m.Baseline() == nil {
		return
	}
	ref := c.Ref()
	loc, err := locator.LocateSource(m.File(), m.Baseline(), ref.Func, ref.Type)
	if err != nil {
		logging.EngineDebug("%s: no baseline: %v", ref, err)
		return
	}
	a, err := e.compiler.Artifact(compiler.UnitFromLocated(loc, ref.Func, ref.Type))
	if err != nil {
		logging.EngineDebug("%s: no baseline: %v", ref, err)
		return
	}
	c.SetBaseline(a, loc.FunctionSource)
}

// Check reports whether the source on disk for ref differs from the
// installed implementation. A symbol whose installed artifact is unknown
// reports false.
func (e *Engine) Check(ref symtab.Ref) (bool, error) {
	res, err := e.registry.Resolve(ref)
	if err != nil {
		return false, err
	}
	if res.Opaque || res.File == "" {
		return false, nil
	}
	loc, err := locator.Locate(res.File, ref.Func, ref.Type)
	if err != nil {
		return false, err
	}
	target := res.Cell
	if loc.HasWrapping {
		target = symtab.Unwrap(res.Cell, ref.Func)
	}
	e.ensureBaseline(res.Module, target)

	installed := target.Current().Artifact
	if installed == nil {
		return false, nil
	}
	current, err := e.compiler.Artifact(e.unit(res.Module, loc, ref))
	if err != nil {
		return false, err
	}
	return !compiler.Unchanged(installed, current), nil
}
