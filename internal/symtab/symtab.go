// Package symtab is the registry of patchable functions in a running process.
//
// Host code registers a Module per source file it wants to patch, and routes
// every patchable function through a Cell:
//
//	var Module = symtab.NewModule("greeter", symtab.WithBaseline(src))
//	var Greet = symtab.Define(Module, "greet", greet)
//
//	func Hello(name string) string { return Greet.Fn()(name) }
//
// The reload engine resolves textual references against the registry and
// installs recompiled implementations into the cells.
package symtab

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a module, type or function is not registered.
var ErrNotFound = errors.New("symbol not found")

// Ref names one patchable unit.
type Ref struct {
	Module string
	Type   string
	Func   string
}

func (r Ref) String() string {
	if r.Type != "" {
		return r.Module + "." + r.Type + "." + r.Func
	}
	return r.Module + "." + r.Func
}

// Describe renders the reference the way messages quote it.
func (r Ref) Describe() string {
	if r.Type == "" {
		return fmt.Sprintf("%s in module %s", r.Func, r.Module)
	}
	return fmt.Sprintf("%s in module %s type %s", r.Func, r.Module, r.Type)
}

// Module is a registered namespace backed by one Go source file.
type Module struct {
	name       string
	file       string
	importPath string
	baseline   []byte
	symbols    map[string]reflect.Value

	// snap is the module file as read when its first symbol was bound.
	snap []byte

	mu      sync.RWMutex
	funcs   map[string]*Cell
	methods map[string]map[string]*Cell
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithSourceFile sets the file the module's functions are declared in. When
// omitted, the file recorded in the binary for the first registered function
// is used.
func WithSourceFile(path string) ModuleOption {
	return func(m *Module) { m.file = path }
}

// WithBaseline sets the source text the running binary was built from,
// usually an embedded copy of the module file. Without it the engine falls
// back to the file as read at registration, which misses edits made between
// build and start.
func WithBaseline(src []byte) ModuleOption {
	return func(m *Module) { m.baseline = src }
}

// WithImportPath sets the Go import path of the host package. Recompiled
// units import it to reach the host's types and package-level symbols.
func WithImportPath(path string) ModuleOption {
	return func(m *Module) { m.importPath = path }
}

// WithSymbols exports host symbols to recompiled units, in the yaegi
// convention: functions and constants by value, variables by pointer and
// types as a typed nil pointer, e.g. reflect.ValueOf((*T)(nil)).
func WithSymbols(symbols map[string]reflect.Value) ModuleOption {
	return func(m *Module) { m.symbols = symbols }
}

// NewModule creates an unregistered module.
func NewModule(name string, opts ...ModuleOption) *Module {
	m := &Module{
		name:    name,
		funcs:   make(map[string]*Cell),
		methods: make(map[string]map[string]*Cell),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) Name() string       { return m.name }
func (m *Module) ImportPath() string { return m.importPath }

// Baseline returns the build-time source text. Without an embedded copy it
// is the module file as it was when the module's symbols were registered,
// or nil when that file could not be read.
func (m *Module) Baseline() []byte {
	if m.baseline != nil {
		return m.baseline
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// snapshot reads the module file once, standing in for an embedded baseline.
func (m *Module) snapshot() {
	if m.baseline != nil {
		return
	}
	m.mu.RLock()
	taken := m.snap != nil
	m.mu.RUnlock()
	if taken {
		return
	}
	file := m.File()
	if file == "" {
		return
	}
	src, err := os.ReadFile(file)
	if err != nil {
		return
	}
	m.mu.Lock()
	if m.snap == nil {
		m.snap = src
	}
	m.mu.Unlock()
}

// Symbols returns the exported host symbols. The map must not be modified.
func (m *Module) Symbols() map[string]reflect.Value { return m.symbols }

// TypeOf returns the host type registered under name in the module symbols.
func (m *Module) TypeOf(name string) (reflect.Type, bool) {
	v, ok := m.symbols[name]
	if !ok || !v.IsValid() || v.Kind() != reflect.Ptr || !v.IsNil() {
		return nil, false
	}
	return v.Type().Elem(), true
}

// File returns the declaring source file, or "" when it cannot be known.
// A detected file is remembered so later installs cannot change it.
func (m *Module) File() string {
	m.mu.RLock()
	file := m.file
	m.mu.RUnlock()
	if file != "" {
		return file
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != "" {
		return m.file
	}
	for _, c := range m.sortedCells() {
		for c.inner != nil {
			c = c.inner
		}
		if c.native {
			continue
		}
		if file := funcFile(c.impl.Load().Fn); file != "" {
			m.file = file
			return file
		}
	}
	return ""
}

func funcFile(fn reflect.Value) string {
	rf := runtime.FuncForPC(fn.Pointer())
	if rf == nil {
		return ""
	}
	file, _ := rf.FileLine(rf.Entry())
	if !strings.HasSuffix(file, ".go") {
		return ""
	}
	return file
}

// Func returns the module-level cell bound to name.
func (m *Module) Func(name string) (*Cell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.funcs[name]
	return c, ok
}

// Method returns the cell bound to typeName.name.
func (m *Module) Method(typeName, name string) (*Cell, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.methods[typeName][name]
	return c, ok
}

// Lookup returns the cell bound to ref, ignoring ref.Module.
func (m *Module) Lookup(ref Ref) (*Cell, bool) {
	if ref.Type != "" {
		return m.Method(ref.Type, ref.Func)
	}
	return m.Func(ref.Func)
}

// HasType reports whether any method of typeName is registered.
func (m *Module) HasType(typeName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.methods[typeName]
	return ok
}

// Refs lists every bound symbol of the module in a stable order.
func (m *Module) Refs() []Ref {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cells := m.sortedCells()
	refs := make([]Ref, 0, len(cells))
	for _, c := range cells {
		refs = append(refs, c.Ref())
	}
	return refs
}

func (m *Module) sortedCells() []*Cell {
	var cells []*Cell
	for _, c := range m.funcs {
		cells = append(cells, c)
	}
	for _, byName := range m.methods {
		for _, c := range byName {
			cells = append(cells, c)
		}
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].owner != cells[j].owner {
			return cells[i].owner < cells[j].owner
		}
		return cells[i].name < cells[j].name
	})
	return cells
}

func (m *Module) bind(c *Cell) {
	m.mu.Lock()
	if c.owner == "" {
		m.funcs[c.name] = c
	} else {
		byName := m.methods[c.owner]
		if byName == nil {
			byName = make(map[string]*Cell)
			m.methods[c.owner] = byName
		}
		byName[c.name] = c
	}
	m.mu.Unlock()
	m.snapshot()
}

// Define registers fn as the module-level function name.
func Define[F any](m *Module, name string, fn F) Func[F] {
	c := newCell(m, "", name, reflect.ValueOf(fn), false)
	m.bind(c)
	return Func[F]{cell: c}
}

// DefineMethod registers a method of typeName. fn is usually a method
// expression such as (*T).name, so its first parameter is the receiver.
func DefineMethod[F any](m *Module, typeName, name string, fn F) Func[F] {
	c := newCell(m, typeName, name, reflect.ValueOf(fn), false)
	if c.typ.NumIn() == 0 {
		panic(fmt.Sprintf("symtab: method %s.%s has no receiver parameter", typeName, name))
	}
	m.bind(c)
	return Func[F]{cell: c}
}

// DefineNative registers a function that has no Go source in the module,
// such as a standard library routine. It can be called through the cell but
// not reloaded.
func DefineNative[F any](m *Module, name string, fn F) Func[F] {
	c := newCell(m, "", name, reflect.ValueOf(fn), true)
	m.bind(c)
	return Func[F]{cell: c}
}

// Wrap binds a wrapper around inner under inner's name. The wrapper keeps a
// back-link to inner and calls whatever inner currently holds, so reloading
// inner changes the wrapped behaviour without rebuilding the wrapper.
func Wrap[F any](inner Func[F], wrap func(next F) F) Func[F] {
	ic := inner.cell
	w := newCell(ic.module, ic.owner, ic.name, reflect.ValueOf(wrap(inner.Late())), true)
	w.inner = ic
	ic.module.bind(w)
	return Func[F]{cell: w}
}

// Registry holds the modules of one process.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// Default is the process-wide registry.
var Default = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Register adds m. Module names are unique per registry.
func (r *Registry) Register(m *Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.name]; exists {
		return fmt.Errorf("module %q already registered", m.name)
	}
	r.modules[m.name] = m
	m.snapshot()
	return nil
}

func (r *Registry) Module(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Modules returns all modules sorted by name.
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mods := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		mods = append(mods, m)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].name < mods[j].name })
	return mods
}
