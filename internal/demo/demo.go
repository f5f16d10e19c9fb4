// Package demo is a small host module used by `livepatch demo`. Edit the
// function bodies in this file while the demo runs, then reload them.
package demo

import (
	_ "embed"
	"fmt"
	"reflect"
	"strings"

	"livepatch/internal/symtab"
)

// ModuleName is the name the demo module registers under.
const ModuleName = "demo"

// ImportPath is the Go import path of this package.
const ImportPath = "livepatch/internal/demo"

//go:embed demo.go
var baseline []byte

// Greeter greets one person and counts how often it did.
type Greeter struct {
	Name  string
	Count int
}

func greeting(name string) string {
	return "Hello, " + name + "!"
}

func (g *Greeter) describe() string {
	return fmt.Sprintf("(%s has been greeted %d times)", g.Name, g.Count)
}

//patch:wrap stars
func headline(text string) string {
	return text
}

// Handles gives typed access to the demo's patchable symbols.
type Handles struct {
	Module   *symtab.Module
	Greeting symtab.Func[func(string) string]
	Describe symtab.Func[func(*Greeter) string]
	Headline symtab.Func[func(string) string]
	Upper    symtab.Func[func(string) string]
}

// New builds the demo module without registering it. sourceFile overrides
// the file recorded in the binary; pass "" to keep it.
func New(sourceFile string) *Handles {
	opts := []symtab.ModuleOption{
		symtab.WithBaseline(baseline),
		symtab.WithImportPath(ImportPath),
		symtab.WithSymbols(map[string]reflect.Value{
			"Greeter": reflect.ValueOf((*Greeter)(nil)),
		}),
	}
	if sourceFile != "" {
		opts = append(opts, symtab.WithSourceFile(sourceFile))
	}
	m := symtab.NewModule(ModuleName, opts...)

	h := &Handles{Module: m}
	h.Greeting = symtab.Define(m, "greeting", greeting)
	h.Describe = symtab.DefineMethod(m, "Greeter", "describe", (*Greeter).describe)
	h.Headline = symtab.Wrap(symtab.Define(m, "headline", headline), func(next func(string) string) func(string) string {
		return func(text string) string { return "** " + next(text) + " **" }
	})
	h.Upper = symtab.DefineNative(m, "upper", strings.ToUpper)
	return h
}

// Register builds the demo module and adds it to registry.
func Register(registry *symtab.Registry, sourceFile string) (*Handles, error) {
	h := New(sourceFile)
	if err := registry.Register(h.Module); err != nil {
		return nil, err
	}
	return h, nil
}

// Baseline returns the source the binary was built from.
func Baseline() []byte { return baseline }

// Line produces one round of demo output and counts the greeting.
func (h *Handles) Line(g *Greeter) string {
	g.Count++
	text := h.Headline.Fn()(h.Greeting.Fn()(g.Name))
	return text + " " + h.Describe.Fn()(g)
}

// Shout is Line with the name passed through the native upper function.
func (h *Handles) Shout(g *Greeter) string {
	loud := &Greeter{Name: h.Upper.Fn()(g.Name), Count: g.Count}
	out := h.Line(loud)
	g.Count = loud.Count
	return out
}
