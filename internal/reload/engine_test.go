package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"livepatch/internal/logging"
	"livepatch/internal/symtab"
)

const fixtureSource = `package fixture

import (
	"fmt"
	"strings"
)

func f() string {
	return "old"
}

type T struct {
	Label string
}

func (t *T) g() string {
	return "a"
}

//patch:wrap brackets
func wrapped() string {
	return "inner"
}

func shout(s string) string {
	return strings.ToUpper(s)
}

func describe(n int) string {
	return fmt.Sprintf("n=%d", n)
}
`

type T struct {
	Label string
}

func (t *T) g() string { return "a" }

type fixture struct {
	path     string
	engine   *Engine
	module   *symtab.Module
	f        symtab.Func[func() string]
	g        symtab.Func[func(*T) string]
	wrapped  symtab.Func[func() string]
	shout    symtab.Func[func(string) string]
	describe symtab.Func[func(int) string]
}

func newFixture(t *testing.T, withBaseline bool) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.go")
	require.NoError(t, os.WriteFile(path, []byte(fixtureSource), 0644))

	opts := []symtab.ModuleOption{
		symtab.WithSourceFile(path),
		symtab.WithImportPath("example.com/fixture"),
		symtab.WithSymbols(map[string]reflect.Value{
			"T": reflect.ValueOf((*T)(nil)),
		}),
	}
	if withBaseline {
		opts = append(opts, symtab.WithBaseline([]byte(fixtureSource)))
	}
	m := symtab.NewModule("m", opts...)
	reg := symtab.NewRegistry()
	require.NoError(t, reg.Register(m))

	fx := &fixture{path: path, engine: New(reg, nil), module: m}
	fx.f = symtab.Define(m, "f", func() string { return "old" })
	fx.g = symtab.DefineMethod(m, "T", "g", (*T).g)
	inner := symtab.Define(m, "wrapped", func() string { return "inner" })
	fx.wrapped = symtab.Wrap(inner, func(next func() string) func() string {
		return func() string { return "[" + next() + "]" }
	})
	fx.shout = symtab.Define(m, "shout", strings.ToUpper)
	fx.describe = symtab.Define(m, "describe", func(n int) string { return "n=" + strconv.Itoa(n) })
	symtab.DefineNative(m, "upper", strings.ToUpper)
	return fx
}

func (fx *fixture) edit(t *testing.T, old, new string) {
	t.Helper()
	src, err := os.ReadFile(fx.path)
	require.NoError(t, err)
	require.Contains(t, string(src), old)
	require.NoError(t, os.WriteFile(fx.path, []byte(strings.Replace(string(src), old, new, 1)), 0644))
}

func (fx *fixture) reload(typ, fn string) Outcome {
	return fx.engine.Reload(Request{Module: "m", Type: typ, Func: fn})
}

func TestReload_ChangedFunctionInstalls(t *testing.T) {
	fx := newFixture(t, true)
	held := fx.f.Late()
	fx.edit(t, `return "old"`, `return "new"`)

	out := fx.reload("", "f")
	require.Equal(t, Success, out.Kind, out.Message)
	assert.Equal(t, Done, out.State)
	assert.Equal(t, fx.path, out.FilePath)
	assert.Contains(t, out.Source, `return "new"`)
	assert.Equal(t, uint64(1), out.Generation)

	assert.Equal(t, "new", fx.f.Fn()())
	assert.Equal(t, "new", held())

	text := Render(out, DefaultRenderOptions())
	assert.Contains(t, text, SuccessBanner)
	assert.Contains(t, text, FilePathLabel+": "+fx.path)
	assert.NotContains(t, text, ChangesLabel)

	assert.Contains(t, out.Diff, "-\treturn \"old\"\n+\treturn \"new\"\n")
	opts := DefaultRenderOptions()
	opts.ShowDiff = true
	assert.Contains(t, Render(out, opts), ChangesLabel+":\n--- installed\n+++ "+fx.path+"\n")
}

func TestReload_UnchangedMethod(t *testing.T) {
	fx := newFixture(t, true)

	out := fx.reload("T", "g")
	assert.Equal(t, Unchanged, out.Kind, out.Message)
	assert.Contains(t, out.Message, "Method source has not changed")
	assert.Equal(t, "a", fx.g.Fn()(&T{}))
	assert.Equal(t, uint64(0), fx.g.Cell().Current().Generation)
}

func TestReload_ChangedMethodUsesHostType(t *testing.T) {
	fx := newFixture(t, true)
	fx.edit(t, `return "a"`, `return "label:" + t.Label`)

	out := fx.reload("T", "g")
	require.Equal(t, Success, out.Kind, out.Message)
	assert.Equal(t, "label:x", fx.g.Fn()(&T{Label: "x"}))

	assert.Equal(t, "type T struct {\n\tLabel string\n}\n", out.TypeSource)
	assert.Equal(t, 12, out.TypeStartLine)
	assert.Equal(t, 14, out.TypeEndLine)
	assert.NotContains(t, Render(out, DefaultRenderOptions()), TypeSourceLabel)

	out.Verbose = true
	assert.Contains(t, Render(out, DefaultRenderOptions()), TypeSourceLabel+" (lines 12-14):\ntype T struct {\n")
}

func TestReload_WhitespaceOnlyEditIsUnchanged(t *testing.T) {
	fx := newFixture(t, true)
	fx.edit(t, "func f() string {\n\treturn \"old\"\n}", "// f is documented now.\nfunc f() string {\n\n\treturn \"old\" // still old\n}")

	out := fx.reload("", "f")
	assert.Equal(t, Unchanged, out.Kind, out.Message)
}

func TestReload_Idempotent(t *testing.T) {
	fx := newFixture(t, true)
	fx.edit(t, `strings.ToUpper(s)`, `strings.ToUpper(s) + "!"`)

	first := fx.reload("", "shout")
	require.Equal(t, Success, first.Kind, first.Message)
	assert.Equal(t, "HI!", fx.shout.Fn()("hi"))

	for i := 0; i < 2; i++ {
		again := fx.reload("", "shout")
		assert.Equal(t, Unchanged, again.Kind, again.Message)
	}
	assert.Equal(t, uint64(1), fx.shout.Cell().Current().Generation)
}

func TestReload_WithoutBaselineUsesRegisteredSource(t *testing.T) {
	fx := newFixture(t, false)

	first := fx.reload("", "describe")
	assert.Equal(t, Unchanged, first.Kind, first.Message)
	assert.Equal(t, uint64(0), fx.describe.Cell().Current().Generation)

	fx.edit(t, `"n=%d"`, `"n is %d"`)
	changed, err := fx.engine.Check(symtab.Ref{Module: "m", Func: "describe"})
	require.NoError(t, err)
	assert.True(t, changed)

	second := fx.reload("", "describe")
	require.Equal(t, Success, second.Kind, second.Message)
	assert.Equal(t, "n is 7", fx.describe.Fn()(7))
	assert.Contains(t, second.Diff, "-\treturn fmt.Sprintf(\"n=%d\", n)\n+\treturn fmt.Sprintf(\"n is %d\", n)\n")
}

func TestReload_UnwrapsToInnermost(t *testing.T) {
	fx := newFixture(t, true)
	fx.edit(t, `return "inner"`, `return "patched"`)

	out := fx.reload("", "wrapped")
	require.Equal(t, Success, out.Kind, out.Message)
	assert.True(t, strings.HasPrefix(out.Source, "//patch:wrap brackets\n"))

	assert.Equal(t, "[patched]", fx.wrapped.Fn()())
	bound, ok := fx.module.Func("wrapped")
	require.True(t, ok)
	assert.Same(t, fx.wrapped.Cell(), bound)
	assert.Equal(t, []string{"//patch:wrap brackets"}, bound.Unwrap().Current().Annotations)
}

func TestReload_WrapperWithoutMarkerIsRefused(t *testing.T) {
	fx := newFixture(t, true)
	fx.edit(t, "//patch:wrap brackets\nfunc wrapped() string {\n\treturn \"inner\"", "func wrapped() string {\n\treturn \"patched\"")

	out := fx.reload("", "wrapped")
	assert.Equal(t, InstallError, out.Kind)
	assert.Contains(t, out.Message, "wrapper")
	assert.Equal(t, "[inner]", fx.wrapped.Fn()())
}

func TestReload_Failures(t *testing.T) {
	tests := []struct {
		name    string
		edit    [2]string
		typ, fn string
		want    Kind
		state   State
		message string
	}{
		{name: "missing function", fn: "missing", want: NotFound, state: Resolving, message: "missing"},
		{name: "missing type", typ: "Nope", fn: "g", want: NotFound, state: Resolving, message: "Cannot locate method"},
		{name: "native function", fn: "upper", want: UnsupportedOpaqueTarget, state: Resolving, message: "not supported"},
		{
			name:    "file does not parse",
			edit:    [2]string{`return "old"`, `return "old" +`},
			fn:      "f",
			want:    SyntaxError,
			state:   Locating,
			message: "expected",
		},
		{
			name:    "declaration removed from file",
			edit:    [2]string{"func shout(", "func yell("},
			fn:      "shout",
			want:    NotFound,
			state:   Locating,
			message: "shout",
		},
		{
			name:    "undefined identifier",
			edit:    [2]string{`return "old"`, `return undefinedThing`},
			fn:      "f",
			want:    CompileError,
			state:   Recompiling,
			message: "Compilation failed",
		},
		{
			name:    "signature change",
			edit:    [2]string{"func f() string {\n\treturn \"old\"", "func f() int {\n\treturn 1"},
			fn:      "f",
			want:    InstallError,
			state:   Installing,
			message: "signature changed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, true)
			if tt.edit[0] != "" {
				fx.edit(t, tt.edit[0], tt.edit[1])
			}

			out := fx.reload(tt.typ, tt.fn)
			assert.Equal(t, tt.want, out.Kind, out.Message)
			assert.Equal(t, tt.state, out.State)
			assert.Contains(t, out.Message, tt.message)
			assert.Equal(t, "old", fx.f.Fn()())

			text := Render(out, DefaultRenderOptions())
			assert.True(t, strings.HasPrefix(text, ErrorLabel+": "), text)
		})
	}
}

func TestReload_SourceUnavailable(t *testing.T) {
	t.Run("no backing file", func(t *testing.T) {
		reg := symtab.NewRegistry()
		m := symtab.NewModule("synthetic")
		dyn := reflect.MakeFunc(reflect.TypeOf(func() string { return "" }), func([]reflect.Value) []reflect.Value {
			return []reflect.Value{reflect.ValueOf("dyn")}
		}).Interface().(func() string)
		symtab.Define(m, "dyn", dyn)
		require.NoError(t, reg.Register(m))

		out := New(reg, nil).Reload(Request{Module: "synthetic", Func: "dyn"})
		assert.Equal(t, SourceUnavailable, out.Kind)
		assert.Contains(t, out.Message, "Cannot read filepath of")
	})

	t.Run("file deleted", func(t *testing.T) {
		fx := newFixture(t, true)
		require.NoError(t, os.Remove(fx.path))

		out := fx.reload("", "f")
		assert.Equal(t, SourceUnavailable, out.Kind)
		assert.Equal(t, fx.path, out.FilePath)
	})
}

func TestReload_PanicBecomesUnexpectedError(t *testing.T) {
	e := New(nil, nil)
	out := e.Reload(Request{Module: "m", Func: "f", Verbose: true})
	assert.Equal(t, UnexpectedError, out.Kind)
	assert.Contains(t, out.Message, "Unexpected error during reload")
	assert.True(t, out.Verbose)
}

func TestReload_AuditTrail(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logging.Initialize(zap.New(core), nil)
	t.Cleanup(func() { logging.Initialize(nil, nil) })

	fx := newFixture(t, true)
	fx.edit(t, `return "old"`, `return "new"`)
	require.Equal(t, Success, fx.engine.Reload(Request{ID: "req-1", Module: "m", Func: "f"}).Kind)
	require.Equal(t, Unchanged, fx.engine.Reload(Request{Module: "m", Func: "f"}).Kind)

	entries := logs.FilterLoggerName(string(logging.CategoryAudit)).All()
	require.Len(t, entries, 4)
	var events []string
	for _, e := range entries {
		events = append(events, e.ContextMap()["event"].(string))
		assert.Equal(t, "m.f", e.ContextMap()["target"])
	}
	assert.Equal(t, []string{"reload_start", "reload_complete", "reload_start", "reload_skipped"}, events)
	assert.Equal(t, "req-1", entries[0].ContextMap()["req"])
	assert.Equal(t, "req-1", entries[1].ContextMap()["req"])
	assert.NotContains(t, entries[2].ContextMap(), "req")
}

func TestCheck(t *testing.T) {
	fx := newFixture(t, true)
	ref := symtab.Ref{Module: "m", Func: "f"}

	changed, err := fx.engine.Check(ref)
	require.NoError(t, err)
	assert.False(t, changed)

	fx.edit(t, `return "old"`, `return "newer"`)
	changed, err = fx.engine.Check(ref)
	require.NoError(t, err)
	assert.True(t, changed)

	require.Equal(t, Success, fx.reload("", "f").Kind)
	changed, err = fx.engine.Check(ref)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = fx.engine.Check(symtab.Ref{Module: "m", Func: "upper"})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "unexpected_error", UnexpectedError.String())
	assert.Equal(t, "unknown", Kind(99).String())
	assert.Equal(t, "installing", Installing.String())
}
