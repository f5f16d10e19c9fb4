package symtab

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livepatch/internal/artifact"
)

type counter struct{ N int }

func (c *counter) label() string { return "a" }

func newTestModule(t *testing.T) (*Registry, *Module) {
	t.Helper()
	reg := NewRegistry()
	m := NewModule("m", WithSourceFile("/src/m.go"))
	require.NoError(t, reg.Register(m))
	return reg, m
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg, _ := newTestModule(t)
	err := reg.Register(NewModule("m"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestResolve(t *testing.T) {
	reg, m := newTestModule(t)
	Define(m, "f", func() string { return "old" })
	DefineMethod(m, "counter", "label", (*counter).label)
	DefineNative(m, "upper", strings.ToUpper)

	t.Run("module function", func(t *testing.T) {
		res, err := reg.Resolve(Ref{Module: "m", Func: "f"})
		require.NoError(t, err)
		assert.Equal(t, "f", res.Cell.Name())
		assert.False(t, res.Opaque)
		assert.Equal(t, "/src/m.go", res.File)
	})

	t.Run("method", func(t *testing.T) {
		res, err := reg.Resolve(Ref{Module: "m", Type: "counter", Func: "label"})
		require.NoError(t, err)
		assert.Equal(t, "counter", res.Cell.Owner())
	})

	t.Run("native is opaque", func(t *testing.T) {
		res, err := reg.Resolve(Ref{Module: "m", Func: "upper"})
		require.NoError(t, err)
		assert.True(t, res.Opaque)
	})

	notFound := []Ref{
		{Module: "nope", Func: "f"},
		{Module: "m", Func: "missing"},
		{Module: "m", Type: "Other", Func: "label"},
		{Module: "m", Type: "counter", Func: "missing"},
		{Module: "m", Type: "counter", Func: "f"},
	}
	for _, ref := range notFound {
		t.Run("not found "+ref.String(), func(t *testing.T) {
			_, err := reg.Resolve(ref)
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
		})
	}
}

func TestModuleFile_FallsBackToBinary(t *testing.T) {
	m := NewModule("detect")
	DefineNative(m, "upper", strings.ToUpper)
	Define(m, "f", func() int { return 1 })

	file := m.File()
	assert.True(t, strings.HasSuffix(file, "symtab_test.go"), file)
}

func TestModuleFile_UnknownWithoutCells(t *testing.T) {
	assert.Equal(t, "", NewModule("empty").File())
}

func TestModuleBaseline_SnapshotAtRegistration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.go")
	require.NoError(t, os.WriteFile(path, []byte("package m\n\nfunc f() int { return 1 }\n"), 0644))

	m := NewModule("m", WithSourceFile(path))
	assert.Nil(t, m.Baseline())
	Define(m, "f", func() int { return 1 })
	require.NoError(t, NewRegistry().Register(m))

	require.NoError(t, os.WriteFile(path, []byte("package m\n\nfunc f() int { return 2 }\n"), 0644))
	assert.Equal(t, "package m\n\nfunc f() int { return 1 }\n", string(m.Baseline()))
}

func TestModuleBaseline_EmbeddedWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.go")
	require.NoError(t, os.WriteFile(path, []byte("package m // on disk\n"), 0644))

	m := NewModule("m", WithSourceFile(path), WithBaseline([]byte("package m // embedded\n")))
	Define(m, "f", func() int { return 1 })
	assert.Equal(t, "package m // embedded\n", string(m.Baseline()))
}

func TestModuleBaseline_UnreadableFile(t *testing.T) {
	_, m := newTestModule(t)
	Define(m, "f", func() int { return 1 })
	assert.Nil(t, m.Baseline())
}

func TestInstall_VisibleToExistingHolders(t *testing.T) {
	_, m := newTestModule(t)
	f := Define(m, "f", func() string { return "old" })
	late := f.Late()

	prev, err := f.Cell().Install(&Impl{Fn: reflect.ValueOf(func() string { return "new" })})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), prev.Generation)

	assert.Equal(t, "new", f.Fn()())
	assert.Equal(t, "new", late())
	assert.Equal(t, uint64(1), f.Cell().Current().Generation)
}

func TestInstall_RejectsSignatureChange(t *testing.T) {
	_, m := newTestModule(t)
	f := Define(m, "f", func() string { return "old" })

	_, err := f.Cell().Install(&Impl{Fn: reflect.ValueOf(func(int) string { return "new" })})
	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, "old", f.Fn()())
}

func TestInstall_RejectsWrapper(t *testing.T) {
	_, m := newTestModule(t)
	inner := Define(m, "f", func() string { return "old" })
	outer := Wrap(inner, func(next func() string) func() string {
		return func() string { return "<" + next() + ">" }
	})

	_, err := outer.Cell().Install(&Impl{Fn: reflect.ValueOf(func() string { return "x" })})
	assert.ErrorIs(t, err, ErrWrapperTarget)
}

func TestWrap_RebindsAndFollowsInner(t *testing.T) {
	reg, m := newTestModule(t)
	inner := Define(m, "f", func() string { return "old" })
	Wrap(inner, func(next func() string) func() string {
		return func() string { return "<" + next() + ">" }
	})

	res, err := reg.Resolve(Ref{Module: "m", Func: "f"})
	require.NoError(t, err)
	assert.Same(t, inner.Cell(), res.Cell.Unwrap())
	assert.False(t, res.Opaque)

	target := Unwrap(res.Cell, "f")
	assert.Same(t, inner.Cell(), target)

	_, err = target.Install(&Impl{Fn: reflect.ValueOf(func() string { return "new" })})
	require.NoError(t, err)

	wrapped, _ := m.Func("f")
	assert.Equal(t, "<new>", wrapped.Current().Value.(func() string)())
}

func TestWrap_Variadic(t *testing.T) {
	_, m := newTestModule(t)
	inner := Define(m, "join", func(parts ...string) string { return strings.Join(parts, ",") })
	outer := Wrap(inner, func(next func(...string) string) func(...string) string {
		return func(parts ...string) string { return "[" + next(parts...) + "]" }
	})
	assert.Equal(t, "[a,b]", outer.Fn()("a", "b"))
}

func TestUnwrap_PlainCell(t *testing.T) {
	_, m := newTestModule(t)
	f := Define(m, "f", func() {})
	assert.Same(t, f.Cell(), Unwrap(f.Cell(), "f"))
}

func TestSetBaseline_OnlyOnce(t *testing.T) {
	_, m := newTestModule(t)
	f := Define(m, "f", func() {})

	first := &artifact.Artifact{Signature: "func()"}
	f.Cell().SetBaseline(first, "func f() {}")
	f.Cell().SetBaseline(&artifact.Artifact{Signature: "other"}, "")

	assert.Same(t, first, f.Cell().Current().Artifact)
	assert.Equal(t, "func f() {}", f.Cell().Current().Source)
}

func TestModuleRefs_Sorted(t *testing.T) {
	_, m := newTestModule(t)
	Define(m, "b", func() {})
	Define(m, "a", func() {})
	DefineMethod(m, "counter", "label", (*counter).label)

	assert.Equal(t, []Ref{
		{Module: "m", Func: "a"},
		{Module: "m", Func: "b"},
		{Module: "m", Type: "counter", Func: "label"},
	}, m.Refs())
}

func TestModuleTypeOf(t *testing.T) {
	m := NewModule("m", WithSymbols(map[string]reflect.Value{
		"counter": reflect.ValueOf((*counter)(nil)),
		"fn":      reflect.ValueOf(strings.ToUpper),
	}))
	typ, ok := m.TypeOf("counter")
	require.True(t, ok)
	assert.Equal(t, reflect.TypeOf(counter{}), typ)

	_, ok = m.TypeOf("fn")
	assert.False(t, ok)
}
