package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBuild(t *testing.T, src, name string) *Artifact {
	t.Helper()
	a, err := FromSource("test.go", src, name)
	require.NoError(t, err)
	return a
}

func TestEqual_Reflexive(t *testing.T) {
	src := `func f(name string) string {
	return "hello " + name
}`
	assert.True(t, Equal(mustBuild(t, src, "f"), mustBuild(t, src, "f")))
}

func TestEqual_IgnoresLayoutAndComments(t *testing.T) {
	a := mustBuild(t, `func f() string {
	return "test"
}`, "f")
	b := mustBuild(t, `func f() string {
	// explain

	return "test" // trailing
}`, "f")
	assert.True(t, Equal(a, b), Diff(a, b))
}

func TestEqual_IgnoresLineBreaks(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{
			name: "one line body",
			a:    `func f() string { return "old" }`,
			b: `func f() string {
	return "old"
}`,
		},
		{
			name: "nested block",
			a:    `func f(x int) int { if x > 0 { return x }; return -x }`,
			b: `func f(x int) int {
	if x > 0 {
		return x
	}
	return -x
}`,
		},
		{
			name: "trailing comma",
			a:    `func f() []int { return []int{1, 2} }`,
			b: `func f() []int {
	return []int{
		1,
		2,
	}
}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := mustBuild(t, tt.a, "f"), mustBuild(t, tt.b, "f")
			assert.True(t, Equal(a, b), Diff(a, b))
		})
	}
}

func TestEqual_KeepsSeparatorsBetweenStatements(t *testing.T) {
	a := mustBuild(t, `func f() { for i := 0; i < 3; i++ { g(i, i) } }`, "f")
	assert.Equal(t, []string{"{", "for", "i", ":=", "0", ";", "i", "<", "3", ";", "i", "++", "{", "g", "(", "i", ",", "i", ")", "}", "}"}, a.Instructions)
}

func TestEqual_DetectsChanges(t *testing.T) {
	base := `func f(x int) string {
	return "test"
}`
	tests := []struct {
		name string
		src  string
	}{
		{"literal", `func f(x int) string {
	return "different"
}`},
		{"param name", `func f(y int) string {
	return "test"
}`},
		{"param type", `func f(x int64) string {
	return "test"
}`},
		{"extra statement", `func f(x int) string {
	_ = x
	return "test"
}`},
	}
	old := mustBuild(t, base, "f")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Equal(old, mustBuild(t, tt.src, "f")))
		})
	}
}

func TestEqual_Nil(t *testing.T) {
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, &Artifact{}))
}

func TestBuild_Shape(t *testing.T) {
	src := `func (w *Widget) render(prefix string, parts ...string) (string, error) {
	count := 0
	join := func() string {
		count++
		return strings.Join(parts, sep)
	}
	return prefix + join() + w.Name, nil
}`
	a := mustBuild(t, src, "render")

	assert.Equal(t, []string{"w", "prefix", "parts"}, a.ParamNames)
	assert.Equal(t, 3, a.ArgCount)
	assert.Equal(t, 2, a.ResultCount)
	assert.True(t, a.Variadic)
	assert.Equal(t, []string{"INT:0"}, a.Constants)
	assert.Equal(t, []string{"Join", "Name"}, a.Names)
	assert.Equal(t, []string{"strings", "sep"}, a.FreeVars)
	assert.Equal(t, []string{"count", "parts"}, a.CellVars)
	assert.Equal(t, "(*Widget) func(prefix string, parts ...string) (string, error)", a.Signature)
}

func TestBuild_StructKeysAndLabelsAreNotFree(t *testing.T) {
	src := `func f() Point {
outer:
	for {
		break outer
	}
	return Point{X: origin}
}`
	a := mustBuild(t, src, "f")
	assert.Equal(t, []string{"Point", "origin"}, a.FreeVars)
}

func TestFromSource_MissingFunction(t *testing.T) {
	_, err := FromSource("test.go", "func g() {}", "f")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "f")
}

func TestDiff_ReportsField(t *testing.T) {
	a := mustBuild(t, `func f() int { return 1 }`, "f")
	b := mustBuild(t, `func f() int { return 2 }`, "f")
	assert.Contains(t, Diff(a, b), "Constants")
}
