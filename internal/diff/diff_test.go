package diff

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_NoChanges(t *testing.T) {
	d := Source("a", "b", "func f() {\n}\n", "func f() {\n}")
	assert.True(t, d.Empty())
	assert.Equal(t, "", d.Unified())
}

func TestSource_ChangedLine(t *testing.T) {
	old := "func f() string {\n\treturn \"old\"\n}\n"
	new := "func f() string {\n\treturn \"new\"\n}\n"

	d := Source("installed", "file.go", old, new)
	require.Len(t, d.Hunks, 1)
	assert.Equal(t, `--- installed
+++ file.go
@@ -1,3 +1,3 @@
 func f() string {
-	return "old"
+	return "new"
 }
`, d.Unified())
}

func TestSource_Addition(t *testing.T) {
	d := Source("a", "b", "x\ny\n", "x\ny\nz\n")
	require.Len(t, d.Hunks, 1)
	h := d.Hunks[0]
	assert.Equal(t, 1, h.OldStart)
	assert.Equal(t, 2, h.OldCount)
	assert.Equal(t, 1, h.NewStart)
	assert.Equal(t, 3, h.NewCount)
	assert.Equal(t, Line{Content: "z", Type: LineAdded}, h.Lines[2])
}

func TestSource_FromEmpty(t *testing.T) {
	d := Source("a", "b", "", "x\n")
	require.Len(t, d.Hunks, 1)
	assert.Contains(t, d.Unified(), "@@ -0,0 +1,1 @@\n+x\n")
}

func numbered(n int, edit map[int]string) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if s, ok := edit[i]; ok {
			b.WriteString(s + "\n")
			continue
		}
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func TestSource_SeparateHunks(t *testing.T) {
	old := numbered(30, nil)
	new := numbered(30, map[int]string{3: "changed 3", 25: "changed 25"})

	d := Source("a", "b", old, new)
	require.Len(t, d.Hunks, 2)
	assert.Equal(t, 1, d.Hunks[0].OldStart)
	assert.Equal(t, 6, d.Hunks[0].OldCount)
	assert.Equal(t, 22, d.Hunks[1].OldStart)
	assert.Equal(t, 7, d.Hunks[1].OldCount)

	u := d.Unified()
	assert.Contains(t, u, "@@ -1,6 +1,6 @@\n line 1\n line 2\n-line 3\n+changed 3\n line 4\n")
	assert.Contains(t, u, " line 24\n-line 25\n+changed 25\n line 26\n")
}

func TestLineRune_SkipsSurrogates(t *testing.T) {
	for _, i := range []int{0, 1, 0xD7FE, 0xD7FF, 0xD800, 0x10000} {
		r := lineRune(i)
		assert.False(t, r >= 0xD800 && r < 0xE000, "line %d encoded as surrogate %U", i, r)
		assert.Equal(t, i, runeLine(r))
	}
}

func TestSource_NearbyChangesMerge(t *testing.T) {
	old := numbered(20, nil)
	new := numbered(20, map[int]string{5: "a", 10: "b"})

	d := Source("a", "b", old, new)
	require.Len(t, d.Hunks, 1)
	assert.Equal(t, 2, d.Hunks[0].OldStart)
	assert.Equal(t, 12, d.Hunks[0].OldCount)
	assert.Equal(t, 12, d.Hunks[0].NewCount)
}
