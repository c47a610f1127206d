package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAndTest(t *testing.T) {
	f := NewAliasFilter(1000, 0.001)

	assert.False(t, f.Test("abc12345"))
	f.Add("abc12345")
	assert.True(t, f.Test("abc12345"))
}

func TestLoadReplacesContents(t *testing.T) {
	f := NewAliasFilter(1000, 0.001)
	f.Add("stale")

	f.Load([]string{"one", "two"})

	assert.True(t, f.Test("one"))
	assert.True(t, f.Test("two"))
	assert.False(t, f.Test("stale"))
}
