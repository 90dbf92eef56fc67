package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := Canonicalize("~/proj")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "proj"), got)

	viaHome, err := Canonicalize(filepath.Join(home, "proj"))
	require.NoError(t, err)
	assert.Equal(t, got, viaHome)
}

func TestCanonicalize_EquivalentSpellings(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	want := filepath.Join(home, "x")

	for _, in := range []string{
		"~/x",
		home + "/x",
		"~/x/",
		"~/x/y/..",
		home + "/./x",
	} {
		got, err := Canonicalize(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestCanonicalize_BareTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := Canonicalize("~")
	require.NoError(t, err)
	assert.Equal(t, home, got)
}

func TestCanonicalize_RelativePath(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	got, err := Canonicalize("sub/../other")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "other"), got)
}

func TestCanonicalize_Empty(t *testing.T) {
	_, err := Canonicalize("")
	assert.Error(t, err)
}
