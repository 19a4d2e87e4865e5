package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	tree := Merge([]string{"registry.get", "registry.set", "admin.*"})
	require.Contains(t, tree, "registry")
	require.Contains(t, tree, "admin")

	registry, ok := tree["registry"].(Tree)
	require.True(t, ok)
	assert.Contains(t, registry, "get")
	assert.Contains(t, registry, "set")

	admin, ok := tree["admin"].(Tree)
	require.True(t, ok)
	assert.Equal(t, true, admin["*"])
}

func TestMergeEmptyStringGrantsEverything(t *testing.T) {
	tree := Merge([]string{""})
	assert.Equal(t, true, tree["*"])
}

func TestCheckGranted(t *testing.T) {
	perms := []string{"registry.get", "registry.set"}
	assert.NoError(t, Check(perms, []string{"registry.get"}))
	assert.NoError(t, Check(perms, []string{"registry.set"}))
}

func TestCheckDenied(t *testing.T) {
	perms := []string{"registry.get"}
	assert.Error(t, Check(perms, []string{"registry.set"}))
	assert.Error(t, Check(perms, []string{"admin.scale"}))
}

func TestCheckWildcard(t *testing.T) {
	perms := []string{"registry.*"}
	assert.NoError(t, Check(perms, []string{"registry.get"}))
	assert.NoError(t, Check(perms, []string{"registry.anything.deeper"}))
}

// TestCheckAnyTruthyHitShortCircuitsAllRequirements reproduces the original
// craftengine has_permission's quirk: hitting a truthy leaf while walking
// any one of several required paths satisfies the whole Check call, even
// for requirements that share no prefix with the one that matched.
func TestCheckAnyTruthyHitShortCircuitsAllRequirements(t *testing.T) {
	perms := []string{"registry.get"}
	// "admin.scale" is never actually granted, but since "registry.get" is
	// checked first and succeeds, Check returns nil before ever looking at
	// "admin.scale" — a faithful port of the original's bug, not a fix.
	err := Check(perms, []string{"registry.get", "admin.scale"})
	assert.NoError(t, err, "an earlier truthy match should short-circuit the whole call")
}
