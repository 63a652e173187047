package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/leapstack-labs/leapfuse/internal/cli/testutil"
)

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	tr := testutil.NewTestRendererMarkdown()

	require.NoError(t, runInit(tr.Renderer, dir, false))
	for _, f := range []string{"leapfuse.yaml", "catalog.yaml", ".gitignore", filepath.Join("pipelines", "customers.json")} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, "%s should exist", f)
	}
	testutil.AssertContains(t, tr.Output(), "LeapFuse project initialized!")

	err := runInit(tr.Renderer, dir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, runInit(tr.Renderer, dir, true))
}

func TestInit_ExamplePipelineChecks(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, runInit(testutil.NewTestRendererMarkdown().Renderer, dir, false))
	loadProject(t, dir, "json")

	out, _, err := execute(t, NewCheckCommand(), filepath.Join(dir, "pipelines", "customers.json"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), gjson.Get(out, "issues.#").Int())
	assert.True(t, gjson.Get(out, `nodes.#(name=="report").executable`).Bool())
}
