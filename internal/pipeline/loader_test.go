package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releaseYAML = `
id: release
name: Release notes
auto_continue: true
stop_on_failure: true
convergence:
  min_score: 0.75
  max_iterations: 2
steps:
  - id: outline
    role: writer
    action: Outline the release notes
    timeout: 90s
  - id: draft
    role: writer
    action: Draft the notes
    optional: true
    condition: 'input.mode != "quick"'
    input:
      outline: "{{outline.output}}"
    convergence:
      reviewer_role: editor
`

const releaseTOML = `
name = "Nightly"
auto_continue = false

[[steps]]
id = "build"
role = "worker"
action = "Build it"
timeout = "2m"
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "release.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(releaseYAML), 0600))

	p, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "release", p.ID)
	assert.Equal(t, "Release notes", p.Name)
	assert.True(t, p.AutoContinue)
	assert.True(t, p.StopOnFailure)
	require.NotNil(t, p.Convergence)
	require.NotNil(t, p.Convergence.MinScore)
	assert.InDelta(t, 0.75, *p.Convergence.MinScore, 1e-9)
	assert.Equal(t, 2, p.Convergence.MaxIterations)

	require.Len(t, p.Steps, 2)
	assert.Equal(t, "writer", p.Steps[0].RoleID)
	assert.Equal(t, 90*time.Second, p.Steps[0].Timeout.Duration())
	assert.Equal(t, 1, p.Steps[1].Position)
	assert.True(t, p.Steps[1].Optional)
	assert.Equal(t, `input.mode != "quick"`, p.Steps[1].Condition)
	assert.Equal(t, "{{outline.output}}", p.Steps[1].Input["outline"])
	require.NotNil(t, p.Steps[1].Convergence)
	assert.Equal(t, "editor", p.Steps[1].Convergence.ReviewerRole)

	tomlPath := filepath.Join(dir, "nightly.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(releaseTOML), 0600))
	p, err = LoadFile(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, "nightly", p.ID)
	assert.Equal(t, "Nightly", p.Name)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, 2*time.Minute, p.Steps[0].Timeout.Duration())

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("steps:\n  - id: x\n"), 0600))
	_, err = LoadFile(badPath)
	assert.ErrorIs(t, err, ErrInvalidPipeline)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(releaseYAML), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.toml"), []byte(releaseTOML), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# ignored"), 0600))

	pipelines, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, pipelines, 2)
	assert.Equal(t, "a", pipelines[0].ID)
	assert.Equal(t, "release", pipelines[1].ID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yml"), []byte(releaseYAML), 0600))
	_, err = LoadDir(dir)
	assert.ErrorContains(t, err, "defined in")
}

func TestWatcher_ReloadsDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release.yaml")
	require.NoError(t, os.WriteFile(path, []byte(releaseYAML), 0600))

	store := NewMemoryStore()
	w := NewWatcher(dir, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := w.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	extra := filepath.Join(dir, "nightly.toml")
	require.NoError(t, os.WriteFile(extra, []byte(releaseTOML), 0600))
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "nightly")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "release")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
