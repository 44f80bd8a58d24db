package role

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`roles:
  - id: writer
    name: Writer
    model: sonnet
    thinking: low
    instructions: Write clearly.
  - id: critic
    prompt_file: prompts/critic.md
`), 0600))

	roles, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "writer", roles[0].ID)
	assert.Equal(t, "sonnet", roles[0].Model)
	assert.Equal(t, "Write clearly.", roles[0].Instructions)
	assert.Equal(t, "critic", roles[1].Name)
	assert.Equal(t, filepath.Join(dir, "prompts", "critic.md"), roles[1].PromptFile)
}

func TestLoadFile_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[roles]]
id = "writer"
name = "Writer"
thinking = "high"
`), 0600))

	roles, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "high", roles[0].Thinking)
}

func TestLoadFile_Rejects(t *testing.T) {
	dir := t.TempDir()

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("roles:\n  - id: a\n  - id: a\n"), 0600))
	_, err := LoadFile(dup)
	assert.ErrorContains(t, err, "duplicate")

	noID := filepath.Join(dir, "noid.yaml")
	require.NoError(t, os.WriteFile(noID, []byte("roles:\n  - name: x\n"), 0600))
	_, err = LoadFile(noID)
	assert.ErrorContains(t, err, "no id")

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
