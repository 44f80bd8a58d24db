package role

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptCache_StaticInstructions(t *testing.T) {
	cache, err := NewPromptCache(false, nil)
	require.NoError(t, err)
	defer cache.Close()

	text, err := cache.Instructions(&Role{ID: "a", Instructions: "inline"})
	require.NoError(t, err)
	assert.Equal(t, "inline", text)
}

func TestPromptCache_ReadsAndCachesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0600))

	cache, err := NewPromptCache(false, nil)
	require.NoError(t, err)
	defer cache.Close()

	r := &Role{ID: "a", Instructions: "ignored", PromptFile: path}
	text, err := cache.Instructions(r)
	require.NoError(t, err)
	assert.Equal(t, "v1", text)

	// Without a watcher the cached copy is served.
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0600))
	text, err = cache.Instructions(r)
	require.NoError(t, err)
	assert.Equal(t, "v1", text)

	_, err = cache.Instructions(&Role{ID: "b", PromptFile: filepath.Join(t.TempDir(), "none.md")})
	assert.Error(t, err)
}

func TestPromptCache_WatchInvalidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0600))

	cache, err := NewPromptCache(true, nil)
	require.NoError(t, err)
	defer cache.Close()

	r := &Role{ID: "a", PromptFile: path}
	text, err := cache.Instructions(r)
	require.NoError(t, err)
	require.Equal(t, "v1", text)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0600))
	assert.Eventually(t, func() bool {
		text, err := cache.Instructions(r)
		return err == nil && text == "v2"
	}, 2*time.Second, 20*time.Millisecond)
}
