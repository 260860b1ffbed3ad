package configcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "couchgo.cache")

	cfgJSON := []byte(`{"name":"default","nodes":[]}`)
	require.NoError(t, Save(path, "default", cfgJSON))

	bucket, got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "default", bucket)
	assert.Equal(t, cfgJSON, got)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestSaveOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "couchgo.cache")
	require.NoError(t, Save(path, "a", []byte(`{"old":true}`)))
	require.NoError(t, Save(path, "b", []byte(`{"new":true}`)))

	bucket, got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "b", bucket)
	assert.Equal(t, []byte(`{"new":true}`), got)
}
