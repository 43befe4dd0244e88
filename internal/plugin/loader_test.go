package plugin

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "pulse/pkg/errors"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestLoadSourceInline(t *testing.T) {
	src, err := LoadSource(&Plugin{ID: 1, Source: `properties`})
	require.NoError(t, err)
	assert.Equal(t, "properties", src.Source)
	assert.Nil(t, src.Config)
}

func TestLoadSourceFromDirWithDefaultEntry(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.cel"), []byte("properties"), 0o644))

	src, err := LoadSource(&Plugin{ID: 1, URL: "file:" + dir})
	require.NoError(t, err)
	assert.Equal(t, "properties", src.Source)
}

func TestLoadSourceFromDirWithManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"),
		[]byte(`{"main": "entry.cel", "lib": "lib.cel", "config": {"region": "eu"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entry.cel"), []byte("main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.cel"), []byte("// shared"), 0o644))

	src, err := LoadSource(&Plugin{ID: 1, URL: "file:" + dir})
	require.NoError(t, err)
	assert.Equal(t, "// shared\nmain", src.Source)
	assert.Equal(t, "eu", src.Config["region"])
}

func TestLoadSourceMissingEntryIsFatal(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSource(&Plugin{ID: 1, URL: "file:" + dir})
	require.Error(t, err)

	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.ErrPluginLoad.Code, appErr.Code)
	assert.True(t, appErr.IsFatal())
}

func TestLoadSourceBadManifestIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(`{not json`), 0o644))

	_, err := LoadSource(&Plugin{ID: 1, URL: "file:" + dir})
	require.Error(t, err)

	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.ErrPluginLoad.Code, appErr.Code)
}

func TestLoadSourceFromArchive(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"plugin.json": `{"main": "index.cel"}`,
		"index.cel":   "properties",
	})

	src, err := LoadSource(&Plugin{ID: 1, Archive: archive})
	require.NoError(t, err)
	assert.Equal(t, "properties", src.Source)
}

func TestLoadSourceFromArchiveStripsWrappingDir(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"my-plugin/plugin.json": `{"config": {"k": "v"}}`,
		"my-plugin/index.cel":   "properties",
	})

	src, err := LoadSource(&Plugin{ID: 1, Archive: archive})
	require.NoError(t, err)
	assert.Equal(t, "properties", src.Source)
	assert.Equal(t, "v", src.Config["k"])
}

func TestLoadSourceCorruptArchive(t *testing.T) {
	_, err := LoadSource(&Plugin{ID: 1, Archive: []byte("not a tarball")})
	require.Error(t, err)
}

func TestLoadSourceNoSource(t *testing.T) {
	_, err := LoadSource(&Plugin{ID: 1})
	require.Error(t, err)
}
