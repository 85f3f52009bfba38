package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shaggydog/internal/config"
	"shaggydog/internal/models"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "generations/j1/edit1.png", Key("generations", "j1", models.KindEdit1, "image/png"))
	assert.Equal(t, "j1/original.jpg", Key("", "j1", models.KindOriginal, "image/jpeg"))
}

func TestLocalMirror(t *testing.T) {
	dir := t.TempDir()
	m := New(&LocalUploader{BaseDir: dir}, "/out/")

	where, err := m.Put(context.Background(), "job-1", models.KindGenerated, "image/png", []byte("dog"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "job-1", "generated.png"), where)

	data, err := os.ReadFile(where)
	require.NoError(t, err)
	assert.Equal(t, []byte("dog"), data)
}

func TestLocalUploader_StaysInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	up := &LocalUploader{BaseDir: dir}
	where, err := up.Upload(context.Background(), "../../escape.png", []byte("x"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.png"), where)
}

func TestFromConfig(t *testing.T) {
	m, err := FromConfig(context.Background(), config.Config{})
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = FromConfig(context.Background(), config.Config{AssetMirrorDir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, m)
	_, ok := m.up.(*LocalUploader)
	assert.True(t, ok)
}
