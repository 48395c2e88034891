package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadToleratesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, Global{}, m.Global())
	assert.Empty(t, m.Observatories())
}

func TestLoadParsesEquipmentFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.json", `{"listen_addr":":8080","capture_root":"/data/captures"}`)
	writeFile(t, dir, "telescope.json", `{"main":{"name":"EQ6","alpaca_base_url":"http://localhost:11111","telescope_device":0}}`)
	writeFile(t, dir, "cameras.json", `{"asi":{"name":"ASI2600MC","width_px":6248,"height_px":4176}}`)
	writeFile(t, dir, "default.json", `{"telescope":"main","camera":"asi"}`)

	m, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, ":8080", m.Global().ListenAddr)

	tel, ok := m.CurrentTelescope()
	require.True(t, ok)
	assert.Equal(t, "EQ6", tel.Name)

	cam, ok := m.CurrentCamera()
	require.True(t, ok)
	assert.Equal(t, 6248, cam.WidthPx)
}

func TestSetAndDeleteCameraPersists(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, m.SetCamera("asi", Camera{Name: "ASI2600MC", WidthPx: 6248, HeightPx: 4176}))
	cam, ok := m.Camera("asi")
	require.True(t, ok)
	assert.Equal(t, 6248, cam.WidthPx)

	reloaded, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)
	cam2, ok := reloaded.Camera("asi")
	require.True(t, ok)
	assert.Equal(t, "ASI2600MC", cam2.Name)

	require.NoError(t, m.DeleteCamera("asi"))
	_, ok = m.Camera("asi")
	assert.False(t, ok)

	err = m.DeleteCamera("asi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetDefaultPersists(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, m.SetDefault("camera", "asi"))
	assert.Equal(t, "asi", m.Defaults().Camera)

	reloaded, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "asi", reloaded.Defaults().Camera)
}

func TestSetDefaultUnknownCategory(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, m.SetDefault("bogus", "x"))
}

func TestSchemaLoadedFromDisk(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cameras-schema.json", `{"type":"object","required":["name"]}`)

	m, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)

	schema, ok := m.Schema("cameras-")
	require.True(t, ok)
	assert.Equal(t, "object", schema["type"])
}
