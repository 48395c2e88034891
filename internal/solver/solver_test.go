package solver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSidecarParsesCRVALAndConvertsRAToHours(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.ini")
	require.NoError(t, os.WriteFile(path, []byte("CRVAL1=180.0\nCRVAL2=45.5\nCROTA1=1.25\n"), 0o644))

	ra, dec, orientation, found, err := readSidecar(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 12.0, ra, 1e-9)
	assert.InDelta(t, 45.5, dec, 1e-9)
	assert.InDelta(t, 1.25, orientation, 1e-9)
}

func TestReadSidecarMissingFileReportsNotFound(t *testing.T) {
	_, _, _, found, err := readSidecar(filepath.Join(t.TempDir(), "missing.ini"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSidecarPathReplacesExtension(t *testing.T) {
	assert.Equal(t, "/tmp/frame.ini", sidecarPath("/tmp/frame.fits"))
}
