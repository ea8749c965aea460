package halfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalfs/cardinal/internal/hal"
)

func openTestDevice(t *testing.T) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	d, err := Open(Options{
		Path:       path,
		SectorSize: 512,
		Create:     true,
		Capacity:   256,
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenCreatesSizedFile(t *testing.T) {
	d := openTestDevice(t)
	caps, err := d.Caps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(256), caps.TotalCapacity)
	assert.Equal(t, uint32(512), caps.SectorSize)
}

func TestSecondOpenFailsWithVolumeLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.img")
	d1, err := Open(Options{Path: path, SectorSize: 512, Create: true, Capacity: 4})
	require.NoError(t, err)
	defer d1.Close()

	_, err = Open(Options{Path: path, SectorSize: 512})
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	d := openTestDevice(t)
	ctx := context.Background()

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, d.SyncIO(ctx, hal.OpWrite, 2, payload, 1))
	require.NoError(t, d.Barrier(ctx))

	out := make([]byte, 512)
	require.NoError(t, d.SyncIO(ctx, hal.OpRead, 2, out, 1))
	assert.Equal(t, payload, out)
}

func TestDiscardZeroesRange(t *testing.T) {
	d := openTestDevice(t)
	ctx := context.Background()

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xAB
	}
	require.NoError(t, d.SyncIO(ctx, hal.OpWrite, 0, payload, 1))
	require.NoError(t, d.SyncIO(ctx, hal.OpDiscard, 0, payload, 1))

	out := make([]byte, 512)
	require.NoError(t, d.SyncIO(ctx, hal.OpRead, 0, out, 1))
	for _, b := range out {
		assert.Equal(t, byte(0), b)
	}
}

func TestTemperatureOverride(t *testing.T) {
	d := openTestDevice(t)
	d.SetTemperature(90.5)
	c, ok := d.Temperature(context.Background())
	assert.True(t, ok)
	assert.Equal(t, 90.5, c)
}

func TestPrefetchDoesNotError(t *testing.T) {
	d := openTestDevice(t)
	d.Prefetch(context.Background(), 0, 4)
}
