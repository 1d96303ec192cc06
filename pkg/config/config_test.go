package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "transport.ini")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
[transport]
mtu = 32
crc_table = 1
queue_capacity = 64
node_id = 7

[bus]
interface = socketcan
channel = can0
bitrate = 500000
`)
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 32, cfg.MTU())
	assert.Equal(t, 64, cfg.Transport.QueueCapacity)
	assert.Equal(t, "socketcan", cfg.Bus.Interface)
	assert.Equal(t, "can0", cfg.Bus.Channel)
	assert.Equal(t, 500000, cfg.Bus.Bitrate)
}

func TestLoadRejectsNonStandardMTU(t *testing.T) {
	path := writeTempConfig(t, "[transport]\nmtu = 10\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidMTU)
}

func TestDefaultMatchesBareConstructor(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 64, cfg.MTU())
	assert.Equal(t, 128, cfg.Transport.QueueCapacity)
	assert.EqualValues(t, 255, cfg.Transport.NodeID)
}
