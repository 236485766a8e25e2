package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/virtcore/internal/devices/pci"
	"github.com/tinyrange/virtcore/internal/virtio"
)

const sample = `
device: "0000:00:04.0"
interrupt: /dev/uio0
features:
  require: [VERSION_1]
  accept: [EVENT_IDX, "3"]
queues:
  max: 2
  max_size: 128
  layout: contiguous
timeouts:
  completion: 250ms
  reset: 2s
log:
  level: DEBUG
  format: json
metrics:
  listen: 127.0.0.1:9100
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "virtctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/uio0", c.Interrupt)
	assert.Equal(t, 2, c.Queues.Max)
	assert.Equal(t, uint16(128), c.Queues.MaxSize)
	assert.Equal(t, 250*time.Millisecond, c.Timeouts.Completion)
	assert.Equal(t, 2*time.Second, c.Timeouts.Reset)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "127.0.0.1:9100", c.Metrics.Listen)

	addr, err := c.Address()
	require.NoError(t, err)
	assert.Equal(t, pci.Address{Device: 4}, addr)

	layout, err := c.Layout()
	require.NoError(t, err)
	assert.Equal(t, virtio.LayoutContiguous, layout)

	opts, err := c.Options(nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(128), opts.MaxQueueSize)
	assert.Equal(t, 2*time.Second, opts.ResetTimeout)
}

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, DefaultCompletionTimeout, c.Timeouts.Completion)
	assert.Equal(t, DefaultResetTimeout, c.Timeouts.Reset)
	assert.Equal(t, "split", c.Queues.Layout)

	_, err = c.Address()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, doc := range map[string]string{
		"BadAddress":  `device: "zz:1"`,
		"BadFeature":  `features: {accept: [NOPE]}`,
		"BadSize":     `queues: {max_size: 100}`,
		"BadLayout":   `queues: {layout: packed}`,
		"BadLevel":    `log: {level: loud}`,
		"BadFormat":   `log: {format: xml}`,
		"NegativeMax": `queues: {max: -1}`,
		"BadDuration": `timeouts: {reset: soon}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPolicy(t *testing.T) {
	c := Default()
	c.Features.Require = []string{"EVENT_IDX"}
	c.Features.Accept = []string{"bit0"}
	policy, err := c.Policy()
	require.NoError(t, err)

	_, err = policy.SelectFeatures(virtio.NewFeatureSet(virtio.FeatureVersion1))
	assert.Error(t, err)

	got, err := policy.SelectFeatures(virtio.NewFeatureSet(0, 1, virtio.FeatureEventIdx))
	require.NoError(t, err)
	assert.True(t, got.Equal(virtio.NewFeatureSet(0, virtio.FeatureEventIdx)))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	c := Default()
	c.Log.Format = "json"
	c.Log.Level = "warn"
	log := c.Logger(&buf)

	log.Info("hidden")
	log.Warn("shown", "queue", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"queue":1`)
}
