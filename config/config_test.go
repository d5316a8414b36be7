package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boardpi/transit/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
feed:
  staticURL: https://transit.example.com/gtfs.zip
  realtimeURLs:
    - https://transit.example.com/tripupdates.pb
    - https://transit.example.com/alerts.pb
refresh:
  staticInterval: 6h
  realtimeInterval: 15s
  realtimeStale: 2m
detector:
  maxDistanceMeters: 75
  minNameSimilarity: 0.9
storageDir: /var/lib/transit
metricsAddr: ":9090"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://transit.example.com/gtfs.zip", cfg.Feed.StaticURL)
	assert.Len(t, cfg.Feed.RealtimeURLs, 2)
	assert.Equal(t, config.Duration(6*time.Hour), cfg.Refresh.StaticInterval)
	assert.Equal(t, config.Duration(15*time.Second), cfg.Refresh.RealtimeInterval)
	assert.Equal(t, config.Duration(2*time.Minute), cfg.Refresh.RealtimeStale)
	assert.Equal(t, 75.0, cfg.Detector.MaxDistanceMeters)
	assert.Equal(t, 0.9, cfg.Detector.MinNameSimilarity)
	assert.Equal(t, "/var/lib/transit", cfg.StorageDir)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
feed:
  staticURL: https://transit.example.com/gtfs.zip
storageDir: /var/lib/transit
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.Duration(12*time.Hour), cfg.Refresh.StaticInterval)
	assert.Equal(t, config.Duration(30*time.Second), cfg.Refresh.RealtimeInterval)
	assert.Equal(t, config.Duration(5*time.Minute), cfg.Refresh.RealtimeStale)
	assert.Empty(t, cfg.Feed.RealtimeURLs)
	assert.Empty(t, cfg.MetricsAddr)

	// Zero detector thresholds mean "use the built-in defaults".
	assert.Equal(t, 0.0, cfg.Detector.MaxDistanceMeters)
}

func TestLoadInvalid(t *testing.T) {
	for name, content := range map[string]string{
		"missing static URL": `
storageDir: /var/lib/transit
`,
		"bogus static URL": `
feed:
  staticURL: not a url
storageDir: /var/lib/transit
`,
		"bogus realtime URL": `
feed:
  staticURL: https://transit.example.com/gtfs.zip
  realtimeURLs:
    - also not a url
storageDir: /var/lib/transit
`,
		"missing storage dir": `
feed:
  staticURL: https://transit.example.com/gtfs.zip
`,
		"similarity out of range": `
feed:
  staticURL: https://transit.example.com/gtfs.zip
detector:
  minNameSimilarity: 1.5
storageDir: /var/lib/transit
`,
		"bad duration": `
feed:
  staticURL: https://transit.example.com/gtfs.zip
refresh:
  staticInterval: soonish
storageDir: /var/lib/transit
`,
		"not yaml": `{{{`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
