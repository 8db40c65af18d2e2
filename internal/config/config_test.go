package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMergesDefaults(t *testing.T) {
	yamlDoc := `
controller:
  interfaceName: eth0
  fullStaticEnumeration: true
`
	cfg, err := Load(strings.NewReader(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, "eth0", cfg.Controller.InterfaceName)
	assert.True(t, cfg.Controller.FullStaticEnumeration)
	// Untouched defaults survive the merge.
	assert.Equal(t, 10*time.Second, cfg.Controller.AutomaticDiscoveryDelay)
	assert.True(t, cfg.Controller.EntityModelCacheEnabled)
	assert.Equal(t, 2000, cfg.Enumeration.BackoffMaxMillis)
}

func TestLoadEmptyYieldsDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
