package browse

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultTOMLConfig()
	assert.Equal(t, 10, config.Probe.ServerWindow)
	assert.Equal(t, 10, config.Probe.HubWindow)
	assert.Equal(t, 50, config.Quickmatch.PingWindowMS)
	assert.Equal(t, 15, config.Quickmatch.NegotiateTimeoutSeconds)
	assert.Equal(t, 2000, config.Probe.LANSearchTimeoutMS)
	assert.True(t, config.Filter.HideUnresponsive)
	assert.True(t, config.Filter.CheckRank)
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), config)
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "browse.toml")

	config := DefaultTOMLConfig()
	config.Probe.HubWindow = 20
	config.Quickmatch.DefaultRuleTag = "tdm"
	config.Filter.HideUnresponsive = false
	require.NoError(t, SaveConfig(path, config))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("probe = ["), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("MATCHBROWSE_PROBE_HUB_WINDOW", "25")
	t.Setenv("MATCHBROWSE_QUICKMATCH_PING_WINDOW_MS", "75")
	t.Setenv("MATCHBROWSE_FILTER_CHECK_RANK", "false")
	t.Setenv("MATCHBROWSE_QUICKMATCH_DEFAULT_RULE_TAG", "duel")

	config, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 25, config.Probe.HubWindow)
	assert.Equal(t, 75, config.Quickmatch.PingWindowMS)
	assert.False(t, config.Filter.CheckRank)
	assert.Equal(t, "duel", config.Quickmatch.DefaultRuleTag)

	// A non-numeric override is ignored
	t.Setenv("MATCHBROWSE_PROBE_HUB_WINDOW", "lots")
	config, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 10, config.Probe.HubWindow)
}

func TestConfigDerivedTimeouts(t *testing.T) {
	config := DefaultTOMLConfig()
	probe := config.ProbeConfig()
	assert.Equal(t, 3*time.Second, probe.DialTimeout)
	assert.Equal(t, 5*time.Second, probe.ResponseTimeout)

	neg := config.NegotiatorConfig()
	assert.Equal(t, 15*time.Second, neg.ResponseTimeout)
}

func TestConfigSearchFilter(t *testing.T) {
	config := DefaultTOMLConfig()

	online := config.SearchFilter(false)
	assert.False(t, online.LAN)
	assert.Zero(t, online.Timeout)

	local := config.SearchFilter(true)
	assert.True(t, local.LAN)
	assert.Equal(t, 2*time.Second, local.Timeout)

	config.Probe.LANSearchTimeoutMS = 500
	assert.Equal(t, 500*time.Millisecond, config.SearchFilter(true).Timeout)
}
