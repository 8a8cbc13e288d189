package browse

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the browser config file
type TOMLConfig struct {
	Probe      ProbeSection      `toml:"probe"`
	Quickmatch QuickmatchSection `toml:"quickmatch"`
	Filter     FilterSection     `toml:"filter"`
}

type ProbeSection struct {
	ServerWindow           int `toml:"server_window"`
	HubWindow              int `toml:"hub_window"`
	DialTimeoutSeconds     int `toml:"dial_timeout_seconds"`
	ResponseTimeoutSeconds int `toml:"response_timeout_seconds"`
	LANSearchTimeoutMS     int `toml:"lan_search_timeout_ms"`
}

type QuickmatchSection struct {
	MaxResults              int    `toml:"max_results"`
	PingWindowMS            int    `toml:"ping_window_ms"`
	NegotiateTimeoutSeconds int    `toml:"negotiate_timeout_seconds"`
	DefaultRuleTag          string `toml:"default_rule_tag"`
}

type FilterSection struct {
	HideUnresponsive bool `toml:"hide_unresponsive"`
	CheckRank        bool `toml:"check_rank"`
}

// DefaultTOMLConfig returns the default configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Probe: ProbeSection{
			ServerWindow:           10,
			HubWindow:              10,
			DialTimeoutSeconds:     3,
			ResponseTimeoutSeconds: 5,
			LANSearchTimeoutMS:     2000,
		},
		Quickmatch: QuickmatchSection{
			MaxResults:              100,
			PingWindowMS:            50,
			NegotiateTimeoutSeconds: 15,
			DefaultRuleTag:          "",
		},
		Filter: FilterSection{
			HideUnresponsive: true,
			CheckRank:        true,
		},
	}
}

// LoadConfig loads configuration from a TOML file and applies environment
// variable overrides. A missing file yields the defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	config := DefaultTOMLConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &config); err != nil {
				return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	config = applyEnvOverrides(config)
	return config, nil
}

// SaveConfig writes the configuration to a TOML file
func SaveConfig(path string, config TOMLConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: MATCHBROWSE_SECTION_KEY
// Example: MATCHBROWSE_PROBE_HUB_WINDOW=20
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("MATCHBROWSE_PROBE_SERVER_WINDOW"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Probe.ServerWindow = n
		}
	}
	if val := os.Getenv("MATCHBROWSE_PROBE_HUB_WINDOW"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Probe.HubWindow = n
		}
	}
	if val := os.Getenv("MATCHBROWSE_PROBE_DIAL_TIMEOUT_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Probe.DialTimeoutSeconds = n
		}
	}
	if val := os.Getenv("MATCHBROWSE_PROBE_RESPONSE_TIMEOUT_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Probe.ResponseTimeoutSeconds = n
		}
	}
	if val := os.Getenv("MATCHBROWSE_QUICKMATCH_MAX_RESULTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Quickmatch.MaxResults = n
		}
	}
	if val := os.Getenv("MATCHBROWSE_QUICKMATCH_PING_WINDOW_MS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Quickmatch.PingWindowMS = n
		}
	}
	if val := os.Getenv("MATCHBROWSE_QUICKMATCH_NEGOTIATE_TIMEOUT_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Quickmatch.NegotiateTimeoutSeconds = n
		}
	}
	if val := os.Getenv("MATCHBROWSE_QUICKMATCH_DEFAULT_RULE_TAG"); val != "" {
		config.Quickmatch.DefaultRuleTag = val
	}
	if val := os.Getenv("MATCHBROWSE_FILTER_HIDE_UNRESPONSIVE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Filter.HideUnresponsive = b
		}
	}
	if val := os.Getenv("MATCHBROWSE_FILTER_CHECK_RANK"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Filter.CheckRank = b
		}
	}
	return config
}

// ProbeConfig builds the beacon probe settings from the config file
func (c *TOMLConfig) ProbeConfig() ProbeConfig {
	return ProbeConfig{
		DialTimeout:     time.Duration(c.Probe.DialTimeoutSeconds) * time.Second,
		ResponseTimeout: time.Duration(c.Probe.ResponseTimeoutSeconds) * time.Second,
	}
}

// NegotiatorConfig builds the join negotiation settings from the config file
func (c *TOMLConfig) NegotiatorConfig() NegotiatorConfig {
	return NegotiatorConfig{
		DialTimeout:     time.Duration(c.Probe.DialTimeoutSeconds) * time.Second,
		ResponseTimeout: time.Duration(c.Quickmatch.NegotiateTimeoutSeconds) * time.Second,
	}
}

// SearchFilter builds a backend search filter. LAN sweeps query the local
// network only and use the short LAN timeout instead of the backend default.
func (c *TOMLConfig) SearchFilter(lan bool) SessionFilter {
	f := SessionFilter{LAN: lan}
	if lan {
		f.Timeout = time.Duration(c.Probe.LANSearchTimeoutMS) * time.Millisecond
	}
	return f
}
