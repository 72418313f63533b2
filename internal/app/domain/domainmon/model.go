// Package domainmon holds the static configuration for the built-in domain
// monitor: a curated list of first-party domains probed over HTTP and a
// minimal headless-browser expectation check.
package domainmon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPCheck configures the liveness probe.
type HTTPCheck struct {
	URL            string `yaml:"url" json:"url"`
	ExpectStatus   int    `yaml:"expect_status" json:"expect_status"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// BrowserCheck configures the minimal headless-browser expectation check:
// load a URL and assert a substring appears in the rendered page title or
// body.
type BrowserCheck struct {
	URL            string `yaml:"url" json:"url"`
	ExpectContains string `yaml:"expect_contains" json:"expect_contains"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Heartbeat configures wall-clock anchors for summary alerts.
type Heartbeat struct {
	Anchors  []string `yaml:"anchors" json:"anchors"` // "HH:MM" in Timezone
	Timezone string   `yaml:"timezone" json:"timezone"`
}

// Alerting configures per-domain debounce thresholds, mirroring Test.
type Alerting struct {
	DownAfterFailures int `yaml:"down_after_failures" json:"down_after_failures"`
	UpAfterSuccesses  int `yaml:"up_after_successes" json:"up_after_successes"`
	IntervalSeconds   int `yaml:"interval_seconds" json:"interval_seconds"`
}

// Domain is one first-party site under built-in monitoring. Configuration is
// static: loaded from file at startup. The running appserver does not reload
// it; SIGHUP is not handled.
type Domain struct {
	Name          string       `yaml:"name" json:"name"`
	HTTPCheck     HTTPCheck    `yaml:"http_check" json:"http_check"`
	BrowserCheck  BrowserCheck `yaml:"browser_check" json:"browser_check"`
	Heartbeat     Heartbeat    `yaml:"heartbeat" json:"heartbeat"`
	Alerting      Alerting     `yaml:"alerting" json:"alerting"`
	Disabled      bool         `yaml:"disabled" json:"disabled"`
	DisabledUntil *time.Time   `yaml:"disabled_until_ts,omitempty" json:"disabled_until_ts,omitempty"`
}

// SubjectID is the State/Alert Engine subject identifier for this domain.
func (d Domain) SubjectID() string {
	return "domain:" + d.Name
}

// Config is the top-level file-loaded document for the domain monitor.
type Config struct {
	Domains []Domain `yaml:"domains" json:"domains"`
}

// LoadFile reads a domain monitor configuration file. A missing file yields
// an empty Config rather than an error, since the built-in monitor is
// optional.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("domainmon: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("domainmon: parse %s: %w", path, err)
	}
	return cfg, nil
}
