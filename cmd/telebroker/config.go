package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type appConfig struct {
	configFile      string
	sourcesAddr     string
	listenersAddr   string
	debug           bool
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxListeners    int
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	configFile := flag.String("config", "", "Optional YAML config file with sources_port/listeners_port/debug")
	sources := flag.String("sources-listen", ":8888", "TCP listen address for sources")
	listeners := flag.String("listeners-listen", ":8889", "TCP listen address for listeners")
	debug := flag.Bool("debug", false, "Enable debug logging (per-frame events)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-listener outbound buffer (chunks)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxListeners := flag.Int("max-listeners", 0, "Maximum simultaneous listener connections (0 = unlimited)")
	serialDev := flag.String("serial-dev", "", "Serial device for the optional serial source link; empty disables")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the listeners port")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default telebroker-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env and file.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.configFile = *configFile
	cfg.sourcesAddr = *sources
	cfg.listenersAddr = *listeners
	cfg.debug = *debug
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxListeners = *maxListeners
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := applyFileConfig(cfg, setFlags); err != nil {
		fmt.Printf("config file error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.sourcesAddr == "" {
		return errors.New("sources-listen must not be empty")
	}
	if c.listenersAddr == "" {
		return errors.New("listeners-listen must not be empty")
	}
	if c.sourcesAddr == c.listenersAddr {
		return fmt.Errorf("sources-listen and listeners-listen must differ (both %s)", c.sourcesAddr)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.maxListeners < 0 {
		return fmt.Errorf("max-listeners must be >= 0")
	}
	if c.serialDev != "" {
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	}
	return nil
}

// applyEnvOverrides maps BROKER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Applied fields are added to
// set so the config file cannot override them either. Boolean & numeric
// parsing is lax: empty values ignored. Duration accepts Go time.ParseDuration
// format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	parseBool := func(v string) (bool, bool) {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off":
			return false, true
		}
		return false, false
	}
	if _, ok := set["config"]; !ok {
		if v, ok := get("BROKER_CONFIG"); ok && v != "" {
			c.configFile = v
			set["config"] = struct{}{}
		}
	}
	if _, ok := set["sources-listen"]; !ok {
		if v, ok := get("BROKER_SOURCES_LISTEN"); ok && v != "" {
			c.sourcesAddr = v
			set["sources-listen"] = struct{}{}
		}
	}
	if _, ok := set["listeners-listen"]; !ok {
		if v, ok := get("BROKER_LISTENERS_LISTEN"); ok && v != "" {
			c.listenersAddr = v
			set["listeners-listen"] = struct{}{}
		}
	}
	if _, ok := set["debug"]; !ok {
		if v, ok := get("BROKER_DEBUG"); ok && v != "" {
			if b, valid := parseBool(v); valid {
				c.debug = b
				set["debug"] = struct{}{}
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("BROKER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
			set["log-format"] = struct{}{}
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("BROKER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
			set["log-level"] = struct{}{}
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("BROKER_METRICS"); ok {
			c.metricsAddr = v
			set["metrics-addr"] = struct{}{}
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("BROKER_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.hubBuffer = n
				set["hub-buffer"] = struct{}{}
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BROKER_HUB_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["hub-policy"]; !ok {
		if v, ok := get("BROKER_HUB_POLICY"); ok && v != "" {
			c.hubPolicy = v
			set["hub-policy"] = struct{}{}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("BROKER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
				set["log-metrics-interval"] = struct{}{}
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BROKER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["max-listeners"]; !ok {
		if v, ok := get("BROKER_MAX_LISTENERS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxListeners = n
				set["max-listeners"] = struct{}{}
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BROKER_MAX_LISTENERS: %w", err)
			}
		}
	}
	if _, ok := set["serial-dev"]; !ok {
		if v, ok := get("BROKER_SERIAL_DEV"); ok && v != "" {
			c.serialDev = v
			set["serial-dev"] = struct{}{}
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("BROKER_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
				set["baud"] = struct{}{}
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BROKER_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("BROKER_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
				set["serial-read-timeout"] = struct{}{}
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BROKER_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("BROKER_MDNS_ENABLE"); ok && v != "" {
			if b, valid := parseBool(v); valid {
				c.mdnsEnable = b
				set["mdns-enable"] = struct{}{}
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("BROKER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
			set["mdns-name"] = struct{}{}
		}
	}
	return firstErr
}

// fileConfig is the YAML shape of the optional config file. Only the fields
// the original operators persisted are accepted; everything else stays flag/env.
type fileConfig struct {
	SourcesPort   int   `yaml:"sources_port"`
	ListenersPort int   `yaml:"listeners_port"`
	Debug         *bool `yaml:"debug"`
}

// applyFileConfig loads the optional YAML config file and fills in fields not
// already set by flag or env.
func applyFileConfig(c *appConfig, set map[string]struct{}) error {
	if c.configFile == "" {
		return nil
	}
	raw, err := os.ReadFile(c.configFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", c.configFile, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", c.configFile, err)
	}
	if fc.SourcesPort != 0 {
		if fc.SourcesPort < 1 || fc.SourcesPort > 65535 {
			return fmt.Errorf("sources_port out of range: %d", fc.SourcesPort)
		}
		if _, ok := set["sources-listen"]; !ok {
			c.sourcesAddr = ":" + strconv.Itoa(fc.SourcesPort)
		}
	}
	if fc.ListenersPort != 0 {
		if fc.ListenersPort < 1 || fc.ListenersPort > 65535 {
			return fmt.Errorf("listeners_port out of range: %d", fc.ListenersPort)
		}
		if _, ok := set["listeners-listen"]; !ok {
			c.listenersAddr = ":" + strconv.Itoa(fc.ListenersPort)
		}
	}
	if fc.Debug != nil {
		if _, ok := set["debug"]; !ok {
			c.debug = *fc.Debug
		}
	}
	return nil
}
