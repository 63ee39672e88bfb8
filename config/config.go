package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"time"

	env "github.com/Netflix/go-env"
)

const (
	defaultBindAddress   = "0.0.0.0"
	defaultWebPort       = 8090
	defaultMQTTPort      = 1883
	defaultMQTTBindLocal = "0.0.0.0"
)

// History backends.
const (
	HistoryBackendHTTP     = "http"
	HistoryBackendPostgres = "postgres"
)

// Config holds all environment-driven configuration.
type Config struct {
	// Web listener configuration
	WebAddr        string `env:"PORT_TWIN_WEB_ADDR"`
	WebBindAddress string `env:"PORT_TWIN_WEB_BIND_ADDRESS,default=0.0.0.0"`
	WebPort        int    `env:"PORT_TWIN_WEB_PORT,default=8090"`

	// Live measurement feed; empty disables the WebSocket client
	StreamURL string `env:"PORT_TWIN_STREAM_URL,default=ws://localhost:4000/ws"`

	// Historical query backend
	HistoryBackend string `env:"PORT_TWIN_HISTORY_BACKEND,default=http"`
	HistoryURL     string `env:"PORT_TWIN_HISTORY_URL,default=http://localhost:4000"`
	HistoryTimeout string `env:"PORT_TWIN_HISTORY_TIMEOUT,default=30s"`
	HistoryAPIKey  string `env:"PORT_TWIN_HISTORY_API_KEY"`
	DatabaseURL    string `env:"PORT_TWIN_DATABASE_URL"`

	// Embedded MQTT listener configuration
	MQTTEnabled     bool   `env:"PORT_TWIN_MQTT_ENABLED,default=false"`
	MQTTAddr        string `env:"PORT_TWIN_MQTT_ADDR"`
	MQTTBindAddress string `env:"PORT_TWIN_MQTT_BIND_ADDRESS,default=0.0.0.0"`
	MQTTPort        int    `env:"PORT_TWIN_MQTT_PORT,default=1883"`

	// Dashboard behaviour
	DeviceLabelsPath string `env:"PORT_TWIN_DEVICE_LABELS"`
	Timezone         string `env:"PORT_TWIN_TIMEZONE,default=UTC"`
	MaxLiveRecords   int    `env:"PORT_TWIN_MAX_LIVE_RECORDS,default=0"`
	SortByTimestamp  bool   `env:"PORT_TWIN_SORT_BY_TIMESTAMP,default=false"`

	// Logging options
	LogLevel  string `env:"PORT_TWIN_LOG_LEVEL,default=info"`
	LogFormat string `env:"PORT_TWIN_LOG_FORMAT,default=json"`

	webAddr        netip.AddrPort
	mqttAddr       netip.AddrPort
	historyTimeout time.Duration
	location       *time.Location
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate ensures basic correctness of the configuration.
func (c *Config) Validate() error {
	if err := c.parseListenerAddrs(); err != nil {
		return err
	}
	if c.StreamURL != "" {
		if err := validateURL("stream", c.StreamURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if c.StreamURL == "" && !c.MQTTEnabled {
		return fmt.Errorf("no measurement source: set PORT_TWIN_STREAM_URL or enable MQTT")
	}
	if err := c.validateHistory(); err != nil {
		return err
	}
	if c.MaxLiveRecords < 0 {
		return fmt.Errorf("MaxLiveRecords cannot be negative, got %d", c.MaxLiveRecords)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.location = loc

	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateLogFormat(c.LogFormat); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateHistory() error {
	timeout, err := time.ParseDuration(c.HistoryTimeout)
	if err != nil {
		return fmt.Errorf("invalid history timeout %q: %w", c.HistoryTimeout, err)
	}
	if timeout <= 0 {
		return fmt.Errorf("history timeout must be positive, got %s", timeout)
	}
	c.historyTimeout = timeout

	switch c.HistoryBackend {
	case HistoryBackendHTTP:
		return validateURL("history", c.HistoryURL, "http", "https")
	case HistoryBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DatabaseURL cannot be empty with the postgres history backend")
		}
		return nil
	default:
		return fmt.Errorf("invalid history backend %q, must be 'http' or 'postgres'", c.HistoryBackend)
	}
}

func (c *Config) parseListenerAddrs() error {
	if c.WebBindAddress == "" {
		c.WebBindAddress = defaultBindAddress
	}
	if c.WebPort == 0 && !envVarSet("PORT_TWIN_WEB_PORT") {
		c.WebPort = defaultWebPort
	}
	if err := validatePortRange("web", c.WebPort); err != nil {
		return err
	}
	webAddr := c.WebAddr
	if webAddr == "" {
		webAddr = fmt.Sprintf("%s:%d", c.WebBindAddress, c.WebPort)
	}
	parsedWeb, err := netip.ParseAddrPort(webAddr)
	if err != nil {
		return fmt.Errorf("invalid web addr %q: %w", webAddr, err)
	}
	c.webAddr = parsedWeb

	if c.MQTTBindAddress == "" {
		c.MQTTBindAddress = defaultMQTTBindLocal
	}
	if c.MQTTPort == 0 && !envVarSet("PORT_TWIN_MQTT_PORT") {
		c.MQTTPort = defaultMQTTPort
	}
	if err := validatePortRange("MQTT", c.MQTTPort); err != nil {
		return err
	}
	mqttAddr := c.MQTTAddr
	if mqttAddr == "" {
		mqttAddr = fmt.Sprintf("%s:%d", c.MQTTBindAddress, c.MQTTPort)
	}
	parsedMQTT, err := netip.ParseAddrPort(mqttAddr)
	if err != nil {
		return fmt.Errorf("invalid MQTT addr %q: %w", mqttAddr, err)
	}
	c.mqttAddr = parsedMQTT

	return nil
}

// WebAddrPort returns the parsed web listener address.
func (c *Config) WebAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.webAddr
}

// MQTTAddrPort returns the parsed MQTT listener address.
func (c *Config) MQTTAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.mqttAddr
}

// HistoryTimeoutDuration returns the parsed historical query timeout.
func (c *Config) HistoryTimeoutDuration() time.Duration {
	if c.historyTimeout == 0 {
		if d, err := time.ParseDuration(c.HistoryTimeout); err == nil {
			c.historyTimeout = d
		}
	}
	return c.historyTimeout
}

// Location returns the zone that defines calendar days.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return time.UTC
		}
		c.location = loc
	}
	return c.location
}

func (c *Config) ensureParsed() {
	if !c.webAddr.IsValid() || !c.mqttAddr.IsValid() {
		if err := c.parseListenerAddrs(); err != nil {
			panic(fmt.Sprintf("failed to parse listener addresses: %v", err))
		}
	}
}

// SetListenerAddrsForTesting overrides listener addresses in tests.
func (c *Config) SetListenerAddrsForTesting(web, mqtt string) {
	c.webAddr = netip.MustParseAddrPort(web)
	c.mqttAddr = netip.MustParseAddrPort(mqtt)
}

func validatePortRange(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s URL %q: %w", name, raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s URL %q: missing host", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s URL %q: scheme must be one of %v", name, raw, schemes)
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

func validateLogFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}
}

func envVarSet(key string) bool {
	if key == "" {
		return false
	}
	_, ok := os.LookupEnv(key)
	return ok
}
