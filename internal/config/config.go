package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/thatsimonsguy/sprinkler-bridge/internal/model"
)

const (
	DefaultPollIntervalSeconds   = 15
	DefaultRequestTimeoutSeconds = 10
	DefaultCommandGraceSeconds   = 2
	DefaultOfflineAlertMinutes   = 10
	DefaultTopicPrefix           = "opensprinkler"
	DefaultDBPath                = "data/sprinkler.db"
)

// ConfigurationError collects every problem found in a configuration. It is
// fatal at startup: no irrigation system is created from an invalid config.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

type Password struct {
	Plain string `json:"plain"`
	MD5   string `json:"md5"`
}

type MQTT struct {
	Broker      string `json:"broker"`
	TopicPrefix string `json:"topic_prefix"`
	ClientID    string `json:"client_id"`
}

type Config struct {
	ConfigFile string        `json:"-"`
	LogLevel   zerolog.Level `json:"-"`
	LogFile    string        `json:"log_file"`
	DBPath     string        `json:"db_path"`

	Host     string   `json:"host"`
	Password Password `json:"password"`
	DeviceID string   `json:"device_id"`

	Valves []model.ValveConfig `json:"valves"`

	PollIntervalSeconds   int  `json:"poll_interval_seconds"`
	RequestTimeoutSeconds int  `json:"request_timeout_seconds"`
	CommandGraceSeconds   *int `json:"command_grace_seconds"`
	RainDelayHours        int  `json:"rain_delay_hours"`
	OfflineAlertMinutes   int  `json:"offline_alert_minutes"`

	MQTT    MQTT `json:"mqtt"`
	APIPort int  `json:"api_port"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic"`
}

// Load parses command line flags and the config file they point at.
func Load() (*Config, error) {
	var configFile, logLevel, logFile, dbPath string

	flag.StringVar(&configFile, "config-file", "config.json", "Path to bridge config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFile, "log-file", "", "Optional log file, in addition to stdout")
	flag.StringVar(&dbPath, "db-path", "", "Path to the SQLite database (overrides config)")
	flag.Parse()

	cfg, err := LoadFile(configFile)
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = ParseLogLevel(logLevel)
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("read config file %s: %v", path, err)}}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ConfigFile = path
	return cfg, nil
}

// Parse decodes a JSON config, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigurationError{Problems: []string{"parse config: " + err.Error()}}
	}
	cfg.LogLevel = zerolog.InfoLevel
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func ParseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if cfg.RequestTimeoutSeconds == 0 {
		cfg.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}
	// 0 disables the grace window, so only a missing value gets the default.
	if cfg.CommandGraceSeconds == nil {
		grace := DefaultCommandGraceSeconds
		cfg.CommandGraceSeconds = &grace
	}
	if cfg.OfflineAlertMinutes == 0 {
		cfg.OfflineAlertMinutes = DefaultOfflineAlertMinutes
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
}

func (cfg *Config) validate() error {
	var problems []string

	if strings.TrimSpace(cfg.Host) == "" {
		problems = append(problems, "host is required")
	}

	switch {
	case cfg.Password.Plain == "" && cfg.Password.MD5 == "":
		problems = append(problems, "password.plain or password.md5 is required")
	case cfg.Password.Plain != "" && cfg.Password.MD5 != "":
		problems = append(problems, "only one of password.plain and password.md5 may be set")
	case cfg.Password.MD5 != "" && !isMD5Hex(cfg.Password.MD5):
		problems = append(problems, "password.md5 must be 32 hex characters")
	}

	if len(cfg.Valves) == 0 {
		problems = append(problems, "at least one valve is required")
	}
	names := map[string]int{}
	slugs := map[string]string{}
	slots := map[int]string{}
	for i, v := range cfg.Valves {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("valves[%d].name is required", i))
		} else if other, exists := names[name]; exists {
			problems = append(problems, fmt.Sprintf("valves[%d] and valves[%d] both use name %q", other, i, name))
		} else {
			names[name] = i
			slug := model.Slug(name)
			if slug == "" {
				problems = append(problems, fmt.Sprintf("valves[%d].name %q needs at least one letter or digit", i, name))
			} else if other, exists := slugs[slug]; exists {
				problems = append(problems, fmt.Sprintf("valves %q and %q map to the same topic %q", other, name, slug))
			} else {
				slugs[slug] = name
			}
		}

		if v.DefaultDuration <= 0 {
			problems = append(problems, fmt.Sprintf("valves[%d].default_duration must be greater than 0", i))
		}

		slot := v.SlotIndex(i)
		if slot < 0 {
			problems = append(problems, fmt.Sprintf("valves[%d].index must not be negative", i))
		} else if other, exists := slots[slot]; exists {
			problems = append(problems, fmt.Sprintf("valves %q and %q both use index %d", other, v.Name, slot))
		} else {
			slots[slot] = v.Name
		}
	}

	if cfg.PollIntervalSeconds < 0 {
		problems = append(problems, "poll_interval_seconds must not be negative")
	}
	if cfg.RequestTimeoutSeconds < 0 {
		problems = append(problems, "request_timeout_seconds must not be negative")
	}
	if cfg.CommandGraceSeconds != nil && *cfg.CommandGraceSeconds < 0 {
		problems = append(problems, "command_grace_seconds must not be negative")
	}
	if cfg.OfflineAlertMinutes < 0 {
		problems = append(problems, "offline_alert_minutes must not be negative")
	}
	if cfg.RainDelayHours < 0 {
		problems = append(problems, "rain_delay_hours must not be negative")
	}
	if cfg.APIPort < 0 || cfg.APIPort > 65535 {
		problems = append(problems, "api_port must be between 0 and 65535")
	}
	if cfg.EnableDatadog && cfg.DDAgentAddr == "" {
		problems = append(problems, "dd_agent_addr is required when enable_datadog is set")
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// PasswordHash returns the MD5 hex digest the controller expects in "pw".
func (cfg *Config) PasswordHash() string {
	if cfg.Password.Plain != "" {
		sum := md5.Sum([]byte(cfg.Password.Plain))
		return hex.EncodeToString(sum[:])
	}
	return strings.ToLower(cfg.Password.MD5)
}

func (cfg *Config) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

func (cfg *Config) RequestTimeout() time.Duration {
	return time.Duration(cfg.RequestTimeoutSeconds) * time.Second
}

func (cfg *Config) OfflineAlertAfter() time.Duration {
	return time.Duration(cfg.OfflineAlertMinutes) * time.Minute
}

func (cfg *Config) CommandGrace() time.Duration {
	if cfg.CommandGraceSeconds == nil {
		return DefaultCommandGraceSeconds * time.Second
	}
	return time.Duration(*cfg.CommandGraceSeconds) * time.Second
}

// RainDelayEnabled reports whether the rain-delay switch is exposed.
func (cfg *Config) RainDelayEnabled() bool {
	return cfg.RainDelayHours > 0
}

func isMD5Hex(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
