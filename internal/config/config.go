package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"fiberwatch/internal/maps"
)

// Configuration system:
// - config.example.toml is generated with -generate-config
// - Use brief comments here for reference only

// AppConfig represents the complete application configuration
type AppConfig struct {
	Server  ServerConfig  `toml:"server"`
	Gate    GateConfig    `toml:"gate"`
	Records RecordsConfig `toml:"records"`
	Runtime RuntimeConfig `toml:"runtime"`
	Agent   AgentConfig   `toml:"agent"`
	Logging LoggingConfig `toml:"logging"`
}

// Duration is a time.Duration that reads and writes as a TOML string ("10ms").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Stuck wait policies.
const (
	StuckPolicyPanic    = "panic"
	StuckPolicyContinue = "continue"
)

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: true)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// GateConfig tunes the transition gate wait loops.
type GateConfig struct {
	// Re-check period of every blocking wait (default: "10ms")
	WaitInterval Duration `toml:"wait_interval"`

	// Timed-out waits tolerated before a wait is declared stuck (default: 50000)
	MaxWaitAttempts int `toml:"max_wait_attempts"`

	// What to do with a stuck wait: "panic" or "continue" (default: "continue")
	StuckPolicy string `toml:"stuck_policy"`

	// Trap protocol misuse with a panic instead of logging it (default: false)
	Assertions bool `toml:"assertions"`

	// Arm the sync protocol at startup instead of on the first suspend (default: false)
	SyncProtocolAlwaysOn bool `toml:"sync_protocol_always_on"`
}

// RecordsConfig contains thread record bookkeeping settings.
type RecordsConfig struct {
	// Maximum live records, 0 means unlimited (default: 0)
	MaxRecords int `toml:"max_records"`

	// Period of the deferred reclaim pass (default: "5s")
	CleanupInterval Duration `toml:"cleanup_interval"`
}

// RuntimeConfig describes the simulated fiber workload.
type RuntimeConfig struct {
	// Number of carrier threads (default: 4)
	Carriers int `toml:"carriers"`

	// Number of fibers kept alive; finished fibers are replaced (default: 64)
	Fibers int `toml:"fibers"`

	// Steps a fiber runs before it terminates (default: 100)
	StepsPerFiber int `toml:"steps_per_fiber"`

	// Simulated duration of one step (default: "1ms")
	StepDuration Duration `toml:"step_duration"`

	// Backend for id tables: "xsync", "cornelk", "sharded" (default: "xsync")
	MapImplementation string `toml:"map_implementation"`
}

// AgentConfig drives the built-in debugging agent.
type AgentConfig struct {
	// Run the agent loop (default: true)
	Enabled bool `toml:"enabled"`

	// Period between suspend rounds (default: "2s")
	SuspendInterval Duration `toml:"suspend_interval"`

	// How long fibers stay suspended in one round (default: "50ms")
	SuspendDuration Duration `toml:"suspend_duration"`

	// Percentage of rounds that suspend a single fiber instead of all (default: 50)
	SingleTargetRatio int `toml:"single_target_ratio"`

	// Post fiber lifecycle events to the agent environment (default: true)
	NotifyEvents bool `toml:"notify_events"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false: "auto", "logfmt", "glog" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "fiberwatch")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
			PprofEnabled:  true,
		},
		Gate: GateConfig{
			WaitInterval:    Duration{10 * time.Millisecond},
			MaxWaitAttempts: 50000,
			StuckPolicy:     StuckPolicyContinue,
		},
		Records: RecordsConfig{
			MaxRecords:      0,
			CleanupInterval: Duration{5 * time.Second},
		},
		Runtime: RuntimeConfig{
			Carriers:          4,
			Fibers:            64,
			StepsPerFiber:     100,
			StepDuration:      Duration{time.Millisecond},
			MapImplementation: maps.ImplXSync,
		},
		Agent: AgentConfig{
			Enabled:           true,
			SuspendInterval:   Duration{2 * time.Second},
			SuspendDuration:   Duration{50 * time.Millisecond},
			SingleTargetRatio: 50,
			NotifyEvents:      true,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/fiberwatch.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network: "udp",
						Address: "localhost:514",
						Tag:     "fiberwatch",
						Marker:  "@cee:",
						Async:   true,
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults.
// A missing file yields the defaults together with an error.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# fiberwatch Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	if c.Gate.WaitInterval.Duration <= 0 {
		return fmt.Errorf("gate.wait_interval must be positive")
	}
	if c.Gate.MaxWaitAttempts <= 0 {
		return fmt.Errorf("gate.max_wait_attempts must be positive")
	}
	switch c.Gate.StuckPolicy {
	case StuckPolicyPanic, StuckPolicyContinue:
	default:
		return fmt.Errorf("gate.stuck_policy must be %q or %q, got %q",
			StuckPolicyPanic, StuckPolicyContinue, c.Gate.StuckPolicy)
	}

	if c.Records.MaxRecords < 0 {
		return fmt.Errorf("records.max_records cannot be negative")
	}
	if c.Records.CleanupInterval.Duration <= 0 {
		return fmt.Errorf("records.cleanup_interval must be positive")
	}

	if c.Runtime.Carriers <= 0 {
		return fmt.Errorf("runtime.carriers must be positive")
	}
	if c.Runtime.Fibers < 0 {
		return fmt.Errorf("runtime.fibers cannot be negative")
	}
	if c.Runtime.StepsPerFiber <= 0 {
		return fmt.Errorf("runtime.steps_per_fiber must be positive")
	}
	if !maps.ValidImplementation(c.Runtime.MapImplementation) {
		return fmt.Errorf("runtime.map_implementation: unknown implementation %q", c.Runtime.MapImplementation)
	}

	if c.Agent.Enabled {
		if c.Agent.SuspendInterval.Duration <= 0 {
			return fmt.Errorf("agent.suspend_interval must be positive")
		}
		if c.Agent.SingleTargetRatio < 0 || c.Agent.SingleTargetRatio > 100 {
			return fmt.Errorf("agent.single_target_ratio must be within [0, 100]")
		}
	}

	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	GenerateConfig string
	Carriers       int
}

// NewConfig creates a new configuration by parsing flags and loading the config file.
// A nil config with a nil error means the program should exit cleanly.
func NewConfig() (*AppConfig, error) {
	flags := &Flags{}

	flag.StringVar(&flags.ListenAddress,
		"web.listen-address",
		"localhost:9190",
		"Address to listen on for web interface and telemetry.")
	flag.StringVar(&flags.MetricsPath,
		"web.telemetry-path",
		"/metrics",
		"Path under which to expose metrics.")
	flag.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	flag.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	flag.IntVar(&flags.Carriers,
		"runtime.carriers",
		4,
		"Number of carrier threads.")
	flag.Parse()

	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Printf("Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil
	}

	config := DefaultConfig()
	if flags.ConfigPath != "" {
		var err error
		config, err = LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	// Flags override the file only when set explicitly.
	if isFlagPassed("web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if isFlagPassed("web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if isFlagPassed("runtime.carriers") {
		config.Runtime.Carriers = flags.Carriers
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
