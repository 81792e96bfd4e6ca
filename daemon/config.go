package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/toolgate/transport"
)

const (
	projectConfigName = "toolgate.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".toolgate"

	envPrefix = "TOOLGATE_"
)

// Config is the gateway configuration. Durations are YAML strings ("30s").
type Config struct {
	Pipe      PipeConfig      `yaml:"pipe"`
	Tools     ToolsConfig     `yaml:"tools"`
	HTTP      HTTPConfig      `yaml:"http"`
	Scripts   ScriptsConfig   `yaml:"scripts"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// PipeConfig configures the remote peer endpoint.
type PipeConfig struct {
	// Network is "unix" or "tcp".
	Network      string        `yaml:"network"`
	Address      string        `yaml:"address"`
	Timeout      time.Duration `yaml:"timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

// ToolsConfig locates tool definitions.
type ToolsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// HTTPConfig configures the HTTP API. An empty Addr disables it.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	MaxBody int64  `yaml:"max_body"`
}

// ScriptsConfig configures the script runner handler and adapter probe.
type ScriptsConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
}

// JournalConfig configures the call journal. An empty Path disables it.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// TelemetryConfig configures trace export. An empty OTLPEndpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Pipe: PipeConfig{
			Network:      "unix",
			Address:      filepath.Join(os.TempDir(), "toolgate.sock"),
			Timeout:      transport.DefaultTimeout,
			PingInterval: transport.DefaultPingInterval,
			PingTimeout:  transport.DefaultPingTimeout,
		},
		Tools: ToolsConfig{
			Dir:   "tools",
			Watch: true,
		},
		HTTP: HTTPConfig{
			Addr:    "127.0.0.1:8780",
			MaxBody: 1 << 20,
		},
		Scripts: ScriptsConfig{
			Command: "pyrevit",
			Args:    []string{"run"},
			Timeout: 120 * time.Second,
		},
		Journal: JournalConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DiscoverConfigPath resolves the config location with first-match semantics.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig returns DefaultConfig overlaid with the YAML file at path (if
// any) and then with TOOLGATE_* environment variables. Relative tool and
// journal paths in the file resolve against the file's directory.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if clean := strings.TrimSpace(path); clean != "" {
		if err := cfg.loadFile(clean); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	file := *c
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config %q: %w", path, err)
	}
	// A second, zero-based decode tells which paths the file itself set.
	var set Config
	_ = yaml.Unmarshal(data, &set)
	baseDir := filepath.Dir(path)
	if set.Tools.Dir != "" {
		file.Tools.Dir = resolveConfigRelative(baseDir, expandEnvValue(set.Tools.Dir))
	}
	if set.Journal.Path != "" && set.Journal.Path != ":memory:" {
		file.Journal.Path = resolveConfigRelative(baseDir, expandEnvValue(set.Journal.Path))
	}
	file.Pipe.Address = expandEnvValue(file.Pipe.Address)
	*c = file
	return nil
}

// ApplyEnv overrides fields from TOOLGATE_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := parseEnvDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("PIPE_NETWORK", &c.Pipe.Network)
	str("PIPE_ADDRESS", &c.Pipe.Address)
	str("TOOLS_DIR", &c.Tools.Dir)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("PYREVIT_COMMAND", &c.Scripts.Command)
	str("JOURNAL_PATH", &c.Journal.Path)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(
		dur("PIPE_TIMEOUT", &c.Pipe.Timeout),
		dur("PING_INTERVAL", &c.Pipe.PingInterval),
		dur("PING_TIMEOUT", &c.Pipe.PingTimeout),
		dur("SCRIPT_TIMEOUT", &c.Scripts.Timeout),
		boolean("WATCH_TOOLS", &c.Tools.Watch),
		boolean("OTLP_INSECURE", &c.Telemetry.Insecure),
	)
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	switch c.Pipe.Network {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		errs = append(errs, fmt.Errorf("pipe.network %q must be unix or tcp", c.Pipe.Network))
	}
	if strings.TrimSpace(c.Pipe.Address) == "" {
		errs = append(errs, errors.New("pipe.address is required"))
	}
	if c.Pipe.Timeout <= 0 {
		errs = append(errs, errors.New("pipe.timeout must be positive"))
	}
	if c.Pipe.PingInterval <= 0 || c.Pipe.PingTimeout <= 0 {
		errs = append(errs, errors.New("pipe.ping_interval and pipe.ping_timeout must be positive"))
	}
	if strings.TrimSpace(c.Tools.Dir) == "" {
		errs = append(errs, errors.New("tools.dir is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("daemon: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// parseEnvDuration accepts Go durations ("30s") or plain seconds ("2.5").
func parseEnvDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
