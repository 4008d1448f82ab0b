package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bind       string   `yaml:"bind"`
	Port       int      `yaml:"port"`
	AllowCIDRs []string `yaml:"allow_cidrs"`

	StateDir     string `yaml:"state_dir"`
	StateBackend string `yaml:"state_backend"`

	RelayHost      string        `yaml:"relay_host"`
	RelayPort      int           `yaml:"relay_port"`
	PortRange      int           `yaml:"port_range"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Debug     bool   `yaml:"debug"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

func Default() Config {
	return Config{
		Bind:           "127.0.0.1",
		Port:           3275,
		AllowCIDRs:     []string{},
		StateDir:       defaultStateDir(),
		StateBackend:   "sqlite",
		RelayHost:      "127.0.0.1",
		RelayPort:      3000,
		PortRange:      100,
		RequestTimeout: 30 * time.Second,
		LogFormat:      "text",
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "devtunnel")
	}
	return filepath.Join(home, ".devtunnel")
}

// Parse builds the configuration from defaults, then the --config YAML file
// if given, then the remaining flags.
func Parse(args []string) (Config, error) {
	cfg := Default()

	if path := configFileArg(args); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		if !strings.HasPrefix(name, "--") {
			continue
		}
		if name == "--debug" {
			if !hasValue {
				cfg.Debug = true
				continue
			}
			v, err := strconv.ParseBool(value)
			if err != nil {
				return Config{}, errors.New("debug must be a boolean")
			}
			cfg.Debug = v
			continue
		}
		if !hasValue {
			if i+1 >= len(args) || args[i+1] == "" {
				continue
			}
			value = args[i+1]
			i++
		}

		switch name {
		case "--config":
		case "--bind":
			cfg.Bind = value
		case "--port":
			v, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, errors.New("port must be an integer")
			}
			cfg.Port = v
		case "--allow-cidr":
			cfg.AllowCIDRs = append(cfg.AllowCIDRs, value)
		case "--state-dir":
			cfg.StateDir = value
		case "--state-backend":
			cfg.StateBackend = value
		case "--relay-host":
			cfg.RelayHost = value
		case "--relay-port":
			v, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, errors.New("relay-port must be an integer")
			}
			cfg.RelayPort = v
		case "--port-range":
			v, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, errors.New("port-range must be an integer")
			}
			cfg.PortRange = v
		case "--request-timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return Config{}, fmt.Errorf("invalid request-timeout: %w", err)
			}
			cfg.RequestTimeout = d
		case "--log-format":
			cfg.LogFormat = value
		case "--log-file":
			cfg.LogFile = value
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// isLoopbackHost reports whether host names the local machine only.
func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if c.RelayPort < 0 || c.RelayPort > 65535 {
		return errors.New("relay-port must be between 0 and 65535")
	}
	if !isLoopbackHost(c.RelayHost) {
		return fmt.Errorf("relay-host must be a loopback address, got %q", c.RelayHost)
	}
	if c.PortRange < 1 {
		return errors.New("port-range must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request-timeout must be positive")
	}
	switch c.StateBackend {
	case "sqlite", "journal":
	default:
		return fmt.Errorf("state-backend must be sqlite or journal, got %q", c.StateBackend)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log-format must be text or json, got %q", c.LogFormat)
	}
	for _, cidr := range c.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid CIDR: %s", cidr)
		}
	}
	return nil
}

func configFileArg(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func IsAllowedClient(ip net.IP, allowCIDRs []string) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	if len(allowCIDRs) == 0 {
		return true
	}
	for _, cidr := range allowCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
