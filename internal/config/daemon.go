package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rennerdo30/tunnelkeeper/internal/logging"
	"github.com/rennerdo30/tunnelkeeper/internal/network"
)

// DefaultConfigFile is the config path used when none is given.
const DefaultConfigFile = "tunnelkeeper.yaml"

// DaemonConfig is the main configuration for the tunnelkeeper daemon.
type DaemonConfig struct {
	API          APIConfig          `yaml:"api" json:"api" envconfig:"API"`
	OpenVPN      OpenVPNConfig      `yaml:"openvpn" json:"openvpn" envconfig:"OPENVPN"`
	Monitor      MonitorConfig      `yaml:"monitor" json:"monitor" envconfig:"MONITOR"`
	Adapters     AdaptersConfig     `yaml:"adapters" json:"adapters" envconfig:"ADAPTERS"`
	NetworkReset NetworkResetConfig `yaml:"network_reset" json:"network_reset" envconfig:"NETWORK_RESET"`
	Logging      logging.Config     `yaml:"logging" json:"logging" envconfig:"LOGGING"`
}

// APIConfig contains the loopback control API settings.
type APIConfig struct {
	Listen         string   `yaml:"listen" json:"listen" envconfig:"LISTEN"`
	MaxConnections int      `yaml:"max_connections" json:"max_connections" envconfig:"MAX_CONNECTIONS"` // 0 = unlimited
	Metrics        bool     `yaml:"metrics" json:"metrics" envconfig:"METRICS"`
	ReadTimeout    Duration `yaml:"read_timeout" json:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout   Duration `yaml:"write_timeout" json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	Token          string   `yaml:"token,omitempty" json:"-" envconfig:"TOKEN"` // optional shared secret
}

// OpenVPNConfig describes how the VPN subprocess is launched.
type OpenVPNConfig struct {
	Binary      string   `yaml:"binary" json:"binary" envconfig:"BINARY"`
	WorkDir     string   `yaml:"work_dir,omitempty" json:"work_dir,omitempty" envconfig:"WORK_DIR"`
	AuthDir     string   `yaml:"auth_dir" json:"auth_dir" envconfig:"AUTH_DIR"`
	StopTimeout Duration `yaml:"stop_timeout" json:"stop_timeout" envconfig:"STOP_TIMEOUT"`
	Env         []string `yaml:"env,omitempty" json:"env,omitempty" envconfig:"EXTRA_ENV"`
}

// MonitorConfig contains log monitor settings.
type MonitorConfig struct {
	LogDir       string   `yaml:"log_dir" json:"log_dir" envconfig:"LOG_DIR"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval" envconfig:"POLL_INTERVAL"`
}

// AdaptersConfig contains virtual adapter accounting settings.
type AdaptersConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	Command            []string `yaml:"command" json:"command" envconfig:"COMMAND"`
	AdapterMarker      string   `yaml:"adapter_marker" json:"adapter_marker" envconfig:"ADAPTER_MARKER"`
	DisconnectedMarker string   `yaml:"disconnected_marker" json:"disconnected_marker" envconfig:"DISCONNECTED_MARKER"`
	RefreshInterval    Duration `yaml:"refresh_interval" json:"refresh_interval" envconfig:"REFRESH_INTERVAL"`
}

// NetworkResetConfig lists the commands run by a network reset, in order.
type NetworkResetConfig struct {
	Enabled  bool       `yaml:"enabled" json:"enabled" envconfig:"ENABLED"`
	Commands [][]string `yaml:"commands" json:"commands" ignored:"true"`
}

// DataDir returns the platform directory for daemon state.
func DataDir() string {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("PROGRAMDATA"); dir != "" {
			return filepath.Join(dir, "tunnelkeeper")
		}
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "tunnelkeeper")
	}
	return filepath.Join(os.TempDir(), "tunnelkeeper")
}

// DefaultDaemonConfig returns a daemon configuration with sensible defaults.
func DefaultDaemonConfig() DaemonConfig {
	windows := runtime.GOOS == "windows"
	dataDir := DataDir()

	return DaemonConfig{
		API: APIConfig{
			Listen:         "127.0.0.1:9770",
			MaxConnections: 64,
			Metrics:        true,
			ReadTimeout:    Duration(30 * time.Second),
			WriteTimeout:   Duration(30 * time.Second),
		},
		OpenVPN: OpenVPNConfig{
			Binary:      "openvpn",
			AuthDir:     filepath.Join(os.TempDir(), "tunnelkeeper"),
			StopTimeout: Duration(5 * time.Second),
		},
		Monitor: MonitorConfig{
			LogDir:       filepath.Join(dataDir, "logs"),
			PollInterval: Duration(100 * time.Millisecond),
		},
		Adapters: AdaptersConfig{
			Enabled:            windows,
			Command:            network.DefaultAdapterCommand(),
			AdapterMarker:      network.DefaultAdapterMarker,
			DisconnectedMarker: network.DefaultDisconnectedMarker,
			RefreshInterval:    Duration(30 * time.Second),
		},
		NetworkReset: NetworkResetConfig{
			Enabled:  windows,
			Commands: network.DefaultResetCommands(),
		},
		Logging: logging.DefaultConfig(),
	}
}

// Validate validates the daemon configuration.
func (c *DaemonConfig) Validate() error {
	if err := validateLoopback(c.API.Listen); err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	if c.API.MaxConnections < 0 {
		return fmt.Errorf("api max_connections must be non-negative")
	}

	if strings.TrimSpace(c.OpenVPN.Binary) == "" {
		return fmt.Errorf("openvpn binary is required")
	}
	if c.OpenVPN.AuthDir == "" {
		return fmt.Errorf("openvpn auth_dir is required")
	}
	if c.OpenVPN.StopTimeout.Duration() <= 0 {
		return fmt.Errorf("openvpn stop_timeout must be positive")
	}

	if c.Monitor.LogDir == "" {
		return fmt.Errorf("monitor log_dir is required")
	}
	if c.Monitor.PollInterval.Duration() <= 0 {
		return fmt.Errorf("monitor poll_interval must be positive")
	}

	if c.Adapters.Enabled {
		if len(c.Adapters.Command) == 0 || c.Adapters.Command[0] == "" {
			return fmt.Errorf("adapters command is required when adapters are enabled")
		}
		if c.Adapters.AdapterMarker == "" {
			return fmt.Errorf("adapters adapter_marker is required when adapters are enabled")
		}
		if c.Adapters.RefreshInterval.Duration() < time.Second {
			return fmt.Errorf("adapters refresh_interval must be at least 1s")
		}
	}

	if c.NetworkReset.Enabled {
		if len(c.NetworkReset.Commands) == 0 {
			return fmt.Errorf("network_reset commands are required when network reset is enabled")
		}
		for i, cmd := range c.NetworkReset.Commands {
			if len(cmd) == 0 || cmd[0] == "" {
				return fmt.Errorf("network_reset command %d is empty", i)
			}
		}
	}

	return nil
}

// validateLoopback checks that addr is host:port with a loopback host.
func validateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be in host:port format (e.g., '127.0.0.1:9770'): %w", err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("must bind a loopback address, got %q", host)
	}
	return nil
}

// LoadDaemonConfig builds the daemon configuration from defaults, the file
// at path and the environment. A missing file is tolerated when optional is
// set, in which case defaults and environment overrides are used.
func LoadDaemonConfig(path string, optional bool) (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()

	if path != "" {
		err := Load(path, &cfg)
		if err != nil && !(optional && errors.Is(err, fs.ErrNotExist)) {
			return cfg, err
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
