package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults used by the CLI flags. MergeWithFileConfig treats a field still
// holding its default as unset on the command line.
const (
	DefaultLevel             = 1
	DefaultOutputDir         = "sealtap-sessions"
	DefaultListenAddr        = "127.0.0.1:8080"
	DefaultDNSIP             = "127.0.53.1"
	DefaultDNSPort           = 53
	DefaultHTTPSPort         = 443
	DefaultHTTPPort          = 80
	DefaultConnectionTimeout = 30
	DefaultSOCKS5Address     = "127.0.0.1:1080"
	DefaultMirrorPort        = 8081
)

var (
	// ErrInvalidLevel is returned for capture levels outside 1-4
	ErrInvalidLevel = errors.New("invalid capture level")
	// ErrInvalidPort is returned for ports outside 1-65535
	ErrInvalidPort = errors.New("invalid port")
	// ErrPortConflict is returned when two listeners would share a port
	ErrPortConflict = errors.New("port conflict")
	// ErrCommandNeedsTransparent is returned when a command is given without transparent mode
	ErrCommandNeedsTransparent = errors.New("running a command requires --transparent")
)

// Config holds the application configuration
type Config struct {
	// Recording
	Level     int
	OutputDir string // Parent directory of session directories

	// Explicit proxy
	ListenAddr string

	// Certificates
	CADir  string
	KeepCA bool // Keep CA directory after exit

	// Transparent interception (DNS mapping to loopback addresses)
	Transparent bool
	DNSIP       string
	DNSPort     int
	HTTPSPort   int
	EnableHTTP  bool // Also intercept plain HTTP on HTTPPort
	HTTPPort    int

	// Upstream connections
	Insecure          bool // Skip upstream certificate verification
	ConnectionTimeout int  // Seconds

	// SOCKS5 proxy for upstream connections
	SOCKS5Enabled  bool
	SOCKS5Address  string
	SOCKS5Username string
	SOCKS5Password string

	// Plaintext mirror of decrypted exchanges for Wireshark
	EnableMirror bool
	MirrorPort   int

	// Console output
	Verbose bool
	Quiet   bool

	// ConfigFile is the file the configuration was merged from, if any
	ConfigFile string

	// Command is run in a private mount namespace; the session ends when it exits
	Command     string
	CommandArgs []string
}

// Default returns a configuration holding every default value
func Default() *Config {
	return &Config{
		Level:             DefaultLevel,
		OutputDir:         DefaultOutputDir,
		ListenAddr:        DefaultListenAddr,
		DNSIP:             DefaultDNSIP,
		DNSPort:           DefaultDNSPort,
		HTTPSPort:         DefaultHTTPSPort,
		HTTPPort:          DefaultHTTPPort,
		ConnectionTimeout: DefaultConnectionTimeout,
		SOCKS5Address:     DefaultSOCKS5Address,
		MirrorPort:        DefaultMirrorPort,
	}
}

// FileConfig represents the configuration file structure. Pointer fields
// distinguish "absent" from zero values.
type FileConfig struct {
	Level     *int    `json:"level,omitempty" yaml:"level,omitempty"`
	OutputDir *string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`

	ListenAddr *string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`

	CADir  *string `json:"ca_dir,omitempty" yaml:"ca_dir,omitempty"`
	KeepCA *bool   `json:"keep_ca,omitempty" yaml:"keep_ca,omitempty"`

	Transparent *bool   `json:"transparent,omitempty" yaml:"transparent,omitempty"`
	DNSIP       *string `json:"dns_ip,omitempty" yaml:"dns_ip,omitempty"`
	DNSPort     *int    `json:"dns_port,omitempty" yaml:"dns_port,omitempty"`
	HTTPSPort   *int    `json:"https_port,omitempty" yaml:"https_port,omitempty"`
	EnableHTTP  *bool   `json:"enable_http,omitempty" yaml:"enable_http,omitempty"`
	HTTPPort    *int    `json:"http_port,omitempty" yaml:"http_port,omitempty"`

	Insecure          *bool `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ConnectionTimeout *int  `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`

	SOCKS5Enabled  *bool   `json:"socks5_enabled,omitempty" yaml:"socks5_enabled,omitempty"`
	SOCKS5Address  *string `json:"socks5_address,omitempty" yaml:"socks5_address,omitempty"`
	SOCKS5Username *string `json:"socks5_username,omitempty" yaml:"socks5_username,omitempty"`
	SOCKS5Password *string `json:"socks5_password,omitempty" yaml:"socks5_password,omitempty"`

	EnableMirror *bool `json:"enable_mirror,omitempty" yaml:"enable_mirror,omitempty"`
	MirrorPort   *int  `json:"mirror_port,omitempty" yaml:"mirror_port,omitempty"`

	Verbose *bool `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Quiet   *bool `json:"quiet,omitempty" yaml:"quiet,omitempty"`
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sealtap")
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config", "sealtap")
	}

	return ".sealtap"
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// LoadConfigFile loads configuration from a JSON or YAML file, chosen by
// extension. A missing file yields an empty configuration.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, err
	}

	var config FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	return &config, nil
}

// MergeWithFileConfig merges file configuration with CLI configuration
// CLI parameters take precedence over file configuration
func (c *Config) MergeWithFileConfig(fc *FileConfig) {
	// Recording
	if fc.Level != nil && c.Level == DefaultLevel {
		c.Level = *fc.Level
	}
	if fc.OutputDir != nil && c.OutputDir == DefaultOutputDir {
		c.OutputDir = *fc.OutputDir
	}

	if fc.ListenAddr != nil && c.ListenAddr == DefaultListenAddr {
		c.ListenAddr = *fc.ListenAddr
	}

	// Certificates
	if fc.CADir != nil && c.CADir == "" {
		c.CADir = *fc.CADir
	}
	if fc.KeepCA != nil && !c.KeepCA {
		c.KeepCA = *fc.KeepCA
	}

	// Transparent interception
	if fc.Transparent != nil && !c.Transparent {
		c.Transparent = *fc.Transparent
	}
	if fc.DNSIP != nil && c.DNSIP == DefaultDNSIP {
		c.DNSIP = *fc.DNSIP
	}
	if fc.DNSPort != nil && c.DNSPort == DefaultDNSPort {
		c.DNSPort = *fc.DNSPort
	}
	if fc.HTTPSPort != nil && c.HTTPSPort == DefaultHTTPSPort {
		c.HTTPSPort = *fc.HTTPSPort
	}
	if fc.EnableHTTP != nil && !c.EnableHTTP {
		c.EnableHTTP = *fc.EnableHTTP
	}
	if fc.HTTPPort != nil && c.HTTPPort == DefaultHTTPPort {
		c.HTTPPort = *fc.HTTPPort
	}

	// Upstream connections
	if fc.Insecure != nil && !c.Insecure {
		c.Insecure = *fc.Insecure
	}
	if fc.ConnectionTimeout != nil && c.ConnectionTimeout == DefaultConnectionTimeout {
		c.ConnectionTimeout = *fc.ConnectionTimeout
	}

	// SOCKS5 proxy settings
	if fc.SOCKS5Enabled != nil && !c.SOCKS5Enabled {
		c.SOCKS5Enabled = *fc.SOCKS5Enabled
	}
	if fc.SOCKS5Address != nil && c.SOCKS5Address == DefaultSOCKS5Address {
		c.SOCKS5Address = *fc.SOCKS5Address
	}
	if fc.SOCKS5Username != nil && c.SOCKS5Username == "" {
		c.SOCKS5Username = *fc.SOCKS5Username
	}
	if fc.SOCKS5Password != nil && c.SOCKS5Password == "" {
		c.SOCKS5Password = *fc.SOCKS5Password
	}

	// Mirror
	if fc.EnableMirror != nil && !c.EnableMirror {
		c.EnableMirror = *fc.EnableMirror
	}
	if fc.MirrorPort != nil && c.MirrorPort == DefaultMirrorPort {
		c.MirrorPort = *fc.MirrorPort
	}

	// Console output
	if fc.Verbose != nil && !c.Verbose {
		c.Verbose = *fc.Verbose
	}
	if fc.Quiet != nil && !c.Quiet {
		c.Quiet = *fc.Quiet
	}
}

// Validate checks ranges and listener conflicts
func (c *Config) Validate() error {
	if c.Level < 1 || c.Level > 4 {
		return fmt.Errorf("%w %d, must be between 1 and 4", ErrInvalidLevel, c.Level)
	}
	if c.ConnectionTimeout < 0 {
		return fmt.Errorf("connection-timeout must be >= 0")
	}
	if c.SOCKS5Enabled && c.SOCKS5Address == "" {
		return fmt.Errorf("socks5 is enabled but no socks5 address is set")
	}
	if c.EnableMirror {
		if c.MirrorPort < 1 || c.MirrorPort > 65535 {
			return fmt.Errorf("%w: mirror-port %d must be between 1 and 65535", ErrInvalidPort, c.MirrorPort)
		}
		if _, port, err := net.SplitHostPort(c.ListenAddr); err == nil && port == strconv.Itoa(c.MirrorPort) {
			return fmt.Errorf("%w: mirror-port cannot be the same as the proxy listen port", ErrPortConflict)
		}
	}

	if c.Command != "" && !c.Transparent {
		return ErrCommandNeedsTransparent
	}

	if !c.Transparent {
		return nil
	}

	ports := map[string]int{"dns-port": c.DNSPort, "https-port": c.HTTPSPort}
	if c.EnableHTTP {
		ports["http-port"] = c.HTTPPort
	}
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s %d must be between 1 and 65535", ErrInvalidPort, name, port)
		}
	}
	if c.EnableHTTP && c.HTTPPort == c.HTTPSPort {
		return fmt.Errorf("%w: http-port cannot be the same as https-port", ErrPortConflict)
	}
	return nil
}
