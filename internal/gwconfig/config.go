// Package gwconfig handles gateway configuration loading.
package gwconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/thin-edge-sandbox/tedge-gateway/internal/obs"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first. Then: ./tedge-gateway.yaml,
// ~/.config/tedge-gateway/config.yaml, /etc/tedge-gateway/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"tedge-gateway.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tedge-gateway", "config.yaml"))
	}

	paths = append(paths, "/etc/tedge-gateway/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all tedged configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Dirs      DirsConfig      `yaml:"dirs"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Queues    QueuesConfig    `yaml:"queues"`
	DeviceID  string          `yaml:"device_id"`
	LogLevel  string          `yaml:"log_level"`
	MetricsOn bool            `yaml:"metrics_enabled"`
	MetricsAddr string        `yaml:"metrics_address"`
}

// MQTTConfig configures the connection to the local broker.
type MQTTConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	RootPrefix     string `yaml:"root_prefix"`
	TLS            bool   `yaml:"tls"`
	CAFile         string `yaml:"ca_file"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
}

// CloudConfig configures the upstream HTTP/cloud endpoint used by the
// HTTP client actor, the JWT retriever, and the cloud mapper.
type CloudConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	TenantID    string `yaml:"tenant_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ProxyPort   int    `yaml:"proxy_port"`
}

// DirsConfig lists the directories tedged reads and writes under.
type DirsConfig struct {
	StateDir    string `yaml:"state_dir"`
	LogDir      string `yaml:"log_dir"`
	DataDir     string `yaml:"data_dir"`
	ConfigDir   string `yaml:"config_dir"`
	WorkflowDir string `yaml:"workflow_dir"`
	RunDir      string `yaml:"run_dir"`
}

// WorkflowConfig configures the script action launcher used by
// operation workflows to run actions outside the tedged process.
type WorkflowConfig struct {
	LauncherUser  string `yaml:"launcher_user"`
	LauncherGroup string `yaml:"launcher_group"`
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// QueuesConfig sizes the bounded mailboxes wired at startup.
type QueuesConfig struct {
	MQTTFanoutDepth int `yaml:"mqtt_fanout_depth"`
	WorkflowDepth   int `yaml:"workflow_depth"`
	HTTPDepth       int `yaml:"http_depth"`
	TransferDepth   int `yaml:"transfer_depth"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for unset fields, and validates the
// result. After Load returns successfully, every field is usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${TEDGE_CLOUD_PASSWORD}). A
	// convenience for container/systemd EnvironmentFile deployments.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.MQTT.Host == "" {
		c.MQTT.Host = "localhost"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ClientIDPrefix == "" {
		c.MQTT.ClientIDPrefix = "tedged"
	}
	if c.MQTT.RootPrefix == "" {
		c.MQTT.RootPrefix = "te"
	}
	if c.DeviceID == "" {
		c.DeviceID = "main"
	}
	if c.Dirs.StateDir == "" {
		c.Dirs.StateDir = "/var/lib/tedge-gateway"
	}
	if c.Dirs.LogDir == "" {
		c.Dirs.LogDir = "/var/log/tedge-gateway"
	}
	if c.Dirs.DataDir == "" {
		c.Dirs.DataDir = "/var/lib/tedge-gateway/data"
	}
	if c.Dirs.ConfigDir == "" {
		c.Dirs.ConfigDir = "/etc/tedge-gateway"
	}
	if c.Dirs.WorkflowDir == "" {
		c.Dirs.WorkflowDir = filepath.Join(c.Dirs.ConfigDir, "operations")
	}
	if c.Dirs.RunDir == "" {
		c.Dirs.RunDir = "/run/tedge-gateway"
	}
	if c.Workflow.LauncherUser == "" {
		c.Workflow.LauncherUser = "tedge"
	}
	if c.Workflow.DefaultTimeoutSec == 0 {
		c.Workflow.DefaultTimeoutSec = 3600
	}
	if c.Queues.MQTTFanoutDepth == 0 {
		c.Queues.MQTTFanoutDepth = 16
	}
	if c.Queues.WorkflowDepth == 0 {
		c.Queues.WorkflowDepth = 16
	}
	if c.Queues.HTTPDepth == 0 {
		c.Queues.HTTPDepth = 16
	}
	if c.Queues.TransferDepth == 0 {
		c.Queues.TransferDepth = 8
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:9000"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range (1-65535)", c.MQTT.Port)
	}
	if c.Cloud.Enabled && c.Cloud.URL == "" {
		return fmt.Errorf("cloud.enabled is true but cloud.url is empty")
	}
	if c.LogLevel != "" {
		if _, err := obs.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}
