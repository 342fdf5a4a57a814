// Package config loads kiln's configuration from a YAML file and KILN_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jbweber/kiln/internal/agentconfig"
	"github.com/jbweber/kiln/internal/cloud"
	"github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/naming"
	"github.com/jbweber/kiln/internal/status"
)

// EnvPrefix prefixes environment overrides, e.g. KILN_CLOUD_TEMPLATE_ID for
// cloud.template_id.
const EnvPrefix = "KILN"

// Observed store backends.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

// Config is the complete kiln configuration.
type Config struct {
	Hypervisor HypervisorConfig `mapstructure:"hypervisor" yaml:"hypervisor"`
	Cloud      CloudConfig      `mapstructure:"cloud" yaml:"cloud"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
	State      StateConfig      `mapstructure:"state" yaml:"state"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

// HypervisorConfig describes the libvirt connection.
type HypervisorConfig struct {
	// Transport is "unix" or "tls".
	Transport string    `mapstructure:"transport" yaml:"transport"`
	Socket    string    `mapstructure:"socket" yaml:"socket"`
	Address   string    `mapstructure:"address" yaml:"address"`
	URI       string    `mapstructure:"uri" yaml:"uri"`
	TLS       TLSConfig `mapstructure:"tls" yaml:"tls"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// CallTimeout bounds each hypervisor call. Zero disables it.
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	// AddressSource is where guest addresses come from: lease, agent or arp.
	AddressSource string `mapstructure:"address_source" yaml:"address_source"`

	// ReadRetries is the number of retries of read-only calls.
	ReadRetries   uint64        `mapstructure:"read_retries" yaml:"read_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
}

// TLSConfig holds the TLS transport credentials.
type TLSConfig struct {
	CAFile     string `mapstructure:"ca_file" yaml:"ca_file"`
	CertFile   string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile    string `mapstructure:"key_file" yaml:"key_file"`
	ServerName string `mapstructure:"server_name" yaml:"server_name"`
}

// CloudConfig selects the template and bounds the instances.
type CloudConfig struct {
	TemplateID   string `mapstructure:"template_id" yaml:"template_id"`
	NamePrefix   string `mapstructure:"name_prefix" yaml:"name_prefix"`
	MaxInstances int    `mapstructure:"max_instances" yaml:"max_instances"`
}

// AgentConfig controls agent naming and the agent configuration drive.
type AgentConfig struct {
	NamePrefix     string            `mapstructure:"name_prefix" yaml:"name_prefix"`
	ManagementCIDR string            `mapstructure:"management_cidr" yaml:"management_cidr"`
	ServerURL      string            `mapstructure:"server_url" yaml:"server_url"`
	// Parameters are extra agent properties. They are a list rather than a
	// map because viper lowercases map keys and splits them on dots.
	Parameters []Parameter `mapstructure:"parameters" yaml:"parameters,omitempty"`
}

// Parameter is one agent property.
type Parameter struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Value string `mapstructure:"value" yaml:"value"`
}

// StateConfig selects where first observations are remembered.
type StateConfig struct {
	ObservedStore string        `mapstructure:"observed_store" yaml:"observed_store"`
	Path          string        `mapstructure:"path" yaml:"path"`
	ObservedTTL   time.Duration `mapstructure:"observed_ttl" yaml:"observed_ttl"`
}

// EventsConfig enables lifecycle events. An empty NATSURL disables them.
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url" yaml:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// MetricsConfig is the listen address of the /metrics endpoint served by
// long-running commands. Empty disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// TracingConfig enables span export to stderr.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns a Config with default values.
func Default() *Config {
	retry := cloud.DefaultRetryPolicy()
	return &Config{
		Hypervisor: HypervisorConfig{
			Transport:      libvirt.TransportUnix,
			Socket:         libvirt.DefaultSocket,
			URI:            libvirt.DefaultURI,
			ConnectTimeout: libvirt.DefaultTimeout,
			CallTimeout:    libvirt.DefaultCallTimeout,
			AddressSource:  libvirt.AddressSourceLease.String(),
			ReadRetries:    retry.MaxRetries,
			RetryInterval:  retry.InitialInterval,
		},
		Cloud: CloudConfig{
			NamePrefix: naming.DefaultInstancePrefix,
		},
		Agent: AgentConfig{
			NamePrefix: naming.DefaultAgentPrefix,
		},
		State: StateConfig{
			ObservedStore: StoreMemory,
			ObservedTTL:   status.DefaultObservedTTL,
		},
		Events: EventsConfig{
			SubjectPrefix: "kiln.events",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults registers every key with v so that environment overrides
// apply to keys absent from the file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("hypervisor.transport", d.Hypervisor.Transport)
	v.SetDefault("hypervisor.socket", d.Hypervisor.Socket)
	v.SetDefault("hypervisor.address", d.Hypervisor.Address)
	v.SetDefault("hypervisor.uri", d.Hypervisor.URI)
	v.SetDefault("hypervisor.tls.ca_file", d.Hypervisor.TLS.CAFile)
	v.SetDefault("hypervisor.tls.cert_file", d.Hypervisor.TLS.CertFile)
	v.SetDefault("hypervisor.tls.key_file", d.Hypervisor.TLS.KeyFile)
	v.SetDefault("hypervisor.tls.server_name", d.Hypervisor.TLS.ServerName)
	v.SetDefault("hypervisor.connect_timeout", d.Hypervisor.ConnectTimeout)
	v.SetDefault("hypervisor.call_timeout", d.Hypervisor.CallTimeout)
	v.SetDefault("hypervisor.address_source", d.Hypervisor.AddressSource)
	v.SetDefault("hypervisor.read_retries", d.Hypervisor.ReadRetries)
	v.SetDefault("hypervisor.retry_interval", d.Hypervisor.RetryInterval)

	v.SetDefault("cloud.template_id", d.Cloud.TemplateID)
	v.SetDefault("cloud.name_prefix", d.Cloud.NamePrefix)
	v.SetDefault("cloud.max_instances", d.Cloud.MaxInstances)

	v.SetDefault("agent.name_prefix", d.Agent.NamePrefix)
	v.SetDefault("agent.management_cidr", d.Agent.ManagementCIDR)
	v.SetDefault("agent.server_url", d.Agent.ServerURL)

	v.SetDefault("state.observed_store", d.State.ObservedStore)
	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("state.observed_ttl", d.State.ObservedTTL)

	v.SetDefault("events.nats_url", d.Events.NATSURL)
	v.SetDefault("events.subject_prefix", d.Events.SubjectPrefix)

	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "kiln")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kiln")
}

// NewViper returns a viper instance with defaults and environment overrides
// registered. When path is empty kiln.yaml is searched in /etc/kiln, the
// user config directory and the working directory.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kiln")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/kiln")
		if dir := ConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A missing file is only an error when path
// was given explicitly. The result is not validated.
func Load(path string) (*Config, error) {
	return FromViper(NewViper(path), path != "")
}

// FromViper reads and decodes the configuration held by v.
func FromViper(v *viper.Viper, requireFile bool) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if requireFile || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: failed to read config file: %w", cloud.ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode config: %w", cloud.ErrConfiguration, err)
	}
	return &cfg, nil
}

// ConnectOptions returns the libvirt connection settings.
func (c *Config) ConnectOptions() libvirt.ConnectOptions {
	h := c.Hypervisor
	return libvirt.ConnectOptions{
		Transport: h.Transport,
		Socket:    h.Socket,
		Address:   h.Address,
		URI:       h.URI,
		TLS: libvirt.TLSOptions{
			CAFile:     h.TLS.CAFile,
			CertFile:   h.TLS.CertFile,
			KeyFile:    h.TLS.KeyFile,
			ServerName: h.TLS.ServerName,
		},
		Timeout: h.ConnectTimeout,
	}
}

// RetryPolicy returns the read retry policy.
func (c *Config) RetryPolicy() cloud.RetryPolicy {
	p := cloud.DefaultRetryPolicy()
	p.MaxRetries = c.Hypervisor.ReadRetries
	if c.Hypervisor.RetryInterval > 0 {
		p.InitialInterval = c.Hypervisor.RetryInterval
		if p.MaxInterval < p.InitialInterval {
			p.MaxInterval = p.InitialInterval
		}
	}
	return p
}

// AgentDefaults returns the user data written to every instance's
// configuration drive.
func (c *Config) AgentDefaults() agentconfig.UserData {
	u := agentconfig.UserData{ServerURL: c.Agent.ServerURL}
	for _, p := range c.Agent.Parameters {
		u = u.WithParameter(p.Name, p.Value)
	}
	return u
}
