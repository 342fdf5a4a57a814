package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"slices"
	"strings"

	"github.com/jbweber/kiln/internal/cloud"
	"github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/naming"
)

// ValidationError is a single invalid or missing setting.
type ValidationError struct {
	Field   string // config key, e.g. "cloud.template_id"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every problem found in a Config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e ValidationErrors) Unwrap() error {
	return cloud.ErrConfiguration
}

// Validate checks every setting and returns all problems found. Each
// missing required key is reported separately.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateHypervisor()...)
	errs = append(errs, c.validateCloud()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateState()...)
	errs = append(errs, c.validateEvents()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

// Check returns Validate's findings as one error wrapping
// cloud.ErrConfiguration, or nil.
func (c *Config) Check() error {
	if errs := c.Validate(); len(errs) > 0 {
		return ValidationErrors(errs)
	}
	return nil
}

func required(field, value string) []ValidationError {
	if strings.TrimSpace(value) == "" {
		return []ValidationError{{Field: field, Value: value, Message: "is required"}}
	}
	return nil
}

func (c *Config) validateHypervisor() []ValidationError {
	var errs []ValidationError
	h := c.Hypervisor

	switch h.Transport {
	case libvirt.TransportUnix:
		errs = append(errs, required("hypervisor.socket", h.Socket)...)
	case libvirt.TransportTLS:
		errs = append(errs, required("hypervisor.address", h.Address)...)
		errs = append(errs, required("hypervisor.tls.ca_file", h.TLS.CAFile)...)
		errs = append(errs, required("hypervisor.tls.cert_file", h.TLS.CertFile)...)
		errs = append(errs, required("hypervisor.tls.key_file", h.TLS.KeyFile)...)
	default:
		errs = append(errs, ValidationError{
			Field:   "hypervisor.transport",
			Value:   h.Transport,
			Message: fmt.Sprintf("must be one of: %s, %s", libvirt.TransportUnix, libvirt.TransportTLS),
		})
	}

	errs = append(errs, required("hypervisor.uri", h.URI)...)

	if h.ConnectTimeout < 0 {
		errs = append(errs, ValidationError{Field: "hypervisor.connect_timeout", Value: h.ConnectTimeout, Message: "must be non-negative"})
	}
	if h.CallTimeout < 0 {
		errs = append(errs, ValidationError{Field: "hypervisor.call_timeout", Value: h.CallTimeout, Message: "must be non-negative"})
	}
	if h.RetryInterval < 0 {
		errs = append(errs, ValidationError{Field: "hypervisor.retry_interval", Value: h.RetryInterval, Message: "must be non-negative"})
	}
	if _, err := libvirt.ParseAddressSource(h.AddressSource); err != nil {
		errs = append(errs, ValidationError{Field: "hypervisor.address_source", Value: h.AddressSource, Message: "must be one of: lease, agent, arp"})
	}
	return errs
}

func (c *Config) validateCloud() []ValidationError {
	var errs []ValidationError

	errs = append(errs, required("cloud.template_id", c.Cloud.TemplateID)...)

	if err := naming.ValidatePrefix(c.Cloud.NamePrefix); err != nil {
		errs = append(errs, ValidationError{Field: "cloud.name_prefix", Value: c.Cloud.NamePrefix, Message: err.Error()})
	}
	if c.Cloud.MaxInstances < 0 {
		errs = append(errs, ValidationError{Field: "cloud.max_instances", Value: c.Cloud.MaxInstances, Message: "must be non-negative (0 means unlimited)"})
	}
	return errs
}

func (c *Config) validateAgent() []ValidationError {
	var errs []ValidationError

	if err := naming.ValidatePrefix(c.Agent.NamePrefix); err != nil {
		errs = append(errs, ValidationError{Field: "agent.name_prefix", Value: c.Agent.NamePrefix, Message: err.Error()})
	}
	if c.Agent.ManagementCIDR != "" {
		if _, err := netip.ParsePrefix(c.Agent.ManagementCIDR); err != nil {
			errs = append(errs, ValidationError{Field: "agent.management_cidr", Value: c.Agent.ManagementCIDR, Message: "must be a CIDR prefix, e.g. 10.20.0.0/16"})
		}
	}
	if c.Agent.ServerURL != "" {
		if u, err := url.Parse(c.Agent.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{Field: "agent.server_url", Value: c.Agent.ServerURL, Message: "must be an absolute URL"})
		}
	}

	seen := make(map[string]bool)
	for i, p := range c.Agent.Parameters {
		field := fmt.Sprintf("agent.parameters[%d].name", i)
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, ValidationError{Field: field, Value: p.Name, Message: "is required"})
			continue
		}
		if seen[p.Name] {
			errs = append(errs, ValidationError{Field: field, Value: p.Name, Message: "is duplicated"})
		}
		seen[p.Name] = true
	}
	return errs
}

func (c *Config) validateState() []ValidationError {
	var errs []ValidationError

	switch c.State.ObservedStore {
	case StoreMemory:
	case StoreBadger:
		errs = append(errs, required("state.path", c.State.Path)...)
	default:
		errs = append(errs, ValidationError{
			Field:   "state.observed_store",
			Value:   c.State.ObservedStore,
			Message: fmt.Sprintf("must be one of: %s, %s", StoreMemory, StoreBadger),
		})
	}
	if c.State.ObservedTTL < 0 {
		errs = append(errs, ValidationError{Field: "state.observed_ttl", Value: c.State.ObservedTTL, Message: "must be non-negative (0 keeps observations until terminate)"})
	}
	return errs
}

func (c *Config) validateEvents() []ValidationError {
	if c.Events.NATSURL == "" {
		return nil
	}
	return required("events.subject_prefix", c.Events.SubjectPrefix)
}

// ValidLogLevels returns the accepted logging.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s, %s", logging.FormatConsole, logging.FormatJSON),
		})
	}
	return errs
}
