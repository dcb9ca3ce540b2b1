package config

import (
	"net"
	"strconv"
	"time"

	"github.com/isometry/authrelay/internal/radius"
)

// RadiusClientConfig is the typed form of a [radius_client] section.
type RadiusClientConfig struct {
	// Hosts are host:port pairs built from host/port, host_2/port_2, ...
	Hosts []string `mapstructure:"-"`

	Secret               string        `mapstructure:"secret" validate:"required"`
	Retries              int           `mapstructure:"retries" default:"3" validate:"min=1"`
	RetryWait            time.Duration `mapstructure:"retry_wait" default:"2s" validate:"gt=0"`
	NASIP                string        `mapstructure:"nas_ip" validate:"omitempty,ip"`
	PassThroughAttrNames []string      `mapstructure:"pass_through_attr_names"`
	PassThroughAll       bool          `mapstructure:"pass_through_all"`
	MessageAuthenticator bool          `mapstructure:"message_authenticator"`
	PwCodec              string        `mapstructure:"pw_codec" default:"utf-8" validate:"codec"`
	Debug                bool          `mapstructure:"debug"`
}

// DecodeRadius decodes and checks a [radius_client] section.
func DecodeRadius(name string, s Section) (*RadiusClientConfig, error) {
	problems := &problemList{section: name}
	cfg := checkRadius(s, problems)
	if !problems.empty() {
		return nil, problems.errorOrNil()
	}
	return cfg, nil
}

func checkRadius(s Section, problems *problemList) *RadiusClientConfig {
	cfg := &RadiusClientConfig{}
	decodeSection(s.without(func(k string) bool { return isNumbered(k, "host", "port") }), cfg, problems)

	hostKeys := s.NumberedKeys("host")
	if len(hostKeys) == 0 {
		problems.add(MissingKey, "host", "at least one host is required")
	}

	for _, key := range hostKeys {
		host, _ := s.Get(key)
		if err := validatorInstance().Var(host, "required,ip|hostname_rfc1123"); err != nil {
			problems.add(InvalidValue, key, "the value %q is not a host name or IP address", host)
			continue
		}

		port := radius.DefaultPort
		portKey := "port" + numberSuffix(key)
		if raw, ok := s.Get(portKey); ok {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 65535 {
				problems.add(InvalidValue, portKey, "the value %q is not a valid port", raw)
				continue
			}
			port = n
		}
		cfg.Hosts = append(cfg.Hosts, net.JoinHostPort(host, strconv.Itoa(port)))
	}

	// Every port needs its host.
	for _, key := range s.NumberedKeys("port") {
		hostKey := "host" + numberSuffix(key)
		if !s.Has(hostKey) {
			problems.add(MissingKey, hostKey, "%s is set without %s", key, hostKey)
		}
	}

	validateStruct(cfg, problems)

	for _, name := range cfg.PassThroughAttrNames {
		if _, ok := radius.LookupAttributeName(name); !ok {
			problems.add(InvalidValue, "pass_through_attr_names", "unknown attribute %q", name)
		}
	}
	return cfg
}

// ClientConfig converts cfg to the RADIUS client's configuration.
func (cfg *RadiusClientConfig) ClientConfig() *radius.ClientConfig {
	out := radius.DefaultConfig()
	out.Hosts = append([]string(nil), cfg.Hosts...)
	out.Secret = cfg.Secret
	out.Retries = cfg.Retries
	out.RetryWait = cfg.RetryWait
	if cfg.NASIP != "" {
		out.NASIP = net.ParseIP(cfg.NASIP)
	}
	out.PassThroughAttrNames = append([]string(nil), cfg.PassThroughAttrNames...)
	out.PassThroughAll = cfg.PassThroughAll
	out.MessageAuthenticator = cfg.MessageAuthenticator
	out.PwCodec = cfg.PwCodec
	out.Debug = cfg.Debug
	return out
}
