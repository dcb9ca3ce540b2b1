package radius

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/isometry/authrelay/internal/authresult"
)

// DefaultPort is the RADIUS authentication port.
const DefaultPort = 1812

// ClientConfig holds configuration for a RADIUS client.
type ClientConfig struct {
	// Upstream servers
	Hosts  []string // host or host:port, tried in order
	Port   int      // default port when a host has none
	Secret string

	// Retry policy: each attempt waits RetryWait before moving to the next host.
	Retries   int
	RetryWait time.Duration

	// NASIP is sent as NAS-IP-Address; detected when nil.
	NASIP net.IP

	// Response attributes copied into results.
	PassThroughAttrNames []string
	PassThroughAll       bool

	// MessageAuthenticator signs every Access-Request, not only EAP and
	// MS-CHAP ones.
	MessageAuthenticator bool

	Debug   bool
	PwCodec string // password character set, e.g. utf-8 or windows-1252
}

// DefaultConfig returns the defaults applied before a configuration section is decoded.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Port:      DefaultPort,
		Retries:   3,
		RetryWait: 2 * time.Second,
		PwCodec:   "utf-8",
	}
}

// Policy is the pass-through policy for Authenticate results.
func (c *ClientConfig) Policy() authresult.Policy {
	return authresult.Policy{
		PassAll:   c.PassThroughAll,
		AllowList: c.PassThroughAttrNames,
	}
}

// EffectivePort returns Port, or DefaultPort.
func (c *ClientConfig) EffectivePort() int {
	if c.Port > 0 {
		return c.Port
	}
	return DefaultPort
}

func validateConfig(c *ClientConfig) error {
	if len(c.Hosts) == 0 {
		return errors.New("at least one host is required")
	}
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.Retries < 0 {
		return errors.New("retries cannot be negative")
	}
	if c.RetryWait <= 0 {
		return errors.New("retry wait must be positive")
	}
	if err := CheckCodec(c.PwCodec); err != nil {
		return err
	}
	for _, name := range c.PassThroughAttrNames {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("empty pass-through attribute name")
		}
	}
	return nil
}
