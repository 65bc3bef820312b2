package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/qeodomain/ddscored/internal/auth"
	"github.com/qeodomain/ddscored/internal/store"
)

// LogConfig mirrors the log-level knob every subcommand binds.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// HTTPConfig is the introspection API's listen address (spec §A).
type HTTPConfig struct {
	IP   string `mapstructure:"ip"`
	Port string `mapstructure:"port"`
}

func (h *HTTPConfig) ListenAddress() string { return h.IP + ":" + h.Port }

func (h *HTTPConfig) validate() error {
	if h.IP == "" {
		return errors.New("the domain daemon's HTTP IP address is required")
	}
	if h.Port == "" {
		return errors.New("the domain daemon's HTTP port is required")
	}
	return nil
}

// DatabaseConfig selects the persistence backend (spec §A persistence).
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

func (dc *DatabaseConfig) getState() (*store.DB, error) {
	if dc.DSN == "" {
		return nil, errors.New("database configuration error: dsn is required")
	}
	dc.Type = strings.ToLower(dc.Type)
	if dc.Type != "sqlite" && dc.Type != "postgres" {
		return nil, fmt.Errorf("unsupported database type: %s (must be 'sqlite' or 'postgres')", dc.Type)
	}
	return store.Open(dc.Type, dc.DSN)
}

// SecurityConfig selects which authentication plugins this domain
// accepts and the identity material each one is keyed with (spec
// §4.3's capability bitmask construction).
type SecurityConfig struct {
	PKIRSA *PKIRSAConfig `mapstructure:"pkirsa"`
	DSADH  *DSADHConfig  `mapstructure:"dsadh"`
	DTLS   *DTLSConfig   `mapstructure:"dtls"`
}

// PKIRSAConfig holds the local identity certificate/key pair for the
// PKI-RSA plugin (spec §4.3).
type PKIRSAConfig struct {
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// DSADHConfig holds the local signing key pair for the DSA-DH plugin.
type DSADHConfig struct {
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// DTLSConfig holds the server certificate DTLS presents as its
// transport-secured identity (spec §4.3's "DTLS plugin" Open Question).
type DTLSConfig struct {
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// capabilities returns the authentication capability bitmask implied
// by which plugin sub-configs are present.
func (s *SecurityConfig) capabilities() auth.Capability {
	var caps auth.Capability
	if s.PKIRSA != nil {
		caps |= auth.CapPKIRSA
	}
	if s.DSADH != nil {
		caps |= auth.CapDSADH
	}
	if s.DTLS != nil {
		caps |= auth.CapDTLS
	}
	return caps
}

func (s *SecurityConfig) validate() error {
	if s.PKIRSA == nil && s.DSADH == nil && s.DTLS == nil {
		return errors.New("security configuration requires at least one authentication plugin (pkirsa, dsadh, dtls)")
	}
	return nil
}

// DomainConfig is the top-level configuration for one `domaind run`
// invocation: one local domain participant, its security plugins, its
// persistence backend, and its introspection HTTP endpoint.
type DomainConfig struct {
	Log      LogConfig      `mapstructure:"log"`
	DomainID int            `mapstructure:"domain_id"`
	Prefix   string         `mapstructure:"guid_prefix"` // 24 hex chars (12 bytes)
	DB       DatabaseConfig `mapstructure:"db"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Security SecurityConfig `mapstructure:"security"`
}

func (c *DomainConfig) guidPrefix() ([12]byte, error) {
	var prefix [12]byte
	raw, err := hex.DecodeString(c.Prefix)
	if err != nil {
		return prefix, fmt.Errorf("guid_prefix must be 24 hex characters: %w", err)
	}
	if len(raw) != 12 {
		return prefix, fmt.Errorf("guid_prefix must decode to 12 bytes, got %d", len(raw))
	}
	copy(prefix[:], raw)
	return prefix, nil
}

func (c *DomainConfig) validate() error {
	if c.DomainID < 0 {
		return errors.New("domain_id must be non-negative")
	}
	if _, err := c.guidPrefix(); err != nil {
		return err
	}
	if err := c.HTTP.validate(); err != nil {
		return err
	}
	return c.Security.validate()
}
