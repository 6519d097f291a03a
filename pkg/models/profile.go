// Package models provides data structures shared by the worker components.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// DriverKind identifies a backend family.
type DriverKind string

const (
	// DriverPostgres selects the PostgreSQL adapter.
	DriverPostgres DriverKind = "postgres"
	// DriverMySQL selects the MySQL adapter.
	DriverMySQL DriverKind = "mysql"
)

// ParseDriverKind accepts the usual spellings of the supported backends.
func ParseDriverKind(s string) (DriverKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pg", "pgx":
		return DriverPostgres, nil
	case "mysql", "mariadb":
		return DriverMySQL, nil
	default:
		return "", fmt.Errorf("unknown driver kind %q", s)
	}
}

// DefaultPort returns the conventional port of the backend.
func (k DriverKind) DefaultPort() int {
	switch k {
	case DriverPostgres:
		return 5432
	case DriverMySQL:
		return 3306
	default:
		return 0
	}
}

// ConnectionProfile describes how to reach one database. The password is
// never part of the profile; CredentialRef names it in the credential store.
// A profile is treated as immutable once a pool has been built from it.
type ConnectionProfile struct {
	Name          string            `json:"name" yaml:"name" mapstructure:"name"`
	Driver        DriverKind        `json:"driver" yaml:"driver" mapstructure:"driver"`
	Host          string            `json:"host" yaml:"host" mapstructure:"host"`
	Port          int               `json:"port,omitempty" yaml:"port" mapstructure:"port"`
	Database      string            `json:"database" yaml:"database" mapstructure:"database"`
	Schema        string            `json:"schema,omitempty" yaml:"schema" mapstructure:"schema"`
	User          string            `json:"user" yaml:"user" mapstructure:"user"`
	CredentialRef string            `json:"credential_ref,omitempty" yaml:"credential_ref" mapstructure:"credential_ref"`
	SSLMode       string            `json:"ssl_mode,omitempty" yaml:"ssl_mode" mapstructure:"ssl_mode"`
	Options       map[string]string `json:"options,omitempty" yaml:"options" mapstructure:"options"`
}

// Validate checks the fields every adapter needs.
func (p ConnectionProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if _, err := ParseDriverKind(string(p.Driver)); err != nil {
		return err
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("profile %q: port %d out of range", p.Name, p.Port)
	}
	if p.User == "" {
		return fmt.Errorf("profile %q: user is required", p.Name)
	}
	return nil
}

// EffectiveHost returns the host, defaulting to localhost.
func (p ConnectionProfile) EffectiveHost() string {
	if p.Host == "" {
		return "localhost"
	}
	return p.Host
}

// EffectivePort returns the port, defaulting to the driver's default.
func (p ConnectionProfile) EffectivePort() int {
	if p.Port <= 0 {
		return p.Driver.DefaultPort()
	}
	return p.Port
}

// Address returns host:port.
func (p ConnectionProfile) Address() string {
	return p.EffectiveHost() + ":" + strconv.Itoa(p.EffectivePort())
}

// String identifies the profile in logs without secrets.
func (p ConnectionProfile) String() string {
	return fmt.Sprintf("%s(%s://%s@%s/%s)", p.Name, p.Driver, p.User, p.Address(), p.Database)
}
