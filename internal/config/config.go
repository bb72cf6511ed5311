// Package config models the declarative configuration document and
// derives the immutable host map handed to every request handler.
package config

import (
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHostname = "vestibule.io"
	DefaultHTTPPort = 8080
)

// App is a reverse-proxied HTTP back-end exposed at
// <host>.<hostname>.
type App struct {
	ID        int64    `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	Icon      string   `yaml:"icon" json:"icon"`
	Color     string   `yaml:"color" json:"color"`
	IsProxy   bool     `yaml:"is_proxy" json:"is_proxy"`
	Host      string   `yaml:"host" json:"host"`
	ForwardTo string   `yaml:"forward_to" json:"forward_to"`
	Secured   bool     `yaml:"secured" json:"secured"`
	Login     string   `yaml:"login" json:"login"`
	Password  string   `yaml:"password" json:"password"`
	OpenPath  string   `yaml:"openpath" json:"openpath"`
	Roles     []string `yaml:"roles" json:"roles"`
}

// Dav is a built-in WebDAV server rooted at a local directory. When
// Passphrase is set, file contents are encrypted at rest and Key holds
// the derived symmetric key; Key never leaves process memory.
type Dav struct {
	ID            int64    `yaml:"id" json:"id"`
	Host          string   `yaml:"host" json:"host"`
	Directory     string   `yaml:"directory" json:"directory"`
	Writable      bool     `yaml:"writable" json:"writable"`
	Name          string   `yaml:"name" json:"name"`
	Icon          string   `yaml:"icon" json:"icon"`
	Color         string   `yaml:"color" json:"color"`
	Secured       bool     `yaml:"secured" json:"secured"`
	AllowSymlinks bool     `yaml:"allow_symlinks" json:"allow_symlinks"`
	Roles         []string `yaml:"roles" json:"roles"`
	Passphrase    string   `yaml:"passphrase" json:"passphrase"`
	Key           []byte   `yaml:"-" json:"-"`
}

// User carries a login, an Argon2id PHC password hash, and roles. The
// password is stripped before the user is serialized into a session
// cookie.
type User struct {
	Login    string   `yaml:"login" json:"login"`
	Password string   `yaml:"password,omitempty" json:"password,omitempty"`
	Roles    []string `yaml:"roles" json:"roles"`
}

// Config is the whole declarative document.
type Config struct {
	Hostname         string `yaml:"hostname" json:"hostname"`
	DebugMode        bool   `yaml:"debug_mode" json:"debug_mode"`
	HTTPPort         int    `yaml:"http_port" json:"http_port"`
	AutoTLS          bool   `yaml:"auto_tls" json:"auto_tls"`
	LetsEncryptEmail string `yaml:"letsencrypt_email" json:"letsencrypt_email"`
	Apps             []App  `yaml:"apps" json:"apps"`
	Davs             []Dav  `yaml:"davs" json:"davs"`
	Users            []User `yaml:"users" json:"users"`
}

// FromFile reads and validates a configuration document.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToFile persists the document atomically (write to a temp file in the
// same directory, then rename over the target).
func (c *Config) ToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = DefaultHTTPPort
	}
}

// Validate enforces the document invariants: unique app ids, dav ids
// and user logins, and no virtual hostname claimed twice.
func (c *Config) Validate() error {
	appIDs := make(map[int64]struct{}, len(c.Apps))
	hosts := make(map[string]struct{}, len(c.Apps)+len(c.Davs))
	for _, app := range c.Apps {
		if _, dup := appIDs[app.ID]; dup {
			return fmt.Errorf("duplicate app id %d", app.ID)
		}
		appIDs[app.ID] = struct{}{}
		if _, dup := hosts[app.Host]; dup {
			return fmt.Errorf("host %q claimed twice", app.Host)
		}
		hosts[app.Host] = struct{}{}
	}
	davIDs := make(map[int64]struct{}, len(c.Davs))
	for _, dav := range c.Davs {
		if _, dup := davIDs[dav.ID]; dup {
			return fmt.Errorf("duplicate dav id %d", dav.ID)
		}
		davIDs[dav.ID] = struct{}{}
		if _, dup := hosts[dav.Host]; dup {
			return fmt.Errorf("host %q claimed twice", dav.Host)
		}
		hosts[dav.Host] = struct{}{}
	}
	logins := make(map[string]struct{}, len(c.Users))
	for _, user := range c.Users {
		if _, dup := logins[user.Login]; dup {
			return fmt.Errorf("duplicate user login %q", user.Login)
		}
		logins[user.Login] = struct{}{}
	}
	return nil
}
