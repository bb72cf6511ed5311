package config

import (
	"crypto/sha256"
	"fmt"
)

// HostType is the tagged service variant: exactly one of App or Dav is
// set.
type HostType struct {
	App *App
	Dav *Dav
}

// Roles returns the role names allowed to access the service.
func (h HostType) Roles() []string {
	if h.App != nil {
		return h.App.Roles
	}
	if h.Dav != nil {
		return h.Dav.Roles
	}
	return nil
}

// Secured reports whether the service requires a session principal.
func (h HostType) Secured() bool {
	if h.App != nil {
		return h.App.Secured
	}
	if h.Dav != nil {
		return h.Dav.Secured
	}
	return false
}

// HostMap maps fully qualified hostnames to services. It is built once
// per configuration load and shared immutably across requests.
type HostMap map[string]HostType

// Load reads the configuration document and derives the host map,
// computing the symmetric key of every Dav that has a passphrase.
func Load(path string) (*Config, HostMap, error) {
	cfg, err := FromFile(path)
	if err != nil {
		return nil, nil, err
	}
	hostMap := make(HostMap, len(cfg.Apps)+len(cfg.Davs))
	for i := range cfg.Apps {
		app := &cfg.Apps[i]
		hostMap[fmt.Sprintf("%s.%s", app.Host, cfg.Hostname)] = HostType{App: app}
	}
	for i := range cfg.Davs {
		dav := &cfg.Davs[i]
		if dav.Passphrase != "" {
			key := sha256.Sum256([]byte(dav.Passphrase))
			dav.Key = key[:]
		}
		hostMap[fmt.Sprintf("%s.%s", dav.Host, cfg.Hostname)] = HostType{Dav: dav}
	}
	return cfg, hostMap, nil
}

// Domains lists every hostname the server answers for: the parent
// domain first, then each service's virtual hostname. Used to restrict
// the TLS certificate provider.
func (c *Config) Domains() []string {
	domains := make([]string, 0, 1+len(c.Apps)+len(c.Davs))
	domains = append(domains, c.Hostname)
	for _, app := range c.Apps {
		domains = append(domains, fmt.Sprintf("%s.%s", app.Host, c.Hostname))
	}
	for _, dav := range c.Davs {
		domains = append(domains, fmt.Sprintf("%s.%s", dav.Host, c.Hostname))
	}
	return domains
}
