// Package config loads the daemon's YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDRPriority      = 1
	DefaultCandRPInterval  = 60 * time.Second
	DefaultCandRPHoldtime  = 150 * time.Second
	DefaultHashMaskLen     = 30
	DefaultRegisterRate    = 50
	DefaultRegisterBurst   = 10
	DefaultMaxRoutes       = 65536
	DefaultMaxNeighbors    = 256
	DefaultRoutePreference = 101
	DefaultRouteMetric     = 1024
)

var (
	DefaultSSMRange = netip.MustParsePrefix("232.0.0.0/8")
	AllMulticast    = netip.MustParsePrefix("224.0.0.0/4")
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Interfaces  []Interface  `yaml:"interfaces"`
	CandRP      *CandRP      `yaml:"cand-rp"`
	CandBSR     *CandBSR     `yaml:"cand-bsr"`
	StaticRPs   []StaticRP   `yaml:"static-rp"`
	StaticJoins []StaticJoin `yaml:"static-joins"`

	SSMRange      netip.Prefix `yaml:"ssm-range"`
	RegisterRate  float64      `yaml:"register-rate"`
	RegisterBurst int          `yaml:"register-burst"`
	MaxRoutes     int          `yaml:"max-routes"`
	MaxNeighbors  int          `yaml:"max-neighbors"`

	DefaultRoutePreference uint32 `yaml:"default-route-preference"`
	DefaultRouteMetric     uint32 `yaml:"default-route-metric"`
}

// Interface overrides the defaults for one interface. Interfaces that are
// not listed run PIM with the default DR priority.
type Interface struct {
	Name       string  `yaml:"name"`
	Disabled   bool    `yaml:"disabled"`
	DRPriority *uint32 `yaml:"dr-priority"`
}

// Priority returns the configured DR priority or the default.
func (i Interface) Priority() uint32 {
	if i.DRPriority == nil {
		return DefaultDRPriority
	}
	return *i.DRPriority
}

type CandRP struct {
	Address  netip.Addr     `yaml:"address"`
	Priority uint8          `yaml:"priority"`
	Interval time.Duration  `yaml:"interval"`
	Holdtime time.Duration  `yaml:"holdtime"`
	Groups   []netip.Prefix `yaml:"groups"`
}

type CandBSR struct {
	Address     netip.Addr `yaml:"address"`
	Priority    uint8      `yaml:"priority"`
	HashMaskLen uint8      `yaml:"hash-mask-len"`
}

type StaticRP struct {
	Address  netip.Addr     `yaml:"address"`
	Priority uint8          `yaml:"priority"`
	Groups   []netip.Prefix `yaml:"groups"`
}

// StaticJoin subscribes an interface to a group as if a host had asked for
// it. Without a source it joins the shared tree.
type StaticJoin struct {
	Interface string     `yaml:"interface"`
	Group     netip.Addr `yaml:"group"`
	Source    netip.Addr `yaml:"source"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a configuration. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}
	cfg := &Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Validate fills defaults and rejects values the router cannot use.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Interfaces))
	for i, iface := range c.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("interface %d has no name", i)
		}
		if seen[iface.Name] {
			return fmt.Errorf("interface %s listed twice", iface.Name)
		}
		seen[iface.Name] = true
	}

	if crp := c.CandRP; crp != nil {
		if !crp.Address.Is4() {
			return errors.New("cand-rp address must be ipv4")
		}
		if crp.Interval == 0 {
			crp.Interval = DefaultCandRPInterval
		}
		if crp.Holdtime == 0 {
			crp.Holdtime = DefaultCandRPHoldtime
		}
		if crp.Interval < 0 || crp.Holdtime < 0 {
			return errors.New("cand-rp interval and holdtime must be positive")
		}
		if crp.Holdtime > 0xffff*time.Second {
			return fmt.Errorf("cand-rp holdtime %s exceeds 65535s", crp.Holdtime)
		}
		if len(crp.Groups) == 0 {
			crp.Groups = []netip.Prefix{AllMulticast}
		}
		if err := validateGroups("cand-rp", crp.Groups); err != nil {
			return err
		}
	}

	if cb := c.CandBSR; cb != nil {
		if !cb.Address.Is4() {
			return errors.New("cand-bsr address must be ipv4")
		}
		if cb.HashMaskLen == 0 {
			cb.HashMaskLen = DefaultHashMaskLen
		}
		if cb.HashMaskLen > 32 {
			return fmt.Errorf("cand-bsr hash-mask-len %d exceeds 32", cb.HashMaskLen)
		}
	}

	for i := range c.StaticRPs {
		s := &c.StaticRPs[i]
		if !s.Address.Is4() {
			return fmt.Errorf("static-rp %d address must be ipv4", i)
		}
		if len(s.Groups) == 0 {
			s.Groups = []netip.Prefix{AllMulticast}
		}
		if err := validateGroups("static-rp "+s.Address.String(), s.Groups); err != nil {
			return err
		}
	}

	for i, j := range c.StaticJoins {
		if j.Interface == "" {
			return fmt.Errorf("static-joins %d has no interface", i)
		}
		if !j.Group.Is4() || !j.Group.IsMulticast() {
			return fmt.Errorf("static-joins %d group %s is not an ipv4 multicast address", i, j.Group)
		}
		if j.Source.IsValid() && (!j.Source.Is4() || j.Source.IsMulticast()) {
			return fmt.Errorf("static-joins %d source %s is not an ipv4 unicast address", i, j.Source)
		}
	}

	if !c.SSMRange.IsValid() {
		c.SSMRange = DefaultSSMRange
	}
	if err := validateGroups("ssm-range", []netip.Prefix{c.SSMRange}); err != nil {
		return err
	}
	if c.RegisterRate == 0 {
		c.RegisterRate = DefaultRegisterRate
	}
	if c.RegisterBurst == 0 {
		c.RegisterBurst = DefaultRegisterBurst
	}
	if c.RegisterRate < 0 || c.RegisterBurst < 0 {
		return errors.New("register-rate and register-burst must be positive")
	}
	if c.MaxRoutes == 0 {
		c.MaxRoutes = DefaultMaxRoutes
	}
	if c.MaxNeighbors == 0 {
		c.MaxNeighbors = DefaultMaxNeighbors
	}
	if c.MaxRoutes < 0 || c.MaxNeighbors < 0 {
		return errors.New("max-routes and max-neighbors must be positive")
	}
	if c.DefaultRoutePreference == 0 {
		c.DefaultRoutePreference = DefaultRoutePreference
	}
	if c.DefaultRouteMetric == 0 {
		c.DefaultRouteMetric = DefaultRouteMetric
	}
	return nil
}

// Interface returns the entry for name, if listed.
func (c *Config) Interface(name string) (Interface, bool) {
	for _, i := range c.Interfaces {
		if i.Name == name {
			return i, true
		}
	}
	return Interface{}, false
}

func validateGroups(what string, groups []netip.Prefix) error {
	for _, p := range groups {
		if !p.IsValid() || !p.Addr().Is4() || !p.Addr().IsMulticast() {
			return fmt.Errorf("%s group range %s is not an ipv4 multicast prefix", what, p)
		}
		if p != p.Masked() {
			return fmt.Errorf("%s group range %s has host bits set", what, p)
		}
	}
	return nil
}
