package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ServiceConfig is one bookable service with its optional sub-services.
type ServiceConfig struct {
	Name        string   `yaml:"name"`
	SubServices []string `yaml:"sub_services"`
}

// ServicesConfig is the root of services.yaml.
type ServicesConfig struct {
	Services []ServiceConfig `yaml:"services"`
}

// LoadServicesConfig loads and validates the service catalog.
func LoadServicesConfig(path string) (*ServicesConfig, error) {
	if path == "" {
		path = "configs/services.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services config: %w", err)
	}

	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse services config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate services config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the catalog for errors.
func (c *ServicesConfig) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("no services defined")
	}

	names := make(map[string]bool)
	for i, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service[%d]: name is required", i)
		}
		if names[svc.Name] {
			return fmt.Errorf("service[%d]: duplicate name '%s'", i, svc.Name)
		}
		names[svc.Name] = true

		subs := make(map[string]bool)
		for j, sub := range svc.SubServices {
			if sub == "" {
				return fmt.Errorf("service[%d].sub_services[%d]: name is required", i, j)
			}
			if subs[sub] {
				return fmt.Errorf("service[%d].sub_services[%d]: duplicate name '%s'", i, j, sub)
			}
			subs[sub] = true
		}
	}
	return nil
}

// Names returns service names in file order.
func (c *ServicesConfig) Names() []string {
	out := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		out = append(out, s.Name)
	}
	return out
}

// Get returns the service by name.
func (c *ServicesConfig) Get(name string) *ServiceConfig {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i]
		}
	}
	return nil
}

// HasSubServices reports whether the service can be filtered further.
func (c *ServicesConfig) HasSubServices(name string) bool {
	s := c.Get(name)
	return s != nil && len(s.SubServices) > 0
}

// Check verifies that every offered service and sub-service is in the catalog.
func (c *ServicesConfig) Check(offered map[string][]string) error {
	names := make([]string, 0, len(offered))
	for name := range offered {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		svc := c.Get(name)
		if svc == nil {
			return fmt.Errorf("unknown service '%s'", name)
		}
		for _, sub := range offered[name] {
			found := false
			for _, known := range svc.SubServices {
				if known == sub {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("unknown sub-service '%s' of '%s'", sub, name)
			}
		}
	}
	return nil
}

func (c *ServicesConfig) String() string {
	subs := 0
	for _, s := range c.Services {
		subs += len(s.SubServices)
	}
	return fmt.Sprintf("ServicesConfig: %d services, %d sub-services", len(c.Services), subs)
}
