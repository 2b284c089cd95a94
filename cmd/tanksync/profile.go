package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tankwise/tanksync/internal/cloud"
	"github.com/tankwise/tanksync/internal/record"
)

// Profile is the per-device YAML file provisioned with the firmware image
type Profile struct {
	CloudURL string `yaml:"cloudUrl"`
	Device   struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"device"`
	Account struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"account"`
	Defaults ConfigOverrides `yaml:"defaults"`
}

// ConfigOverrides replaces single compiled-in config values
type ConfigOverrides struct {
	UpperThreshold *float64 `yaml:"upperThreshold"`
	LowerThreshold *float64 `yaml:"lowerThreshold"`
	TankHeight     *float64 `yaml:"tankHeight"`
	TankWidth      *float64 `yaml:"tankWidth"`
	TankShape      *string  `yaml:"tankShape"`
	MaxInflow      *float64 `yaml:"maxInflow"`
	SensorFilter   *bool    `yaml:"sensorFilter"`
	IPAddress      *string  `yaml:"ipAddress"`
}

// LoadProfile reads and validates a device profile
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a device profile. Unknown keys are rejected.
func ParseProfile(data []byte) (*Profile, error) {
	p := new(Profile)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if s := p.Defaults.TankShape; s != nil && *s != record.ShapeCylindrical && *s != record.ShapeRectangular {
		return nil, fmt.Errorf("unknown tank shape %q", *s)
	}
	return p, nil
}

// ApplyDefaults returns the compiled-in config with the profile overrides applied
func (p *Profile) ApplyDefaults() record.Config {
	c := record.DefaultConfig()
	o := p.Defaults
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&c.UpperThreshold, o.UpperThreshold)
	setF(&c.LowerThreshold, o.LowerThreshold)
	setF(&c.TankHeight, o.TankHeight)
	setF(&c.TankWidth, o.TankWidth)
	setF(&c.MaxInflow, o.MaxInflow)
	if o.TankShape != nil {
		c.TankShape = *o.TankShape
	}
	if o.SensorFilter != nil {
		c.SensorFilter = *o.SensorFilter
	}
	if o.IPAddress != nil {
		c.IPAddress = *o.IPAddress
	}
	return c
}

// Credentials returns the login payload, nil when the profile has no account
func (p *Profile) Credentials() *cloud.Credentials {
	if p == nil || p.Account.Username == "" {
		return nil
	}
	return &cloud.Credentials{
		Username:   p.Account.Username,
		Password:   p.Account.Password,
		DeviceID:   p.Device.ID,
		DeviceName: p.Device.Name,
	}
}
