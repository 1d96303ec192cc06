// Package config loads transport and CAN bus settings from an INI file.
package config

import (
	"errors"
	"fmt"

	"gopkg.in/ini.v1"
)

// ErrInvalidMTU is returned when the configured MTU is not one of the
// standard Cyphal/CAN DLC buckets.
var ErrInvalidMTU = errors.New("config: mtu is not a standard DLC bucket")

var standardMTUs = map[int]bool{8: true, 12: true, 16: true, 20: true, 24: true, 32: true, 48: true, 64: true}

// Transport holds the [transport] section.
type Transport struct {
	MTUValue      int  `ini:"mtu"`
	CRCTable      int  `ini:"crc_table"`
	Assertions    bool `ini:"assertions"`
	QueueCapacity int  `ini:"queue_capacity"`
	NodeID        int  `ini:"node_id"`
}

// Bus holds the [bus] section.
type Bus struct {
	Interface string `ini:"interface"`
	Channel   string `ini:"channel"`
	Bitrate   int    `ini:"bitrate"`
}

// Config is the fully parsed and validated configuration file.
type Config struct {
	Transport Transport
	Bus       Bus
}

// Default returns MTU 64, queue capacity 128 and an unset node-ID, the same
// values as a bare transport.New(), plus crc_table = 1 and assertions off.
func Default() *Config {
	return &Config{
		Transport: Transport{
			MTUValue:      64,
			CRCTable:      1,
			Assertions:    false,
			QueueCapacity: 128,
			NodeID:        255,
		},
		Bus: Bus{Interface: "virtual", Channel: "default", Bitrate: 500000},
	}
}

// Load reads and validates an INI configuration file at path.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := Default()
	if section, err := file.GetSection("transport"); err == nil {
		if err := section.MapTo(&cfg.Transport); err != nil {
			return nil, fmt.Errorf("config: parse [transport]: %w", err)
		}
	}
	if section, err := file.GetSection("bus"); err == nil {
		if err := section.MapTo(&cfg.Bus); err != nil {
			return nil, fmt.Errorf("config: parse [bus]: %w", err)
		}
	}

	if !standardMTUs[cfg.Transport.MTUValue] {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMTU, cfg.Transport.MTUValue)
	}
	return cfg, nil
}

// MTU returns the validated transport MTU.
func (c *Config) MTU() int {
	return c.Transport.MTUValue
}
