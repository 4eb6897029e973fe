// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jszone

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the file form of the runtime settings:
//
//	queue_size = 256
//	enqueue_timeout = "30s"
//	execute_timeout = "1m"
//	select_threshold = 0.75
//
//	[[zones]]
//	id = "compute"
//	workers = 4
//	init_scripts = ["lib/math.js"]
type Config struct {
	QueueSize       uint32       `toml:"queue_size"`
	EnqueueTimeout  string       `toml:"enqueue_timeout"`
	ExecuteTimeout  string       `toml:"execute_timeout"`
	SelectThreshold float64      `toml:"select_threshold"`
	Zones           []ZoneConfig `toml:"zones"`

	enqueueTimeout time.Duration
	executeTimeout time.Duration
	enqueueSet     bool
	executeSet     bool
}

// ZoneConfig describes a zone created with the runtime.
type ZoneConfig struct {
	ID          string   `toml:"id"`
	Workers     int      `toml:"workers"`
	InitScripts []string `toml:"init_scripts"`

	scripts []*JsScript
}

func (zc ZoneConfig) settings() ZoneSettings {
	return ZoneSettings{Workers: zc.Workers, InitScripts: zc.scripts}
}

// LoadConfig reads a TOML config file. Relative init script paths are
// resolved against the directory holding the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.loadScripts(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes and validates TOML config data. Init script files
// are not read, so WithConfig refuses a parsed config whose zones list
// init_scripts; use LoadConfig for those.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config and parses its durations.
func (c *Config) Validate() error {
	if c.EnqueueTimeout != "" {
		d, err := time.ParseDuration(c.EnqueueTimeout)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: enqueue_timeout %q", ErrInvalidArgument, c.EnqueueTimeout)
		}
		c.enqueueTimeout, c.enqueueSet = d, true
	}
	if c.ExecuteTimeout != "" {
		d, err := time.ParseDuration(c.ExecuteTimeout)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: execute_timeout %q", ErrInvalidArgument, c.ExecuteTimeout)
		}
		c.executeTimeout, c.executeSet = d, true
	}
	if c.SelectThreshold < 0 || c.SelectThreshold > 1 {
		return fmt.Errorf("%w: select_threshold %v out of range", ErrInvalidArgument, c.SelectThreshold)
	}

	seen := make(map[string]bool, len(c.Zones))
	for i, zc := range c.Zones {
		id := strings.TrimSpace(zc.ID)
		switch {
		case id == "":
			return fmt.Errorf("%w: zones[%d] missing id", ErrInvalidArgument, i)
		case id == HostZoneId:
			return fmt.Errorf("%w: zones[%d] id %s is reserved", ErrInvalidArgument, i, id)
		case seen[id]:
			return fmt.Errorf("%w: zones[%d] duplicate id %s", ErrInvalidArgument, i, id)
		case zc.Workers < 0:
			return fmt.Errorf("%w: zones[%d] negative workers", ErrInvalidArgument, i)
		}
		seen[id] = true
		c.Zones[i].ID = id
	}
	return nil
}

func (c *Config) loadScripts(dir string) error {
	for i := range c.Zones {
		zc := &c.Zones[i]
		zc.scripts = zc.scripts[:0]
		for _, name := range zc.InitScripts {
			path := name
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("zone %s init script: %w", zc.ID, err)
			}
			zc.scripts = append(zc.scripts, &JsScript{Content: string(content), FileName: name})
		}
	}
	return nil
}

// WithConfig applies the runtime settings of cfg and creates its zones
// when the runtime starts. Zones with init_scripts must come from
// LoadConfig.
func WithConfig(cfg *Config) func(*Runtime) {
	return func(rt *Runtime) {
		if cfg == nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			rt.optErr = errors.Join(rt.optErr, err)
			return
		}
		for _, zc := range cfg.Zones {
			if len(zc.scripts) != len(zc.InitScripts) {
				rt.optErr = errors.Join(rt.optErr,
					fmt.Errorf("%w: zone %s init_scripts not loaded, use LoadConfig", ErrInvalidArgument, zc.ID))
				return
			}
		}
		if cfg.QueueSize > 0 {
			rt.options.queueSize = cfg.QueueSize
		}
		if cfg.enqueueSet {
			rt.options.enqueueTimeout = cfg.enqueueTimeout
		}
		if cfg.executeSet {
			rt.options.executeTimeout = cfg.executeTimeout
		}
		if cfg.SelectThreshold > 0 {
			rt.options.selectThreshold = cfg.SelectThreshold
		}
		rt.config = cfg
	}
}
