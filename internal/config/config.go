// Copyright © 2017 Brian Sorahan <bsorahan@gmail.com>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML configuration file.
package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/lumsdnb/x32-madness-controller/internal/groups"
	"github.com/lumsdnb/x32-madness-controller/internal/mixer"
)

// Clock backends.
const (
	BackendLink    = "link"
	BackendOscsync = "oscsync"
)

// Config is the whole configuration file.
type Config struct {
	HTTPAddr string   `yaml:"http_addr"`
	LogLevel string   `yaml:"log_level"`
	Mixer    Mixer    `yaml:"mixer"`
	Clock    Clock    `yaml:"clock"`
	Switch   Switch   `yaml:"switch"`
	Groups   Groups   `yaml:"groups"`
	Announce Announce `yaml:"announce"`
}

// Mixer locates the console.
type Mixer struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// LocalPort is the UDP port replies come back to. 0 picks a free port.
	LocalPort int `yaml:"local_port"`
}

// Endpoint returns the console address.
func (m Mixer) Endpoint() mixer.Endpoint {
	return mixer.Endpoint{Host: m.Host, Port: m.Port}
}

// Clock selects and tunes the beat clock.
type Clock struct {
	Backend      string        `yaml:"backend"`
	OscsyncHost  string        `yaml:"oscsync_host"`
	Tempo        float64       `yaml:"tempo"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// Switch holds the auto switch settings at startup.
type Switch struct {
	IntervalBars int  `yaml:"interval_bars"`
	Auto         bool `yaml:"auto"`
}

// Groups either sets a number of empty groups or lists them in full.
type Groups struct {
	Count  int            `yaml:"count"`
	Preset []groups.Group `yaml:"preset"`
}

// Announce controls the mDNS advertisement of the HTTP API.
type Announce struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		HTTPAddr: ":3001",
		LogLevel: "info",
		Mixer: Mixer{
			Host: "192.168.1.100",
			Port: mixer.DefaultPort,
		},
		Clock: Clock{
			Backend:      BackendLink,
			OscsyncHost:  "127.0.0.1",
			Tempo:        120,
			TickInterval: 10 * time.Millisecond,
		},
		Switch: Switch{
			IntervalBars: 4,
		},
		Groups: Groups{
			Count: 4,
		},
		Announce: Announce{
			Enabled:  true,
			Instance: "mutesync",
		},
	}
}

// Validate reports the first field that is out of range.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http_addr is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	if err := c.Mixer.Endpoint().Validate(); err != nil {
		return errors.Wrap(err, "mixer")
	}
	if c.Mixer.LocalPort < 0 || c.Mixer.LocalPort > 65535 {
		return errors.Errorf("mixer.local_port %d not in 0..65535", c.Mixer.LocalPort)
	}
	switch c.Clock.Backend {
	case BackendLink:
	case BackendOscsync:
		if strings.TrimSpace(c.Clock.OscsyncHost) == "" {
			return errors.New("clock.oscsync_host is required for the oscsync backend")
		}
	default:
		return errors.Errorf("clock.backend must be %q or %q, got %q", BackendLink, BackendOscsync, c.Clock.Backend)
	}
	if c.Clock.Tempo < 60 || c.Clock.Tempo > 200 {
		return errors.Errorf("clock.tempo %g not in [60,200]", c.Clock.Tempo)
	}
	if c.Clock.TickInterval <= 0 {
		return errors.New("clock.tick_interval must be positive")
	}
	if c.Switch.IntervalBars <= 0 {
		return errors.New("switch.interval_bars must be positive")
	}
	if len(c.Groups.Preset) == 0 && c.Groups.Count <= 0 {
		return errors.New("groups.count must be positive")
	}
	if c.Announce.Enabled && strings.TrimSpace(c.Announce.Instance) == "" {
		return errors.New("announce.instance is required when announcing")
	}
	return nil
}

// Store builds the group store described by the config.
func (c *Config) Store() (*groups.Store, error) {
	if len(c.Groups.Preset) > 0 {
		return groups.FromGroups(c.Groups.Preset)
	}
	return groups.New(c.Groups.Count), nil
}

// Load reads and validates the file at path. Fields missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing fields remain initialized.
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates cfg and writes it to path, creating the directory if needed.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadOrDefault is Load, except that a missing file yields Default. Nothing is written.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, errors.Wrap(err, "create default config")
	}
	return cfg, true, nil
}

// Watch calls fn with the reloaded config every time the file at path changes.
// Files that fail to load are logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	log := logrus.WithFields(logrus.Fields{"component": "config", "path": path})

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer watcher.Close()

	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrap(err, "watching config directory")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.WithError(err).Warn("config reload failed")
				continue
			}
			log.Info("config reloaded")
			fn(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("watcher error")
		}
	}
}
