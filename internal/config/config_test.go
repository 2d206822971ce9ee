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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	s, err := cfg.Store()
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 4 {
		t.Fatalf("expected 4 groups, got %d", s.Len())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "empty http addr", modify: func(c *Config) { c.HTTPAddr = "" }},
		{name: "bad log level", modify: func(c *Config) { c.LogLevel = "loud" }},
		{name: "empty mixer host", modify: func(c *Config) { c.Mixer.Host = "" }},
		{name: "mixer port", modify: func(c *Config) { c.Mixer.Port = 0 }},
		{name: "local port", modify: func(c *Config) { c.Mixer.LocalPort = -1 }},
		{name: "unknown backend", modify: func(c *Config) { c.Clock.Backend = "midi" }},
		{name: "oscsync without host", modify: func(c *Config) {
			c.Clock.Backend = BackendOscsync
			c.Clock.OscsyncHost = ""
		}},
		{name: "tempo", modify: func(c *Config) { c.Clock.Tempo = 250 }},
		{name: "tick interval", modify: func(c *Config) { c.Clock.TickInterval = 0 }},
		{name: "switch interval", modify: func(c *Config) { c.Switch.IntervalBars = 0 }},
		{name: "group count", modify: func(c *Config) { c.Groups.Count = 0 }},
		{name: "announce instance", modify: func(c *Config) { c.Announce.Instance = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutesync.yaml")
	writeFile(t, path, `
mixer:
  host: 10.0.0.32
clock:
  tick_interval: 20ms
switch:
  interval_bars: 2
  auto: true
groups:
  preset:
    - id: 1
      name: Drums
      channels: [1, 2, 3]
    - id: 2
      name: Keys
      channels: [9, 10]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mixer.Host != "10.0.0.32" || cfg.Mixer.Port != 10023 {
		t.Fatalf("unexpected mixer config %+v", cfg.Mixer)
	}
	if cfg.Clock.TickInterval != 20*time.Millisecond || cfg.Clock.Tempo != 120 {
		t.Fatalf("unexpected clock config %+v", cfg.Clock)
	}
	if !cfg.Switch.Auto || cfg.Switch.IntervalBars != 2 {
		t.Fatalf("unexpected switch config %+v", cfg.Switch)
	}
	s, err := cfg.Store()
	if err != nil {
		t.Fatal(err)
	}
	g, err := s.Get(2)
	if err != nil {
		t.Fatal(err)
	}
	if g.Name != "Keys" || len(g.Channels) != 2 {
		t.Fatalf("unexpected group %+v", g)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutesync.yaml")
	writeFile(t, path, "mixer:\n  port: 99999\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error")
	}
}

func TestLoadOrDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutesync.yaml")

	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mixer != Default().Mixer {
		t.Fatalf("expected defaults, got %+v", cfg.Mixer)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file to be written, stat returned %v", err)
	}

	writeFile(t, path, "mixer:\n  host: 10.0.0.9\n")
	if cfg, err = LoadOrDefault(path); err != nil {
		t.Fatal(err)
	}
	if cfg.Mixer.Host != "10.0.0.9" {
		t.Fatalf("expected host from file, got %q", cfg.Mixer.Host)
	}

	writeFile(t, path, "mixer:\n  port: 99999\n")
	if _, err := LoadOrDefault(path); err == nil {
		t.Fatal("expected an invalid file to be reported")
	}
}

func TestEnsure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "mutesync.yaml")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created || cfg.HTTPAddr != ":3001" {
		t.Fatalf("expected a new default config, got created=%v %+v", created, cfg)
	}

	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("config created twice")
	}
	if again.Clock.TickInterval != cfg.Clock.TickInterval || again.Mixer != cfg.Mixer {
		t.Fatalf("round trip changed config: %+v", again)
	}
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mutesync.yaml")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c Config) {
			select {
			case reloaded <- c:
			default:
			}
		})
	}()

	deadline := time.After(5 * time.Second)
	for {
		// The watcher may not be registered yet; keep writing until it notices.
		writeFile(t, path, "mixer:\n  host: 10.0.0.99\n")
		select {
		case c := <-reloaded:
			// A truncated file in the middle of a write loads as defaults.
			if c.Mixer.Host != "10.0.0.99" {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatal(err)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
