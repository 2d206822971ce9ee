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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lumsdnb/x32-madness-controller/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "mutesync",
	Short: "Switch X32 mute groups in time with a shared musical clock",
	Long: `Switch X32 mute groups in time with a shared musical clock.

Channel groups are unmuted one at a time. The active group advances on bar
boundaries of an Ableton Link session (or an oscsync master), or on demand
through the HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if logLevel == "" {
			return nil
		}
		return setLogLevel(logLevel)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "mutesync.yaml", "config file (serve creates it with defaults if missing)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")
}

// loadConfig reads the config file, creating it on first run.
// --log-level wins over the file.
func loadConfig() (config.Config, error) {
	cfg, created, err := config.Ensure(cfgFile)
	if err != nil {
		return config.Config{}, errors.Wrapf(err, "loading %s", cfgFile)
	}
	if created {
		logrus.WithField("path", cfgFile).Info("wrote default config")
	}
	return cfg, applyLogLevel(&cfg)
}

// readConfig reads the config file without creating it. A missing file means defaults.
func readConfig() (config.Config, error) {
	cfg, err := config.LoadOrDefault(cfgFile)
	if err != nil {
		return config.Config{}, errors.Wrapf(err, "loading %s", cfgFile)
	}
	return cfg, applyLogLevel(&cfg)
}

func applyLogLevel(cfg *config.Config) error {
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return setLogLevel(cfg.LogLevel)
}

func setLogLevel(s string) error {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	logrus.SetLevel(lvl)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
