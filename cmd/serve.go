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
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lumsdnb/x32-madness-controller/internal/announce"
	"github.com/lumsdnb/x32-madness-controller/internal/api"
	"github.com/lumsdnb/x32-madness-controller/internal/broadcast"
	"github.com/lumsdnb/x32-madness-controller/internal/clock"
	"github.com/lumsdnb/x32-madness-controller/internal/config"
	"github.com/lumsdnb/x32-madness-controller/internal/mixer"
	"github.com/lumsdnb/x32-madness-controller/internal/switcher"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

var serveFlags struct {
	httpAddr  string
	mixerHost string
	mixerPort int
	backend   string
	tempo     float64
	auto      bool
}

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mute group switcher",
	Long: `Start the mute group switcher.

Connects to the console, joins the clock session and serves the HTTP API
and the WebSocket state push. Flags override the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyServeFlags(cmd, &cfg); err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		srv, err := NewServer(ctx, cfg)
		if err != nil {
			return errors.Wrap(err, "creating server")
		}
		return errors.Wrap(srv.Run(ctx), "running server")
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&serveFlags.httpAddr, "http-addr", "", "HTTP listen address")
	flags.StringVar(&serveFlags.mixerHost, "mixer-host", "", "console host")
	flags.IntVar(&serveFlags.mixerPort, "mixer-port", 0, "console OSC port")
	flags.StringVar(&serveFlags.backend, "clock", "", "clock backend (link or oscsync)")
	flags.Float64VarP(&serveFlags.tempo, "tempo", "t", 0, "initial tempo in bpm")
	flags.BoolVar(&serveFlags.auto, "auto", false, "start with auto switching on")

	RootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("http-addr") {
		cfg.HTTPAddr = serveFlags.httpAddr
	}
	if flags.Changed("mixer-host") {
		cfg.Mixer.Host = serveFlags.mixerHost
	}
	if flags.Changed("mixer-port") {
		cfg.Mixer.Port = serveFlags.mixerPort
	}
	if flags.Changed("clock") {
		cfg.Clock.Backend = serveFlags.backend
	}
	if flags.Changed("tempo") {
		cfg.Clock.Tempo = serveFlags.tempo
	}
	if flags.Changed("auto") {
		cfg.Switch.Auto = serveFlags.auto
	}
	return errors.Wrap(cfg.Validate(), "invalid configuration")
}

// Server runs the switch engine and everything around it.
type Server struct {
	cfg config.Config
	log *logrus.Entry

	clock  *clock.Source
	mixer  *mixer.Link
	hub    *broadcast.Hub
	engine *switcher.Engine
	api    *api.Server
}

// NewServer connects to the console and the clock and wires the engine.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	store, err := cfg.Store()
	if err != nil {
		return nil, errors.Wrap(err, "creating groups")
	}
	tl, err := newTimeline(ctx, cfg.Clock)
	if err != nil {
		return nil, err
	}
	mx, err := mixer.Open(ctx, cfg.Mixer.Endpoint(), mixer.UDPDialer(cfg.Mixer.LocalPort))
	if err != nil {
		_ = tl.Close()
		return nil, errors.Wrap(err, "opening console link")
	}
	var (
		src = clock.NewSource(tl)
		hub = broadcast.New()
	)
	engine, err := switcher.New(store, mx, hub, src, switcher.Options{
		Interval: cfg.Switch.IntervalBars,
		Auto:     cfg.Switch.Auto,
	})
	if err != nil {
		_ = tl.Close()
		_ = mx.Close()
		return nil, err
	}
	return &Server{
		cfg:    cfg,
		log:    logrus.WithField("component", "server"),
		clock:  src,
		mixer:  mx,
		hub:    hub,
		engine: engine,
		api:    api.New(engine, mx, hub),
	}, nil
}

func newTimeline(ctx context.Context, cfg config.Clock) (clock.Timeline, error) {
	switch cfg.Backend {
	case config.BackendLink:
		return clock.NewLink(cfg.Tempo), nil
	case config.BackendOscsync:
		return clock.NewOscsync(ctx, cfg.OscsyncHost, cfg.Tempo), nil
	}
	return nil, errors.Errorf("unknown clock backend %q", cfg.Backend)
}

// Run runs until ctx is cancelled, then shuts everything down.
func (srv *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.engine.Run(ctx)
	})
	g.Go(func() error {
		return srv.clock.Subscribe(ctx, srv.cfg.Clock.TickInterval, srv.engine.OnTick)
	})
	g.Go(func() error {
		if err := srv.api.Start(srv.cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "serving HTTP")
		}
		return nil
	})
	g.Go(func() error {
		return config.Watch(ctx, cfgFile, srv.reload)
	})
	g.Go(func() error {
		if srv.mixer.Probe(ctx, mixer.DefaultProbeTimeout) {
			srv.log.WithField("endpoint", srv.mixer.Endpoint().String()).Info("console found")
		} else {
			srv.log.WithField("endpoint", srv.mixer.Endpoint().String()).Warn("console did not answer")
		}
		return nil
	})

	if srv.cfg.Announce.Enabled {
		adv, err := srv.announce()
		if err != nil {
			srv.log.WithError(err).Warn("mDNS advertisement disabled")
		} else {
			defer adv.Shutdown()
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		return srv.shutdown()
	})
	err := g.Wait()

	// The subscription has returned, so nothing samples the timeline any more.
	if cerr := srv.clock.Close(); cerr != nil {
		srv.log.WithError(cerr).Warn("closing clock")
	}
	return err
}

func (srv *Server) announce() (*announce.Server, error) {
	port, err := announce.PortOf(srv.cfg.HTTPAddr)
	if err != nil {
		return nil, err
	}
	return announce.Register(srv.cfg.Announce.Instance, port, "path=/api")
}

// shutdown releases the console transport, closes push connections and stops
// the HTTP server. The clock subscription ends with the context.
func (srv *Server) shutdown() error {
	srv.log.Info("shutting down")

	if err := srv.mixer.Close(); err != nil {
		srv.log.WithError(err).Warn("closing console link")
	}
	if err := srv.hub.Close(); err != nil {
		srv.log.WithError(err).Warn("closing observers")
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return errors.Wrap(srv.api.Shutdown(ctx), "stopping HTTP server")
}

// reload applies the parts of a changed config file that can change at runtime.
func (srv *Server) reload(cfg config.Config) {
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil && logLevel == "" {
		logrus.SetLevel(lvl)
	}
	if ep := cfg.Mixer.Endpoint(); ep != srv.mixer.Endpoint() {
		if err := srv.mixer.Reconfigure(ep); err != nil {
			srv.log.WithError(err).Error("reconnecting to console")
		}
	}
}
