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

// Package api exposes the switch engine over HTTP and pushes state over WebSocket.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lumsdnb/x32-madness-controller/internal/clock"
	"github.com/lumsdnb/x32-madness-controller/internal/groups"
	"github.com/lumsdnb/x32-madness-controller/internal/mixer"
	"github.com/lumsdnb/x32-madness-controller/internal/switcher"
)

// Engine is the command side of the switch engine.
type Engine interface {
	State() switcher.State
	SwitchTo(ctx context.Context, idx int) (switcher.State, error)
	Next(ctx context.Context) (switcher.State, error)
	SetAutoSwitch(ctx context.Context, enabled bool, interval *int) (switcher.State, error)
	UpdateGroup(ctx context.Context, id int, u groups.Update) (groups.Group, error)
	SetTempo(ctx context.Context, bpm float64) (float64, error)
}

// Mixer is the console side used by the API.
type Mixer interface {
	ChannelStates(ctx context.Context, timeout time.Duration) map[int]*int
	Probe(ctx context.Context, timeout time.Duration) bool
	Endpoint() mixer.Endpoint
	Reconfigure(ep mixer.Endpoint) error
}

// Observers accepts push connections.
type Observers interface {
	Serve(conn *websocket.Conn) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The UI may be served from another origin on the LAN.
		return true
	},
}

// Server is the HTTP command surface.
type Server struct {
	echo      *echo.Echo
	engine    Engine
	mixer     Mixer
	observers Observers
	log       *logrus.Entry
}

// New wires the routes.
func New(engine Engine, mx Mixer, observers Observers) *Server {
	s := &Server{
		echo:      echo.New(),
		engine:    engine,
		mixer:     mx,
		observers: observers,
		log:       logrus.WithField("component", "api"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.WithFields(logrus.Fields{
				"method": v.Method,
				"uri":    v.URI,
				"status": v.Status,
			}).Debug("request")
			return nil
		},
	}))

	s.echo.GET("/", s.push)
	s.echo.GET("/ws", s.push)

	g := s.echo.Group("/api")
	g.GET("/groups", s.listGroups)
	g.PUT("/groups/:id", s.updateGroup)
	g.GET("/x32/channels", s.channels)
	g.GET("/x32/status", s.mixerStatus)
	g.POST("/config/x32", s.configureMixer)
	g.POST("/switch", s.switchGroup)
	g.POST("/switch/:groupId", s.switchGroup)
	g.POST("/test/next-group", s.nextGroup)
	g.POST("/auto-switch", s.autoSwitch)
	g.POST("/link/tempo", s.setTempo)
	g.GET("/status", s.status)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start(addr string) error {
	s.log.WithField("addr", addr).Info("listening")
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) push(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	return s.observers.Serve(ws)
}

func (s *Server) listGroups(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.State().Groups)
}

type groupRequest struct {
	Name     *string `json:"name"`
	Channels *[]int  `json:"channels"`
}

func (s *Server) updateGroup(c echo.Context) error {
	id, err := leadingInt(c.Param("id"))
	if err != nil {
		return fail(c, http.StatusBadRequest, "Invalid group ID")
	}
	var req groupRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid request body")
	}
	g, err := s.engine.UpdateGroup(c.Request().Context(), id, groups.Update{
		Name:     req.Name,
		Channels: req.Channels,
	})
	if err != nil {
		return s.failErr(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) channels(c echo.Context) error {
	return c.JSON(http.StatusOK, s.mixer.ChannelStates(c.Request().Context(), mixer.DefaultQueryTimeout))
}

func (s *Server) mixerStatus(c echo.Context) error {
	found := s.mixer.Probe(c.Request().Context(), mixer.DefaultProbeTimeout)
	return c.JSON(http.StatusOK, map[string]bool{"found": found})
}

// configureMixer merges the given fields into the current endpoint and reconnects.
func (s *Server) configureMixer(c echo.Context) error {
	var req mixer.Endpoint
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid request body")
	}
	ep := s.mixer.Endpoint()
	if req.Host != "" {
		ep.Host = req.Host
	}
	if req.Port != 0 {
		ep.Port = req.Port
	}
	if err := s.mixer.Reconfigure(ep); err != nil {
		return s.failErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"config":  s.mixer.Endpoint(),
	})
}

// switchGroup switches to the index in the path, or to the next group when the
// index is missing or not a number.
func (s *Server) switchGroup(c echo.Context) error {
	var (
		st  switcher.State
		err error
		ctx = c.Request().Context()
	)
	if idx, perr := leadingInt(c.Param("groupId")); perr == nil {
		st, err = s.engine.SwitchTo(ctx, idx)
	} else {
		st, err = s.engine.Next(ctx)
	}
	if err != nil {
		return s.failErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":     true,
		"activeGroup": st.ActiveGroup,
	})
}

func (s *Server) nextGroup(c echo.Context) error {
	st, err := s.engine.Next(c.Request().Context())
	if err != nil {
		return s.failErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":     true,
		"activeGroup": st.ActiveGroup,
	})
}

type autoSwitchRequest struct {
	Enabled  bool `json:"enabled"`
	Interval *int `json:"interval"`
}

func (s *Server) autoSwitch(c echo.Context) error {
	var req autoSwitchRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid request body")
	}
	st, err := s.engine.SetAutoSwitch(c.Request().Context(), req.Enabled, req.Interval)
	if err != nil {
		return s.failErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":         true,
		"isAutoSwitching": st.AutoSwitching,
		"switchInterval":  st.IntervalBars,
	})
}

type tempoRequest struct {
	Tempo float64 `json:"tempo"`
}

func (s *Server) setTempo(c echo.Context) error {
	var req tempoRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid request body")
	}
	tempo, err := s.engine.SetTempo(c.Request().Context(), req.Tempo)
	if errors.Cause(err) == clock.ErrTempoRange {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid tempo. Must be between 60 and 200 BPM.",
			"tempo": tempo,
		})
	}
	if err != nil {
		return s.failErr(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"tempo":   tempo,
	})
}

func (s *Server) status(c echo.Context) error {
	st := s.engine.State()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"activeGroup":     st.ActiveGroup,
		"isAutoSwitching": st.AutoSwitching,
		"switchInterval":  st.IntervalBars,
		"linkEnabled":     st.Link.Enabled,
		"linkTempo":       st.Link.Tempo,
		"linkBeats":       st.Link.Beat,
		"linkPeers":       st.Link.Peers,
	})
}

// leadingInt parses the integer at the start of s, ignoring whatever follows it,
// so "5abc" is 5. It fails when s does not start with a number.
func leadingInt(s string) (int, error) {
	s = strings.TrimLeft(s, " \t\n\r")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, errors.Errorf("%q is not a number", s)
	}
	return strconv.Atoi(s[:end])
}

func fail(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

// failErr maps validation errors to 4xx and everything else to 500.
func (s *Server) failErr(c echo.Context, err error) error {
	switch errors.Cause(err) {
	case groups.ErrNotFound:
		return fail(c, http.StatusNotFound, "Group not found")
	case groups.ErrIndexRange:
		return fail(c, http.StatusBadRequest, "Invalid group ID")
	case groups.ErrChannelRange, switcher.ErrInterval, mixer.ErrEndpoint, clock.ErrTempoRange:
		return fail(c, http.StatusBadRequest, err.Error())
	}
	s.log.WithError(err).WithField("uri", c.Request().RequestURI).Error("request failed")
	return fail(c, http.StatusInternalServerError, err.Error())
}
