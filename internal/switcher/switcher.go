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

// Package switcher decides when the active mute group changes and serializes every
// state mutation through a single dispatch loop.
package switcher

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lumsdnb/x32-madness-controller/internal/clock"
	"github.com/lumsdnb/x32-madness-controller/internal/groups"
)

// DefaultInterval is the number of bars between automatic switches.
const DefaultInterval = 4

// ErrInterval is returned for a non-positive switch interval.
var ErrInterval = errors.New("switch interval must be positive")

// ErrStopped is returned by commands issued after the loop exited.
var ErrStopped = errors.New("switch engine stopped")

// Mixer applies a group to the console.
type Mixer interface {
	ApplyGroup(all []groups.Group, target groups.Group)
}

// Publisher fans state out to observers.
type Publisher interface {
	Publish(v interface{})
}

// Tempo changes the shared clock tempo.
type Tempo interface {
	SetTempo(bpm float64) (float64, error)
}

// Options configure the switch state at startup.
type Options struct {
	Interval int
	Auto     bool
}

// State is the aggregate state pushed to observers.
type State struct {
	Groups        []groups.Group `json:"groups"`
	ActiveGroup   int            `json:"activeGroup"`
	AutoSwitching bool           `json:"isAutoSwitching"`
	IntervalBars  int            `json:"switchInterval"`
	Link          clock.Snapshot `json:"linkStatus"`
}

// Message is the envelope written to the push channel.
type Message struct {
	Type string `json:"type"`
	Data State  `json:"data"`
}

type eventKind int

const (
	eventTick eventKind = iota
	eventCommand
)

type event struct {
	kind eventKind
	tick clock.Tick
	cmd  func() error
	done chan error
}

// Engine owns the group store and the switch state. Only Run mutates them.
type Engine struct {
	store *groups.Store
	mixer Mixer
	pub   Publisher
	tempo Tempo
	log   *logrus.Entry

	events  chan event
	stopped chan struct{}

	// Loop-owned.
	auto     bool
	interval int
	snap     clock.Snapshot

	// view is the last state built by the loop, for readers outside it.
	viewMu sync.RWMutex
	view   State
}

// New returns an engine. Run must be called for commands to complete.
func New(store *groups.Store, mx Mixer, pub Publisher, tempo Tempo, opts Options) (*Engine, error) {
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Interval < 0 {
		return nil, errors.Wrapf(ErrInterval, "got %d", opts.Interval)
	}
	e := &Engine{
		store:    store,
		mixer:    mx,
		pub:      pub,
		tempo:    tempo,
		log:      logrus.WithField("component", "switcher"),
		events:   make(chan event, 16),
		stopped:  make(chan struct{}),
		auto:     opts.Auto,
		interval: opts.Interval,
		snap:     clock.Snapshot{BeatsPerBar: clock.BeatsPerBar},
	}
	e.refreshView()
	return e, nil
}

// Run processes ticks and commands in arrival order until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	e.publish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.events:
			switch ev.kind {
			case eventTick:
				e.handleTick(ev.tick)
			case eventCommand:
				ev.done <- ev.cmd()
			}
		}
	}
}

// OnTick feeds a clock tick into the loop. Beat transitions are always delivered;
// sub-beat ticks are dropped when the loop is busy.
func (e *Engine) OnTick(t clock.Tick) {
	ev := event{kind: eventTick, tick: t}
	if !t.Transition {
		select {
		case e.events <- ev:
		default:
		}
		return
	}
	select {
	case e.events <- ev:
	case <-e.stopped:
	}
}

func (e *Engine) handleTick(t clock.Tick) {
	e.snap = t.Snapshot
	if !t.Transition {
		e.viewMu.Lock()
		e.view.Link = e.snap
		e.viewMu.Unlock()
		return
	}
	if e.auto && e.atCycleStart() {
		next := e.store.Next()
		e.log.WithFields(logrus.Fields{"bar": e.snap.Bar, "group": next}).Debug("auto switch")
		if err := e.apply(next); err != nil {
			e.log.WithError(err).Error("auto switch failed")
		}
	}
	e.publish()
}

// atCycleStart reports whether the current beat is the downbeat of the first bar
// of a switch cycle.
func (e *Engine) atCycleStart() bool {
	bar := e.snap.Bar % e.interval
	if bar < 0 {
		bar += e.interval
	}
	return bar == 0 && e.snap.BeatInBar == 0
}

func (e *Engine) apply(idx int) error {
	prev := e.store.Active()
	if err := e.store.SwitchActive(idx); err != nil {
		return err
	}
	target, _ := e.store.At(idx)
	e.mixer.ApplyGroup(e.store.List(), target)

	e.log.WithFields(logrus.Fields{"from": prev, "to": idx}).Info("switched group")
	return nil
}

func (e *Engine) publish() {
	e.refreshView()
	e.pub.Publish(Message{Type: "state", Data: e.State()})
}

func (e *Engine) refreshView() {
	s := State{
		Groups:        e.store.List(),
		ActiveGroup:   e.store.Active(),
		AutoSwitching: e.auto,
		IntervalBars:  e.interval,
		Link:          e.snap,
	}
	e.viewMu.Lock()
	e.view = s
	e.viewMu.Unlock()
}

// State returns the aggregate state as of the last processed event.
func (e *Engine) State() State {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()

	s := e.view
	s.Groups = append([]groups.Group(nil), s.Groups...)
	return s
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	ev := event{kind: eventCommand, cmd: fn, done: make(chan error, 1)}
	select {
	case e.events <- ev:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.done:
		return err
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SwitchTo makes idx the active group immediately, regardless of the bar position.
func (e *Engine) SwitchTo(ctx context.Context, idx int) (State, error) {
	err := e.do(ctx, func() error {
		if err := e.apply(idx); err != nil {
			return err
		}
		e.publish()
		return nil
	})
	return e.State(), err
}

// Next advances to the following group, wrapping around.
func (e *Engine) Next(ctx context.Context) (State, error) {
	err := e.do(ctx, func() error {
		if err := e.apply(e.store.Next()); err != nil {
			return err
		}
		e.publish()
		return nil
	})
	return e.State(), err
}

// SetAutoSwitch toggles automatic switching. A nil interval keeps the current one.
func (e *Engine) SetAutoSwitch(ctx context.Context, enabled bool, interval *int) (State, error) {
	if interval != nil && *interval <= 0 {
		return e.State(), errors.Wrapf(ErrInterval, "got %d", *interval)
	}
	err := e.do(ctx, func() error {
		e.auto = enabled
		if interval != nil {
			e.interval = *interval
		}
		e.log.WithFields(logrus.Fields{"enabled": e.auto, "interval": e.interval}).Info("auto switch")
		e.publish()
		return nil
	})
	return e.State(), err
}

// UpdateGroup changes a group's name and/or channels.
func (e *Engine) UpdateGroup(ctx context.Context, id int, u groups.Update) (groups.Group, error) {
	var g groups.Group
	err := e.do(ctx, func() error {
		var err error
		if g, err = e.store.ApplyUpdate(id, u); err != nil {
			return err
		}
		e.publish()
		return nil
	})
	return g, err
}

// SetTempo changes the clock tempo and returns the tempo in effect.
func (e *Engine) SetTempo(ctx context.Context, bpm float64) (float64, error) {
	var tempo float64
	err := e.do(ctx, func() error {
		var err error
		tempo, err = e.tempo.SetTempo(bpm)
		if err != nil {
			return err
		}
		e.snap.Tempo = tempo
		e.publish()
		return nil
	})
	return tempo, err
}
