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

// Package clock follows a shared musical clock and reports beat transitions.
//
// A Timeline is the network-synchronized clock engine (Ableton Link or an oscsync
// master). A Source polls it at a fixed interval and a Tracker turns the continuous
// beat counter into discrete beat/bar transitions.
package clock

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// BeatsPerBar is the fixed bar length used for quantization.
	BeatsPerBar = 4

	// MinTempo and MaxTempo bound the tempo accepted by SetTempo (inclusive).
	MinTempo = 60
	MaxTempo = 200

	// DefaultTickInterval is how often the timeline is sampled.
	DefaultTickInterval = 10 * time.Millisecond
)

// ErrTempoRange is returned when a tempo change falls outside [MinTempo, MaxTempo].
var ErrTempoRange = errors.New("tempo out of range")

// Sample is one reading of a timeline.
type Sample struct {
	Beat    float64
	Phase   float64
	Tempo   float64
	Playing bool
}

// Timeline is a shared musical clock.
type Timeline interface {
	Sample() Sample
	SetTempo(bpm float64) error
	Peers() int
	Close() error
}

// Snapshot is the clock state derived from the latest sample.
type Snapshot struct {
	Enabled     bool    `json:"enabled"`
	Tempo       float64 `json:"tempo"`
	Beat        float64 `json:"beats"`
	BeatInBar   int     `json:"currentBeat"`
	BeatsPerBar int     `json:"beatsPerBar"`
	Bar         int     `json:"currentBar"`
	Playing     bool    `json:"isPlaying"`
	Peers       int     `json:"peers"`
}

// Tick is delivered to subscribers on every sample.
// Transition is true only when the integer beat changed.
type Tick struct {
	Snapshot
	Transition bool
}

// Tracker detects integer-beat crossings.
type Tracker struct {
	lastBeat int
	snap     Snapshot
}

// NewTracker returns a tracker positioned at bar 0, beat 0.
func NewTracker() *Tracker {
	return &Tracker{snap: Snapshot{BeatsPerBar: BeatsPerBar}}
}

// Observe folds a sample into the snapshot. Beat and bar positions only move when
// floor(s.Beat) differs from the last seen beat; tempo and play state always follow
// the sample.
func (t *Tracker) Observe(s Sample) (Snapshot, bool) {
	t.snap.Tempo = s.Tempo
	t.snap.Playing = s.Playing
	t.snap.Beat = s.Beat

	newBeat := int(math.Floor(s.Beat))
	if newBeat == t.lastBeat {
		return t.snap, false
	}
	t.lastBeat = newBeat
	t.snap.BeatInBar = floorMod(newBeat, BeatsPerBar)
	t.snap.Bar = floorDiv(newBeat, BeatsPerBar)
	return t.snap, true
}

// Snapshot returns the current snapshot.
func (t *Tracker) Snapshot() Snapshot {
	return t.snap
}

// Source samples a Timeline and fans ticks out to a subscriber.
type Source struct {
	tl  Timeline
	log *logrus.Entry
}

// NewSource wraps a timeline.
func NewSource(tl Timeline) *Source {
	return &Source{
		tl:  tl,
		log: logrus.WithField("component", "clock"),
	}
}

// Subscribe samples the timeline every interval and calls onTick with each result.
// It blocks until ctx is done.
func (s *Source) Subscribe(ctx context.Context, interval time.Duration, onTick func(Tick)) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	var (
		tracker = NewTracker()
		ticker  = time.NewTicker(interval)
	)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, transition := tracker.Observe(s.tl.Sample())
			snap.Enabled = true
			snap.Peers = s.tl.Peers()
			onTick(Tick{Snapshot: snap, Transition: transition})
		}
	}
}

// Tempo returns the tempo currently reported by the timeline.
func (s *Source) Tempo() float64 {
	return s.tl.Sample().Tempo
}

// SetTempo changes the shared tempo. Values outside [MinTempo, MaxTempo] are rejected
// and the previous tempo is kept. The tempo in effect is returned either way.
func (s *Source) SetTempo(bpm float64) (float64, error) {
	prev := s.Tempo()
	if math.IsNaN(bpm) || bpm < MinTempo || bpm > MaxTempo {
		return prev, errors.Wrapf(ErrTempoRange, "%g BPM not in [%d,%d]", bpm, MinTempo, MaxTempo)
	}
	if err := s.tl.SetTempo(bpm); err != nil {
		return prev, errors.Wrap(err, "setting timeline tempo")
	}
	s.log.WithField("tempo", bpm).Info("tempo changed")
	return bpm, nil
}

// Close stops the timeline.
func (s *Source) Close() error {
	return s.tl.Close()
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
