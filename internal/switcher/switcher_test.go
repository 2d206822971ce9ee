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

package switcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/lumsdnb/x32-madness-controller/internal/clock"
	"github.com/lumsdnb/x32-madness-controller/internal/groups"
)

type applied struct {
	target int
	bar    int
	beat   int
}

type fakeMixer struct {
	mu      sync.Mutex
	targets []int
}

func (f *fakeMixer) ApplyGroup(all []groups.Group, target groups.Group) {
	f.mu.Lock()
	f.targets = append(f.targets, target.ID)
	f.mu.Unlock()
}

func (f *fakeMixer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []Message
}

func (f *fakePublisher) Publish(v interface{}) {
	f.mu.Lock()
	f.msgs = append(f.msgs, v.(Message))
	f.mu.Unlock()
}

func (f *fakePublisher) last() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

type fakeTempo struct {
	bpm float64
}

func (f *fakeTempo) SetTempo(bpm float64) (float64, error) {
	if bpm < clock.MinTempo || bpm > clock.MaxTempo {
		return f.bpm, errors.Wrap(clock.ErrTempoRange, "test")
	}
	f.bpm = bpm
	return bpm, nil
}

func newEngine(t *testing.T, n int, opts Options) (*Engine, *fakeMixer, *fakePublisher) {
	t.Helper()
	mx, pub := &fakeMixer{}, &fakePublisher{}
	e, err := New(groups.New(n), mx, pub, &fakeTempo{bpm: 120}, opts)
	if err != nil {
		t.Fatal(err)
	}
	return e, mx, pub
}

// play feeds the beat counter from 0 to beats in steps of 1/8 through a real tracker,
// recording every switch along with its position.
func play(e *Engine, beats float64) []applied {
	var (
		tr      = clock.NewTracker()
		out     []applied
		current = e.store.Active()
	)
	for b := 0.0; b <= beats; b += 0.125 {
		snap, transition := tr.Observe(clock.Sample{Beat: b, Tempo: 120, Playing: true})
		e.handleTick(clock.Tick{Snapshot: snap, Transition: transition})
		if a := e.store.Active(); a != current {
			out = append(out, applied{target: a, bar: snap.Bar, beat: snap.BeatInBar})
			current = a
		}
	}
	return out
}

func TestAutoSwitchScenario(t *testing.T) {
	e, mx, _ := newEngine(t, 3, Options{Interval: 2, Auto: true})

	got := play(e, 27)
	expected := []applied{
		{target: 1, bar: 2, beat: 0},
		{target: 2, bar: 4, beat: 0},
		{target: 0, bar: 6, beat: 0},
	}
	if len(got) != len(expected) {
		t.Fatalf("expected %d switches, got %+v", len(expected), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("switch %d: expected %+v, got %+v", i, expected[i], got[i])
		}
	}
	if mx.count() != 3 {
		t.Fatalf("expected 3 mixer applications, got %d", mx.count())
	}
}

func TestAutoSwitchOnlyAtCycleStart(t *testing.T) {
	e, _, _ := newEngine(t, 4, Options{Interval: 4, Auto: true})

	for beat := 1; beat <= 64; beat++ {
		before := e.store.Active()
		snap := clock.Snapshot{Bar: beat / 4, BeatInBar: beat % 4, BeatsPerBar: 4}
		e.handleTick(clock.Tick{Snapshot: snap, Transition: true})

		advanced := e.store.Active() != before
		expected := snap.Bar%4 == 0 && snap.BeatInBar == 0
		if advanced != expected {
			t.Fatalf("bar %d beat %d: advanced=%v, expected %v", snap.Bar, snap.BeatInBar, advanced, expected)
		}
	}
}

func TestAutoSwitchEdgeTriggered(t *testing.T) {
	e, mx, _ := newEngine(t, 4, Options{Interval: 1, Auto: true})

	downbeat := clock.Snapshot{Bar: 3, BeatInBar: 0, BeatsPerBar: 4}
	e.handleTick(clock.Tick{Snapshot: downbeat, Transition: true})
	for i := 0; i < 20; i++ {
		e.handleTick(clock.Tick{Snapshot: downbeat})
	}
	if e.store.Active() != 1 || mx.count() != 1 {
		t.Fatalf("expected a single switch, active=%d applications=%d", e.store.Active(), mx.count())
	}
}

func TestAutoSwitchDisabled(t *testing.T) {
	e, mx, pub := newEngine(t, 4, Options{Interval: 1})

	got := play(e, 16)
	if len(got) != 0 || mx.count() != 0 {
		t.Fatalf("expected no switches, got %+v", got)
	}
	// Every beat transition still publishes.
	if n := len(pub.msgs); n != 16 {
		t.Fatalf("expected 16 beat publishes, got %d", n)
	}
}

func TestSubBeatTickUpdatesViewOnly(t *testing.T) {
	e, _, pub := newEngine(t, 2, Options{})

	e.handleTick(clock.Tick{Snapshot: clock.Snapshot{Tempo: 133, Bar: 1}})
	if len(pub.msgs) != 0 {
		t.Fatal("sub-beat tick published")
	}
	if s := e.State(); s.Link.Tempo != 133 {
		t.Fatalf("expected view tempo 133, got %g", s.Link.Tempo)
	}
}

func TestNewRejectsInterval(t *testing.T) {
	if _, err := New(groups.New(1), &fakeMixer{}, &fakePublisher{}, &fakeTempo{}, Options{Interval: -1}); errors.Cause(err) != ErrInterval {
		t.Fatalf("expected ErrInterval, got %v", err)
	}
	e, _, _ := newEngine(t, 1, Options{})
	if e.State().IntervalBars != DefaultInterval {
		t.Fatalf("expected default interval %d", DefaultInterval)
	}
}

func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestCommands(t *testing.T) {
	e, mx, pub := newEngine(t, 4, Options{Interval: 4})
	runEngine(t, e)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.Run("switch out of range", func(t *testing.T) {
		s, err := e.SwitchTo(ctx, 5)
		if errors.Cause(err) != groups.ErrIndexRange {
			t.Fatalf("expected ErrIndexRange, got %v", err)
		}
		if s.ActiveGroup != 0 || mx.count() != 0 {
			t.Fatalf("state changed on rejected switch: %+v", s)
		}
	})

	t.Run("switch", func(t *testing.T) {
		s, err := e.SwitchTo(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if s.ActiveGroup != 2 || pub.last().Data.ActiveGroup != 2 {
			t.Fatalf("expected active 2, got %d", s.ActiveGroup)
		}
	})

	t.Run("next wraps", func(t *testing.T) {
		if _, err := e.Next(ctx); err != nil {
			t.Fatal(err)
		}
		s, err := e.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if s.ActiveGroup != 0 {
			t.Fatalf("expected wrap to 0, got %d", s.ActiveGroup)
		}
	})

	t.Run("auto switch", func(t *testing.T) {
		bad := 0
		if _, err := e.SetAutoSwitch(ctx, true, &bad); errors.Cause(err) != ErrInterval {
			t.Fatalf("expected ErrInterval, got %v", err)
		}
		iv := 8
		s, err := e.SetAutoSwitch(ctx, true, &iv)
		if err != nil {
			t.Fatal(err)
		}
		if !s.AutoSwitching || s.IntervalBars != 8 {
			t.Fatalf("unexpected state %+v", s)
		}
		s, err = e.SetAutoSwitch(ctx, false, nil)
		if err != nil {
			t.Fatal(err)
		}
		if s.AutoSwitching || s.IntervalBars != 8 {
			t.Fatalf("interval should be kept: %+v", s)
		}
	})

	t.Run("update group", func(t *testing.T) {
		name, chs := "Drums", []int{1, 2, 3}
		g, err := e.UpdateGroup(ctx, 1, groups.Update{Name: &name, Channels: &chs})
		if err != nil {
			t.Fatal(err)
		}
		if g.Name != "Drums" || pub.last().Data.Groups[0].Name != "Drums" {
			t.Fatalf("update not published: %+v", g)
		}
		if _, err := e.UpdateGroup(ctx, 99, groups.Update{Name: &name}); errors.Cause(err) != groups.ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("tempo", func(t *testing.T) {
		got, err := e.SetTempo(ctx, 250)
		if errors.Cause(err) != clock.ErrTempoRange {
			t.Fatalf("expected ErrTempoRange, got %v", err)
		}
		if got != 120 {
			t.Fatalf("expected prior tempo 120, got %g", got)
		}
		if got, err = e.SetTempo(ctx, 128); err != nil || got != 128 {
			t.Fatalf("expected 128, got %g (%v)", got, err)
		}
		if pub.last().Data.Link.Tempo != 128 {
			t.Fatal("tempo change not published")
		}
	})
}

func TestCommandAfterStop(t *testing.T) {
	e, _, _ := newEngine(t, 2, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Run(ctx)

	if _, err := e.Next(context.Background()); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	// Must not block.
	e.OnTick(clock.Tick{Transition: true})
}

func TestRunPublishesInitialState(t *testing.T) {
	e, _, pub := newEngine(t, 3, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Run(ctx)

	if len(pub.msgs) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.msgs))
	}
	m := pub.msgs[0]
	if m.Type != "state" || len(m.Data.Groups) != 3 || m.Data.Link.BeatsPerBar != 4 {
		t.Fatalf("unexpected initial message %+v", m)
	}
}
