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

package clock

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/DatanoiseTV/abletonlink-go"
	"github.com/pkg/errors"
)

// Link is a Timeline backed by an Ableton Link session.
type Link struct {
	link *abletonlink.Link

	// session state objects are not safe for concurrent use
	mu     sync.Mutex
	state  *abletonlink.SessionState
	closed bool

	tempo atomic.Uint64 // math.Float64bits
	peers atomic.Int64
}

// NewLink joins the Link session with an initial tempo.
func NewLink(tempo float64) *Link {
	l := &Link{
		link:  abletonlink.NewLink(tempo),
		state: abletonlink.NewSessionState(),
	}
	l.tempo.Store(math.Float64bits(tempo))

	l.link.SetTempoCallback(func(bpm float64) {
		l.tempo.Store(math.Float64bits(bpm))
	})
	l.link.SetNumPeersCallback(func(n uint64) {
		l.peers.Store(int64(n))
	})
	l.link.Enable(true)
	l.link.EnableStartStopSync(true)
	return l
}

// Sample captures the session state at the current Link time.
func (l *Link) Sample() Sample {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Sample{Tempo: math.Float64frombits(l.tempo.Load())}
	}
	l.link.CaptureAppSessionState(l.state)
	now := l.link.ClockMicros()

	return Sample{
		Beat:    l.state.BeatAtTime(now, BeatsPerBar),
		Phase:   l.state.PhaseAtTime(now, BeatsPerBar),
		Tempo:   math.Float64frombits(l.tempo.Load()),
		Playing: l.state.IsPlaying(),
	}
}

// SetTempo commits a new tempo to the session.
func (l *Link) SetTempo(bpm float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New("link session closed")
	}
	l.link.CaptureAppSessionState(l.state)
	l.state.SetTempo(bpm, l.link.ClockMicros())
	l.link.CommitAppSessionState(l.state)
	l.tempo.Store(math.Float64bits(bpm))
	return nil
}

// Peers returns the number of other Link peers.
func (l *Link) Peers() int {
	return int(l.peers.Load())
}

// Close leaves the session and frees the native resources.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.link.Enable(false)
	l.link.Destroy()
	l.state.Destroy()
	return nil
}
