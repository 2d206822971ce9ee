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
	"context"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"
	"github.com/scgolang/syncclient"
	"github.com/scgolang/syncosc"
	"github.com/sirupsen/logrus"
)

// pulseTimeout is how long after the last pulse the master is still considered playing.
const pulseTimeout = time.Second

// reconnectDelay is the pause before registering with the master again.
const reconnectDelay = 500 * time.Millisecond

// connectFunc registers slave with the master on host and blocks while pulses arrive.
type connectFunc func(ctx context.Context, slave syncclient.Slave, host string) error

// pulsesPerBeat converts oscsync pulse counts into beats.
const pulsesPerBeat = float64(syncosc.PulsesPerBar) / BeatsPerBar

// Oscsync is a Timeline that follows an oscsync master.
type Oscsync struct {
	host   string
	cancel context.CancelFunc
	log    *logrus.Entry

	mu     sync.Mutex
	beat   float64
	tempo  float64
	lastAt time.Time
}

// NewOscsync registers as a slave of the oscsync master on host and keeps
// re-registering until ctx is done or Close is called.
// tempo is reported until the first pulse arrives.
func NewOscsync(ctx context.Context, host string, tempo float64) *Oscsync {
	return newOscsync(ctx, host, tempo, syncclient.Connect, reconnectDelay)
}

func newOscsync(ctx context.Context, host string, tempo float64, connect connectFunc, delay time.Duration) *Oscsync {
	ctx, cancel := context.WithCancel(ctx)
	o := &Oscsync{
		host:   host,
		cancel: cancel,
		tempo:  tempo,
		log:    logrus.WithFields(logrus.Fields{"component": "clock", "master": host}),
	}
	go o.follow(ctx, connect, delay)
	return o
}

// follow runs connect until ctx is done. The slave loop gives up whenever the
// master is missing or a bar pulse is late, so every return is retried.
func (o *Oscsync) follow(ctx context.Context, connect connectFunc, delay time.Duration) {
	for {
		err := connect(ctx, o, o.host)
		if ctx.Err() != nil {
			return
		}
		o.log.WithError(err).WithField("retry", delay).Warn("lost oscsync master")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Pulse implements syncclient.Slave.
func (o *Oscsync) Pulse(p syncosc.Pulse) error {
	o.mu.Lock()
	o.beat = float64(p.Count) / pulsesPerBeat
	o.tempo = float64(p.Tempo)
	o.lastAt = time.Now()
	o.mu.Unlock()
	return nil
}

// Sample returns the position of the latest pulse.
func (o *Oscsync) Sample() Sample {
	o.mu.Lock()
	defer o.mu.Unlock()

	return Sample{
		Beat:    o.beat,
		Phase:   math.Mod(o.beat, BeatsPerBar),
		Tempo:   o.tempo,
		Playing: o.playingLocked(),
	}
}

// SetTempo asks the master to change tempo. The new tempo shows up with the next pulse.
func (o *Oscsync) SetTempo(bpm float64) error {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(o.host, strconv.Itoa(syncosc.MasterPort)))
	if err != nil {
		return errors.Wrap(err, "resolving oscsync master address")
	}
	conn, err := osc.DialUDP("udp", nil, raddr)
	if err != nil {
		return errors.Wrap(err, "dialing oscsync master")
	}
	defer func() { _ = conn.Close() }()

	return errors.Wrap(conn.Send(osc.Message{
		Address: syncosc.AddressTempo,
		Arguments: osc.Arguments{
			osc.Float(bpm),
		},
	}), "sending tempo message")
}

// Peers is 1 while the master is sending pulses.
func (o *Oscsync) Peers() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.playingLocked() {
		return 1
	}
	return 0
}

// Close stops following the master.
func (o *Oscsync) Close() error {
	o.cancel()
	return nil
}

func (o *Oscsync) playingLocked() bool {
	return !o.lastAt.IsZero() && time.Since(o.lastAt) < pulseTimeout
}
