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

// Package mixer talks OSC over UDP to the mixing console.
//
// Commands are fire-and-forget. Queries send an argument-less message and wait for
// the console to answer on the same address; replies are matched to waiting queries
// through a correlation map keyed by address.
package mixer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lumsdnb/x32-madness-controller/internal/groups"
)

const (
	// DefaultPort is the console's OSC port.
	DefaultPort = 10023

	// AddressInfo is the liveness probe address.
	AddressInfo = "/xinfo"

	// DefaultQueryTimeout bounds a single channel query.
	DefaultQueryTimeout = 500 * time.Millisecond

	// DefaultProbeTimeout bounds the liveness probe.
	DefaultProbeTimeout = time.Second
)

// Values of /ch/NN/mix/on. The console calls the unmuted state "on".
const (
	MuteOn  int32 = 0
	MuteOff int32 = 1
)

// ErrEndpoint is returned for an unusable host/port pair.
var ErrEndpoint = errors.New("invalid mixer endpoint")

// ChannelAddress returns the mute address of a channel, e.g. /ch/07/mix/on.
func ChannelAddress(ch int) string {
	return fmt.Sprintf("/ch/%02d/mix/on", ch)
}

// Endpoint is the console's network address.
type Endpoint struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Validate checks the host is set and the port is usable.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return errors.Wrap(ErrEndpoint, "host is required")
	}
	if e.Port < 1 || e.Port > 65535 {
		return errors.Wrapf(ErrEndpoint, "port %d not in 1..65535", e.Port)
	}
	return nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Transport is a bidirectional OSC connection. *osc.UDPConn satisfies it.
type Transport interface {
	Send(p osc.Packet) error
	Serve(numWorkers int, dispatcher osc.Dispatcher) error
	Close() error
}

// DialFunc opens a transport to an endpoint.
type DialFunc func(ctx context.Context, ep Endpoint) (Transport, error)

// UDPDialer dials the console over UDP from localPort (0 picks a free port).
func UDPDialer(localPort int) DialFunc {
	return func(ctx context.Context, ep Endpoint) (Transport, error) {
		laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort("0.0.0.0", strconv.Itoa(localPort)))
		if err != nil {
			return nil, errors.Wrap(err, "resolving local address")
		}
		raddr, err := net.ResolveUDPAddr("udp", ep.String())
		if err != nil {
			return nil, errors.Wrap(err, "resolving console address")
		}
		conn, err := osc.DialUDPContext(ctx, "udp", laddr, raddr)
		if err != nil {
			return nil, errors.Wrap(err, "dialing console")
		}
		return conn, nil
	}
}

// Link owns the transport to the console.
type Link struct {
	ctx  context.Context
	dial DialFunc
	log  *logrus.Entry

	// mu guards the transport. Sends share it; replacing the transport is exclusive.
	mu       sync.RWMutex
	conn     Transport
	endpoint Endpoint
	closed   bool

	pendingMu sync.Mutex
	pending   map[string][]*pendingQuery

	// listeners are signalled on every inbound message, whatever its address.
	listenMu  sync.Mutex
	listeners map[chan struct{}]struct{}
}

// pendingQuery is one outstanding query. resolved flips exactly once, either
// by a reply or by the waiting side giving up.
type pendingQuery struct {
	resolved atomic.Bool
	reply    chan osc.Message
}

func (p *pendingQuery) settle() bool {
	return p.resolved.CompareAndSwap(false, true)
}

// Open dials the console and starts receiving replies.
func Open(ctx context.Context, ep Endpoint, dial DialFunc) (*Link, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	l := &Link{
		ctx:       ctx,
		dial:      dial,
		log:       logrus.WithField("component", "mixer"),
		pending:   make(map[string][]*pendingQuery),
		listeners: make(map[chan struct{}]struct{}),
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.connectLocked(ep); err != nil {
		return nil, err
	}
	return l, nil
}

// Endpoint returns the endpoint the link is currently pointed at.
func (l *Link) Endpoint() Endpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.endpoint
}

// Reconfigure dials ep and, once that succeeds, replaces the current transport.
// On failure the current transport stays in use.
// Queries in flight are not cancelled; they run into their timeout.
func (l *Link) Reconfigure(ep Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	conn, err := l.dial(l.ctx, ep)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", ep)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		_ = conn.Close()
		return errors.New("link is closed")
	}
	l.closeLocked()
	l.attachLocked(conn, ep)
	return nil
}

// Close releases the transport.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.closeLocked()
	return nil
}

func (l *Link) connectLocked(ep Endpoint) error {
	conn, err := l.dial(l.ctx, ep)
	if err != nil {
		return errors.Wrapf(err, "connecting to %s", ep)
	}
	l.attachLocked(conn, ep)
	return nil
}

func (l *Link) attachLocked(conn Transport, ep Endpoint) {
	l.conn = conn
	l.endpoint = ep
	go l.serve(conn, ep)

	l.log.WithField("endpoint", ep.String()).Info("connected to console")
}

func (l *Link) closeLocked() {
	if l.conn == nil {
		return
	}
	if err := l.conn.Close(); err != nil {
		l.log.WithError(err).Debug("closing transport")
	}
	l.conn = nil
}

func (l *Link) serve(conn Transport, ep Endpoint) {
	err := conn.Serve(1, replyDispatcher{l: l})
	l.log.WithField("endpoint", ep.String()).WithError(err).Debug("reply loop stopped")
}

// Send issues a command without waiting for a reply. Failures are logged.
func (l *Link) Send(address string, args ...int32) {
	msg := osc.Message{Address: address}
	for _, a := range args {
		msg.Arguments = append(msg.Arguments, osc.Int(a))
	}
	if err := l.send(msg); err != nil {
		l.log.WithError(err).WithField("address", address).Warn("send failed")
	}
}

func (l *Link) send(msg osc.Message) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.conn == nil {
		return errors.New("transport is closed")
	}
	return l.conn.Send(msg)
}

// Query sends an argument-less message to address and waits for the console to
// answer on the same address. It reports false when nothing arrives within timeout,
// ctx ends first, or the probe could not be sent.
func (l *Link) Query(ctx context.Context, address string, timeout time.Duration) (osc.Message, bool) {
	p := &pendingQuery{reply: make(chan osc.Message, 1)}

	// Register before sending so a fast reply is not missed.
	l.register(address, p)
	defer l.unregister(address, p)

	if err := l.send(osc.Message{Address: address}); err != nil {
		l.log.WithError(err).WithField("address", address).Debug("query not sent")
		return osc.Message{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-p.reply:
		return m, true
	case <-timer.C:
	case <-ctx.Done():
	}
	if p.settle() {
		return osc.Message{}, false
	}
	// A reply settled the query between the timer firing and now.
	return <-p.reply, true
}

// QueryInt is Query reading the reply's first argument as an integer.
// nil means no usable reply.
func (l *Link) QueryInt(ctx context.Context, address string, timeout time.Duration) *int {
	m, ok := l.Query(ctx, address, timeout)
	if !ok || len(m.Arguments) == 0 {
		return nil
	}
	v, err := m.Arguments[0].ReadInt32()
	if err != nil {
		l.log.WithError(err).WithField("address", address).Debug("reply is not an int")
		return nil
	}
	n := int(v)
	return &n
}

// ChannelStates queries every channel's mute state concurrently.
// Channels that do not answer within timeout map to nil.
func (l *Link) ChannelStates(ctx context.Context, timeout time.Duration) map[int]*int {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		states = make(map[int]*int, groups.MaxChannel)
	)
	for ch := groups.MinChannel; ch <= groups.MaxChannel; ch++ {
		ch := ch
		g.Go(func() error {
			v := l.QueryInt(ctx, ChannelAddress(ch), timeout)
			mu.Lock()
			states[ch] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return states
}

// Probe sends /xinfo and reports whether anything arrives from the console
// within timeout. Any inbound message counts, not only the /xinfo reply.
func (l *Link) Probe(ctx context.Context, timeout time.Duration) bool {
	heard := make(chan struct{}, 1)
	l.listen(heard)
	defer l.unlisten(heard)

	if err := l.send(osc.Message{Address: AddressInfo}); err != nil {
		l.log.WithError(err).Debug("probe not sent")
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-heard:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	return false
}

func (l *Link) listen(c chan struct{}) {
	l.listenMu.Lock()
	l.listeners[c] = struct{}{}
	l.listenMu.Unlock()
}

func (l *Link) unlisten(c chan struct{}) {
	l.listenMu.Lock()
	delete(l.listeners, c)
	l.listenMu.Unlock()
}

func (l *Link) notify() {
	l.listenMu.Lock()
	defer l.listenMu.Unlock()

	for c := range l.listeners {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of outstanding queries.
func (l *Link) Pending() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	n := 0
	for _, ps := range l.pending {
		n += len(ps)
	}
	return n
}

func (l *Link) register(address string, p *pendingQuery) {
	l.pendingMu.Lock()
	l.pending[address] = append(l.pending[address], p)
	l.pendingMu.Unlock()
}

func (l *Link) unregister(address string, p *pendingQuery) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	ps := l.pending[address]
	for i, q := range ps {
		if q == p {
			ps = append(ps[:i], ps[i+1:]...)
			break
		}
	}
	if len(ps) == 0 {
		delete(l.pending, address)
	} else {
		l.pending[address] = ps
	}
}

// resolve hands a reply to every query waiting on its address and drops them
// from the correlation map.
func (l *Link) resolve(msg osc.Message) {
	l.pendingMu.Lock()
	ps := l.pending[msg.Address]
	delete(l.pending, msg.Address)
	l.pendingMu.Unlock()

	for _, p := range ps {
		if p.settle() {
			p.reply <- msg
		}
	}
}

// replyDispatcher routes everything the console sends into the correlation map.
type replyDispatcher struct {
	l *Link
}

// Dispatch ignores bundles; the console only answers with plain messages.
func (d replyDispatcher) Dispatch(b osc.Bundle, exactMatch bool) error {
	return nil
}

// Invoke wakes probes and resolves the queries waiting on msg's address.
func (d replyDispatcher) Invoke(msg osc.Message, exactMatch bool) error {
	d.l.notify()
	d.l.resolve(msg)
	return nil
}
