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

// Package broadcast pushes the latest state to WebSocket observers.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// writeTimeout bounds a single push to one observer.
const writeTimeout = 5 * time.Second

// Hub holds the connected observers and the most recent snapshot.
type Hub struct {
	log *logrus.Entry

	mu        sync.Mutex
	last      []byte
	observers map[uuid.UUID]*observer
	closed    bool
}

// observer has room for exactly one pending snapshot. A newer snapshot replaces
// one the writer has not picked up yet.
type observer struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{
		log:       logrus.WithField("component", "broadcast"),
		observers: make(map[uuid.UUID]*observer),
	}
}

// Publish marshals v and queues it for every observer. It never blocks on a slow observer.
func (h *Hub) Publish(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("marshalling snapshot")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.last = b
	for _, o := range h.observers {
		o.offer(b)
	}
}

// offer must be called with the hub lock held, which makes Publish the only sender.
func (o *observer) offer(b []byte) {
	select {
	case <-o.send:
	default:
	}
	o.send <- b
}

// Register adds conn as an observer. The latest snapshot, if any, is its first message.
func (h *Hub) Register(conn *websocket.Conn) (uuid.UUID, error) {
	o := &observer{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return uuid.Nil, errors.New("hub is closed")
	}
	if h.last != nil {
		o.send <- h.last
	}
	h.observers[o.id] = o
	n := len(h.observers)
	h.mu.Unlock()

	go h.write(o)

	h.log.WithFields(logrus.Fields{"observer": o.id, "observers": n}).Info("observer connected")
	return o.id, nil
}

// Unregister drops an observer and closes its connection.
func (h *Hub) Unregister(id uuid.UUID) {
	h.mu.Lock()
	o, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
	}
	n := len(h.observers)
	h.mu.Unlock()

	if !ok {
		return
	}
	o.stop()
	h.log.WithFields(logrus.Fields{"observer": id, "observers": n}).Info("observer disconnected")
}

// Serve registers conn and blocks until the peer goes away.
func (h *Hub) Serve(conn *websocket.Conn) error {
	id, err := h.Register(conn)
	if err != nil {
		return err
	}
	defer h.Unregister(id)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

// Len returns the number of connected observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close disconnects every observer. Later registrations are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	obs := h.observers
	h.observers = make(map[uuid.UUID]*observer)
	h.closed = true
	h.mu.Unlock()

	for _, o := range obs {
		o.stop()
	}
	return nil
}

func (h *Hub) write(o *observer) {
	for {
		select {
		case <-o.done:
			return
		case b := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := o.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.WithError(err).WithField("observer", o.id).Debug("push failed")
				h.Unregister(o.id)
				return
			}
		}
	}
}

func (o *observer) stop() {
	close(o.done)
	_ = o.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	_ = o.conn.Close()
}
