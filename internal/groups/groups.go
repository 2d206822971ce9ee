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

// Package groups holds the ordered channel groups and the active-group index.
package groups

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// MinChannel is the lowest input channel on the console.
	MinChannel = 1

	// MaxChannel is the highest input channel on the console.
	MaxChannel = 32
)

// Validation errors.
var (
	ErrNotFound     = errors.New("group not found")
	ErrIndexRange   = errors.New("group index out of range")
	ErrChannelRange = errors.New("channel out of range")
)

// Group is a named set of input channels that are unmuted together.
type Group struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Channels []int  `json:"channels"`
}

// Update carries the fields of a group that may change.
// Nil fields are left alone.
type Update struct {
	Name     *string `json:"name,omitempty"`
	Channels *[]int  `json:"channels,omitempty"`
}

// Store owns the groups and the active index.
// It is not safe for concurrent use; the switcher engine is its only writer.
type Store struct {
	groups []Group
	active int
}

// New creates a store with n empty groups named "Group 1".."Group n".
func New(n int) *Store {
	gs := make([]Group, n)
	for i := range gs {
		gs[i] = Group{ID: i + 1, Name: fmt.Sprintf("Group %d", i+1), Channels: []int{}}
	}
	return &Store{groups: gs}
}

// FromGroups creates a store from predefined groups.
// Ids are assigned by position when zero.
func FromGroups(gs []Group) (*Store, error) {
	if len(gs) == 0 {
		return nil, errors.New("at least one group is required")
	}
	s := &Store{groups: make([]Group, len(gs))}
	for i, g := range gs {
		if err := validateChannels(g.Channels); err != nil {
			return nil, errors.Wrapf(err, "group %d", i+1)
		}
		if g.ID == 0 {
			g.ID = i + 1
		}
		if g.Name == "" {
			g.Name = fmt.Sprintf("Group %d", i+1)
		}
		g.Channels = copyInts(g.Channels)
		s.groups[i] = g
	}
	return s, nil
}

// Len returns the number of groups.
func (s *Store) Len() int {
	return len(s.groups)
}

// Active returns the index of the active group.
func (s *Store) Active() int {
	return s.active
}

// List returns a copy of all groups in order.
func (s *Store) List() []Group {
	out := make([]Group, len(s.groups))
	for i, g := range s.groups {
		out[i] = g.clone()
	}
	return out
}

// At returns a copy of the group at index i.
func (s *Store) At(i int) (Group, error) {
	if i < 0 || i >= len(s.groups) {
		return Group{}, errors.Wrapf(ErrIndexRange, "index %d, have %d groups", i, len(s.groups))
	}
	return s.groups[i].clone(), nil
}

// Get returns a copy of the group with the given id.
func (s *Store) Get(id int) (Group, error) {
	i := s.indexOf(id)
	if i < 0 {
		return Group{}, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	return s.groups[i].clone(), nil
}

// ApplyUpdate changes the name and/or channels of the group with the given id.
// Channels are checked against the console range; the same channel may appear in
// more than one group.
func (s *Store) ApplyUpdate(id int, u Update) (Group, error) {
	i := s.indexOf(id)
	if i < 0 {
		return Group{}, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	if u.Channels != nil {
		if err := validateChannels(*u.Channels); err != nil {
			return Group{}, err
		}
	}
	g := &s.groups[i]
	if u.Name != nil {
		g.Name = *u.Name
	}
	if u.Channels != nil {
		g.Channels = copyInts(*u.Channels)
	}
	return g.clone(), nil
}

// SwitchActive makes the group at index idx active.
// On error the active index is unchanged.
func (s *Store) SwitchActive(idx int) error {
	if idx < 0 || idx >= len(s.groups) {
		return errors.Wrapf(ErrIndexRange, "index %d, have %d groups", idx, len(s.groups))
	}
	s.active = idx
	return nil
}

// Next returns the index after the active one, wrapping around.
func (s *Store) Next() int {
	return (s.active + 1) % len(s.groups)
}

func (s *Store) indexOf(id int) int {
	for i, g := range s.groups {
		if g.ID == id {
			return i
		}
	}
	return -1
}

func (g Group) clone() Group {
	g.Channels = copyInts(g.Channels)
	return g
}

func validateChannels(chs []int) error {
	for _, ch := range chs {
		if ch < MinChannel || ch > MaxChannel {
			return errors.Wrapf(ErrChannelRange, "channel %d not in [%d,%d]", ch, MinChannel, MaxChannel)
		}
	}
	return nil
}

func copyInts(in []int) []int {
	out := make([]int, len(in))
	copy(out, in)
	return out
}
