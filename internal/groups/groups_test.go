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

package groups

import (
	"testing"

	"github.com/pkg/errors"
)

func TestNew(t *testing.T) {
	s := New(4)
	if expected, got := 4, s.Len(); expected != got {
		t.Fatalf("expected %d groups, got %d", expected, got)
	}
	for i, g := range s.List() {
		if g.ID != i+1 {
			t.Errorf("group %d: expected id %d, got %d", i, i+1, g.ID)
		}
		if g.Channels == nil {
			t.Errorf("group %d: channels should be empty, not nil", i)
		}
	}
	if s.Active() != 0 {
		t.Fatalf("expected active group 0, got %d", s.Active())
	}
}

func TestSwitchActive(t *testing.T) {
	tests := []struct {
		name     string
		idx      int
		wantErr  bool
		expected int
	}{
		{name: "first", idx: 0, expected: 0},
		{name: "last", idx: 3, expected: 3},
		{name: "past end", idx: 4, wantErr: true, expected: 2},
		{name: "way past end", idx: 5, wantErr: true, expected: 2},
		{name: "negative", idx: -1, wantErr: true, expected: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(4)
			if err := s.SwitchActive(2); err != nil {
				t.Fatal(err)
			}
			err := s.SwitchActive(tt.idx)
			if tt.wantErr {
				if errors.Cause(err) != ErrIndexRange {
					t.Fatalf("expected ErrIndexRange, got %v", err)
				}
			} else if err != nil {
				t.Fatal(err)
			}
			if got := s.Active(); got != tt.expected {
				t.Fatalf("expected active %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestApplyUpdate(t *testing.T) {
	name := "Drums"
	good := []int{1, 2, 32}
	bad := []int{1, 33}
	zero := []int{0}

	tests := []struct {
		name    string
		id      int
		update  Update
		wantErr error
	}{
		{name: "rename", id: 1, update: Update{Name: &name}},
		{name: "channels", id: 2, update: Update{Channels: &good}},
		{name: "both", id: 3, update: Update{Name: &name, Channels: &good}},
		{name: "channel too high", id: 1, update: Update{Name: &name, Channels: &bad}, wantErr: ErrChannelRange},
		{name: "channel zero", id: 1, update: Update{Channels: &zero}, wantErr: ErrChannelRange},
		{name: "unknown id", id: 9, update: Update{Name: &name}, wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(4)
			before, _ := s.Get(1)

			g, err := s.ApplyUpdate(tt.id, tt.update)
			if tt.wantErr != nil {
				if errors.Cause(err) != tt.wantErr {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				after, _ := s.Get(1)
				if after.Name != before.Name || len(after.Channels) != len(before.Channels) {
					t.Fatalf("group changed on rejected update: %+v", after)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if tt.update.Name != nil && g.Name != *tt.update.Name {
				t.Errorf("expected name %q, got %q", *tt.update.Name, g.Name)
			}
			if tt.update.Channels != nil && len(g.Channels) != len(*tt.update.Channels) {
				t.Errorf("expected channels %v, got %v", *tt.update.Channels, g.Channels)
			}
		})
	}
}

func TestChannelsMayOverlapAcrossGroups(t *testing.T) {
	s := New(2)
	chs := []int{5, 6}
	if _, err := s.ApplyUpdate(1, Update{Channels: &chs}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyUpdate(2, Update{Channels: &chs}); err != nil {
		t.Fatalf("overlapping channels should be accepted, got %v", err)
	}
}

func TestListReturnsCopies(t *testing.T) {
	s := New(1)
	chs := []int{1, 2}
	if _, err := s.ApplyUpdate(1, Update{Channels: &chs}); err != nil {
		t.Fatal(err)
	}
	list := s.List()
	list[0].Channels[0] = 30
	chs[1] = 31

	g, _ := s.Get(1)
	if g.Channels[0] != 1 || g.Channels[1] != 2 {
		t.Fatalf("store was mutated through a copy: %v", g.Channels)
	}
}

func TestFromGroups(t *testing.T) {
	s, err := FromGroups([]Group{
		{Name: "Band", Channels: []int{1, 2}},
		{Channels: []int{3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	g, err := s.At(1)
	if err != nil {
		t.Fatal(err)
	}
	if g.ID != 2 || g.Name != "Group 2" {
		t.Fatalf("unexpected defaults: %+v", g)
	}
	if _, err := FromGroups([]Group{{Channels: []int{40}}}); errors.Cause(err) != ErrChannelRange {
		t.Fatalf("expected ErrChannelRange, got %v", err)
	}
	if _, err := FromGroups(nil); err == nil {
		t.Fatal("expected error for empty group list")
	}
}

func TestNext(t *testing.T) {
	s := New(3)
	for _, expected := range []int{1, 2, 0, 1} {
		if err := s.SwitchActive(s.Next()); err != nil {
			t.Fatal(err)
		}
		if s.Active() != expected {
			t.Fatalf("expected %d, got %d", expected, s.Active())
		}
	}
}
