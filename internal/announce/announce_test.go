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

package announce

import "testing"

func TestPortOf(t *testing.T) {
	tests := []struct {
		addr     string
		expected int
		wantErr  bool
	}{
		{addr: ":3001", expected: 3001},
		{addr: "0.0.0.0:8080", expected: 8080},
		{addr: "[::1]:9000", expected: 9000},
		{addr: "3001", wantErr: true},
		{addr: "host:http", wantErr: true},
	}
	for _, tt := range tests {
		got, err := PortOf(tt.addr)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected an error", tt.addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.addr, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("%q: expected %d, got %d", tt.addr, tt.expected, got)
		}
	}
}
