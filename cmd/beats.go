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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lumsdnb/x32-madness-controller/internal/clock"
)

var beatsFlags struct {
	every int
}

// beatsCmd represents the beats command
var beatsCmd = &cobra.Command{
	Use:   "beats",
	Short: "Display beat transitions from the clock on stdout",
	Long:  `Display beat transitions from the clock on stdout, one line per beat as bar.beat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		tl, err := newTimeline(ctx, cfg.Clock)
		if err != nil {
			return err
		}
		src := clock.NewSource(tl)
		defer src.Close()

		n := 0
		return src.Subscribe(ctx, cfg.Clock.TickInterval, func(t clock.Tick) {
			if !t.Transition {
				return
			}
			if n++; beatsFlags.every > 1 && n%beatsFlags.every != 0 {
				return
			}
			fmt.Printf("%d.%d\t%.2f bpm\tpeers=%d\n", t.Bar, t.BeatInBar+1, t.Tempo, t.Peers)
		})
	},
}

func init() {
	beatsCmd.Flags().IntVarP(&beatsFlags.every, "every", "n", 1, "only display every n beats")
	RootCmd.AddCommand(beatsCmd)
}
