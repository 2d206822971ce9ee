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
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/lumsdnb/x32-madness-controller/internal/groups"
	"github.com/lumsdnb/x32-madness-controller/internal/mixer"
)

var channelsFlags struct {
	host    string
	port    int
	timeout time.Duration
}

// channelsCmd represents the channels command
var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Query the mute state of every console channel",
	Long:  `Query the mute state of every console channel directly over OSC.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		ep := cfg.Mixer.Endpoint()
		if cmd.Flags().Changed("host") {
			ep.Host = channelsFlags.host
		}
		if cmd.Flags().Changed("port") {
			ep.Port = channelsFlags.port
		}
		ctx, cancel := signalContext()
		defer cancel()

		link, err := mixer.Open(ctx, ep, mixer.UDPDialer(cfg.Mixer.LocalPort))
		if err != nil {
			return errors.Wrap(err, "opening console link")
		}
		defer link.Close()

		if !link.Probe(ctx, mixer.DefaultProbeTimeout) {
			return errors.Errorf("no console answering at %s", ep)
		}
		states := link.ChannelStates(ctx, channelsFlags.timeout)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tSTATE")
		for ch := groups.MinChannel; ch <= groups.MaxChannel; ch++ {
			state := "unknown"
			if v := states[ch]; v != nil {
				state = "muted"
				if int32(*v) == mixer.MuteOff {
					state = "on"
				}
			}
			fmt.Fprintf(w, "%02d\t%s\n", ch, state)
		}
		return w.Flush()
	},
}

func init() {
	flags := channelsCmd.Flags()
	flags.StringVar(&channelsFlags.host, "host", "", "console host, overrides the config file")
	flags.IntVar(&channelsFlags.port, "port", mixer.DefaultPort, "console OSC port")
	flags.DurationVar(&channelsFlags.timeout, "timeout", mixer.DefaultQueryTimeout, "per-channel reply timeout")
	RootCmd.AddCommand(channelsCmd)
}
