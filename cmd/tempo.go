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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lumsdnb/x32-madness-controller/internal/announce"
)

const requestTimeout = 2 * time.Second

var serverAddr string

// tempoCmd represents the tempo command
var tempoCmd = &cobra.Command{
	Use:   "tempo [bpm]",
	Short: "Read or change the tempo of a running server",
	Long: `Read or change the tempo of a running server.

Without an argument the current tempo is printed. The server is found over
mDNS unless --server is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := findServer(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return readTempo(addr)
		}
		tempo, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return errors.Wrap(err, "parsing tempo")
		}
		return writeTempo(addr, tempo)
	},
}

func init() {
	tempoCmd.Flags().StringVarP(&serverAddr, "server", "s", "", "host:port of a running server")
	RootCmd.AddCommand(tempoCmd)
}

// findServer returns --server, or browses for a server on the local network.
func findServer(ctx context.Context) (string, error) {
	if serverAddr != "" {
		return serverAddr, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	addr, err := announce.Discover(ctx, requestTimeout)
	if err != nil {
		return "", errors.Wrap(err, "looking for a server (use --server)")
	}
	logrus.WithField("addr", addr).Debug("found server")
	return addr, nil
}

// readTempo prints the current tempo of a running server.
func readTempo(addr string) error {
	client := http.Client{Timeout: requestTimeout}

	resp, err := client.Get("http://" + addr + "/api/status")
	if err != nil {
		return errors.Wrap(err, "requesting status")
	}
	defer resp.Body.Close()

	var status struct {
		Tempo float64 `json:"linkTempo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return errors.Wrap(err, "decoding status")
	}
	fmt.Printf("%f\n", status.Tempo)
	return nil
}

// writeTempo asks a running server to change tempo.
func writeTempo(addr string, tempo float64) error {
	client := http.Client{Timeout: requestTimeout}

	body, err := json.Marshal(map[string]float64{"tempo": tempo})
	if err != nil {
		return err
	}
	resp, err := client.Post("http://"+addr+"/api/link/tempo", "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "sending tempo")
	}
	defer resp.Body.Close()

	var reply struct {
		Error string  `json:"error"`
		Tempo float64 `json:"tempo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return errors.Wrap(err, "decoding reply")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s (tempo is %g)", reply.Error, reply.Tempo)
	}
	fmt.Printf("%f\n", reply.Tempo)
	return nil
}
