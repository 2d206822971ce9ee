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

// Package announce advertises the HTTP surface over mDNS and finds it again.
package announce

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// Service is the DNS-SD service type.
	Service = "_mutesync._tcp"

	// Domain is the mDNS domain.
	Domain = "local."
)

// ErrNotFound is returned when no server answers before the browse timeout.
var ErrNotFound = errors.New("no server found")

// Server is a running advertisement.
type Server struct {
	zc  *zeroconf.Server
	log *logrus.Entry
}

// Register advertises instance on port until Shutdown is called.
func Register(instance string, port int, txt ...string) (*Server, error) {
	zc, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, errors.Wrap(err, "registering mDNS service")
	}
	s := &Server{
		zc:  zc,
		log: logrus.WithFields(logrus.Fields{"component": "announce", "instance": instance}),
	}
	s.log.WithField("port", port).Info("advertising service")
	return s, nil
}

// Shutdown withdraws the advertisement.
func (s *Server) Shutdown() {
	s.zc.Shutdown()
	s.log.Info("advertisement withdrawn")
}

// PortOf extracts the port from a listen address such as ":3001".
func PortOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %q", addr)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing port of %q", addr)
	}
	return port, nil
}

// Discover browses for a server and returns the host:port of the first one found.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", errors.Wrap(err, "initializing resolver")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			select {
			case found <- net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port)):
				cancel()
			default:
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", errors.Wrap(err, "browsing")
	}
	<-ctx.Done()

	select {
	case addr := <-found:
		return addr, nil
	default:
		return "", errors.Wrap(ErrNotFound, fmt.Sprintf("after %s", timeout))
	}
}
