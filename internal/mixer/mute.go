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

package mixer

import (
	"github.com/sirupsen/logrus"

	"github.com/lumsdnb/x32-madness-controller/internal/groups"
)

// Mute sets a channel's mute state. Channels outside the console range are skipped.
func (l *Link) Mute(ch int, muted bool) {
	if ch < groups.MinChannel || ch > groups.MaxChannel {
		l.log.WithField("channel", ch).Debug("skipping channel out of range")
		return
	}
	v := MuteOff
	if muted {
		v = MuteOn
	}
	l.Send(ChannelAddress(ch), v)
	l.log.WithFields(logrus.Fields{"channel": ch, "muted": muted}).Debug("mute")
}

// ApplyGroup mutes every channel of every group, then unmutes the channels of target.
// All mutes are issued before the first unmute, so a channel shared between groups
// ends up unmuted when it belongs to target. Nothing waits for the console.
func (l *Link) ApplyGroup(all []groups.Group, target groups.Group) {
	for _, g := range all {
		for _, ch := range g.Channels {
			l.Mute(ch, true)
		}
	}
	for _, ch := range target.Channels {
		l.Mute(ch, false)
	}
	l.log.WithFields(logrus.Fields{"group": target.ID, "name": target.Name}).Info("applied group")
}
