// SPDX-License-Identifier: MIT

package core

import (
	"encoding/json"

	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/normalize"
	"github.com/pitwall-hq/pitwall/internal/persist"
)

// BeginReplay sets up a demo session for the recording, ending any active
// session first. Demo sessions skip auto-detection, progressive saving and
// recording.
func (c *Core) BeginReplay(doc *persist.ReplayDoc) error {
	return c.submitWait(func() error {
		if c.session != nil {
			c.endSession("superseded by replay")
		}
		c.startSession(event.SessionPayload{
			SessionKey:  doc.SessionKey,
			MeetingKey:  doc.CircuitKey,
			TrackName:   doc.TrackName,
			SessionType: "demo",
			SessionName: doc.SessionName,
			DateEnd:     doc.SessionEndMillis,
		}, true)
		return nil
	})
}

// InjectReplay feeds one recorded message through the live pipeline with
// the replay source, so arbitration always passes.
func (c *Core) InjectReplay(topic string, data json.RawMessage, timestampMillis int64) {
	payload := append(json.RawMessage(nil), data...)
	c.Submit(func() {
		if !c.replayMode {
			return
		}
		events, err := normalize.MQTT(topic, payload, timestampMillis)
		if err != nil {
			return
		}
		for i := range events {
			events[i].Source = event.SourceReplay
		}
		c.dispatch(events)
	})
}

// EndReplay tears the demo session down.
func (c *Core) EndReplay() {
	c.Submit(func() {
		if c.replayMode {
			c.endSession("replay finished")
		}
	})
}
