// SPDX-License-Identifier: MIT

package core

import (
	"github.com/pitwall-hq/pitwall/internal/broadcast"
	"github.com/pitwall-hq/pitwall/internal/log"
	"github.com/pitwall-hq/pitwall/internal/state"
)

// Transport names used by SetTransportStatus.
const (
	TransportMQTT    = "mqtt"
	TransportSignalR = "signalr"
	TransportREST    = "rest"
)

// CapabilityReport is the one-shot diagnostic emitted shortly after session
// start: which sources are connected, which display layers exist and how far
// sector derivation has come.
type CapabilityReport struct {
	MQTTConnected    bool                     `json:"mqttConnected"`
	SignalRConnected bool                     `json:"signalrConnected"`
	SignalRReason    string                   `json:"signalrReason,omitempty"`
	SignalRFresh     bool                     `json:"signalrFresh"`
	FallbackPolling  bool                     `json:"fallbackPolling"`
	TrackMapSource   string                   `json:"trackMapSource"`
	Sectors          state.SectorAvailability `json:"sectors"`
}

func (c *Core) capabilityReport() {
	s := c.session
	if s == nil {
		return
	}
	report := CapabilityReport{
		MQTTConnected:    c.transports[TransportMQTT].Connected,
		SignalRConnected: c.transports[TransportSignalR].Connected,
		SignalRReason:    c.transports[TransportSignalR].Reason,
		SignalRFresh:     c.arb.SignalRFresh(),
		FallbackPolling:  c.transports[TransportREST].Connected,
		TrackMapSource:   c.trackMapSource(s),
		Sectors:          s.SectorProgress(),
	}

	logger := log.WithSession("core", s.SessionKey)
	logger.Info().
		Bool("mqtt_connected", report.MQTTConnected).
		Bool("signalr_connected", report.SignalRConnected).
		Str("signalr_reason", report.SignalRReason).
		Bool("fallback_polling", report.FallbackPolling).
		Str("trackmap_source", report.TrackMapSource).
		Int("laps_total", report.Sectors.TotalLaps).
		Int("laps_with_sectors", report.Sectors.LapsWithSectors).
		Int("drivers_with_gps", report.Sectors.DriversWithGPS).
		Msg("capability report")

	c.bc.Broadcast(broadcast.RoomLive, broadcast.EventCapability, report)
}

func (c *Core) trackMapSource(s *state.Session) string {
	switch {
	case len(s.MultiviewerPath) >= 2:
		return "multiviewer"
	case len(s.BaselinePath) >= 2 && c.trackFromStore:
		return "stored"
	case len(s.BaselinePath) >= 2:
		return "live"
	default:
		return "pending"
	}
}
