// SPDX-License-Identifier: MIT

// Package event defines the source-agnostic event schema shared by the
// ingestion adapters, the normalizer and the session core. Events are pure
// values; only the normalizer constructs them.
package event

import "encoding/json"

// Source identifies the upstream feed an event originated from.
type Source string

const (
	SourceMQTT    Source = "mqtt"
	SourceSignalR Source = "signalr"
	SourceReplay  Source = "replay"
)

// Type is the closed set of normalized event types.
type Type string

const (
	TypeSession     Type = "session"
	TypeDrivers     Type = "drivers"
	TypeLocation    Type = "location"
	TypeLap         Type = "lap"
	TypeCarData     Type = "car_data"
	TypeInterval    Type = "interval"
	TypePit         Type = "pit"
	TypeStint       Type = "stint"
	TypePosition    Type = "position"
	TypeRaceControl Type = "race_control"
	TypeWeather     Type = "weather"
	TypeOvertake    Type = "overtake"
	TypeClock       Type = "clock"
	TypeLapCount    Type = "lapcount"
	TypeTeamRadio   Type = "team_radio"
	TypeSessionData Type = "session_data"
	TypeUnknown     Type = "unknown"
)

// Event is a single normalized upstream message.
type Event struct {
	Type            Type
	Driver          int // 0 when the event is not driver-scoped
	TimestampMillis int64
	Source          Source
	Payload         Payload
}

// Payload is the closed sum of per-type payloads. The Unknown variant keeps
// unrecognised upstream topics observable without widening the type set.
type Payload interface {
	isPayload()
}

// DriverInfo describes one entrant.
type DriverInfo struct {
	Number      int    `json:"driverNumber"`
	Acronym     string `json:"acronym"`
	FullName    string `json:"fullName"`
	Team        string `json:"team"`
	TeamColour  string `json:"teamColour"`
	HeadshotURL string `json:"headshotUrl,omitempty"`
}

// GapValue is either a numeric gap in seconds or a lap-difference string
// such as "+1 LAP". Exactly one side is set.
type GapValue struct {
	Seconds *float64 `json:"seconds,omitempty"`
	Laps    string   `json:"laps,omitempty"`
}

// SessionPayload announces a scheduled session or its end.
type SessionPayload struct {
	SessionKey  int64
	MeetingKey  int64
	TrackName   string
	SessionType string
	SessionName string
	DateStart   int64 // unix millis
	DateEnd     int64 // unix millis
	Ended       bool  // upstream explicitly declared the session over
}

// DriversPayload carries the full entrant list.
type DriversPayload struct {
	Drivers []DriverInfo
}

// LocationPayload is a single GPS sample for one driver.
type LocationPayload struct {
	X float64
	Y float64
}

// LapPayload describes a lap, possibly partially populated. Optional numeric
// fields are pointers so that absent is distinguishable from zero.
type LapPayload struct {
	Lap         int
	Duration    *float64
	Sector1     *float64
	Sector2     *float64
	Sector3     *float64
	Segments1   []int
	Segments2   []int
	Segments3   []int
	I1Speed     *float64
	I2Speed     *float64
	STSpeed     *float64
	IsPitOutLap bool
	DateStart   int64 // unix millis
}

// CarDataPayload is a telemetry sample for one driver.
type CarDataPayload struct {
	Speed *float64
	DRS   *int
	Gear  *int
}

// IntervalPayload carries timing gaps for one driver.
type IntervalPayload struct {
	GapToLeader     GapValue
	IntervalToAhead GapValue
}

// PitPayload marks a pit stop for one driver.
type PitPayload struct {
	LapNumber   int
	PitDuration *float64
}

// StintPayload describes a tyre stint for one driver.
type StintPayload struct {
	Compound       string
	StintNumber    int
	LapStart       int
	TyreAgeAtStart int
	TotalLaps      *int
}

// PositionPayload is a race-order update for one driver.
type PositionPayload struct {
	Position int
}

// RaceControlPayload is one message from race control.
type RaceControlPayload struct {
	Category string
	Flag     string
	Scope    string
	Message  string
	Lap      *int
	Driver   *int
}

// WeatherPayload is a weather sample.
type WeatherPayload struct {
	AirTemp   *float64
	TrackTemp *float64
	Humidity  *float64
	Rainfall  *bool
	WindSpeed *float64
	WindDir   *float64
	Pressure  *float64
}

// OvertakePayload records one on-track overtake.
type OvertakePayload struct {
	OvertakingDriver int
	OvertakenDriver  int
	Position         int
}

// ClockPayload is a session-clock update.
type ClockPayload struct {
	RemainingMillis int64
	Running         bool
}

// LapCountPayload is the leader lap counter.
type LapCountPayload struct {
	CurrentLap int
	TotalLaps  int
}

// TeamRadioPayload references one team-radio capture.
type TeamRadioPayload struct {
	URL string
}

// SessionDataPayload carries opaque session-data series; the core stores it
// verbatim for persistence and replay.
type SessionDataPayload struct {
	Raw json.RawMessage
}

// UnknownPayload preserves unrecognised topics for forward compatibility.
type UnknownPayload struct {
	Topic string
	Raw   json.RawMessage
}

func (SessionPayload) isPayload()     {}
func (DriversPayload) isPayload()     {}
func (LocationPayload) isPayload()    {}
func (LapPayload) isPayload()         {}
func (CarDataPayload) isPayload()     {}
func (IntervalPayload) isPayload()    {}
func (PitPayload) isPayload()         {}
func (StintPayload) isPayload()       {}
func (PositionPayload) isPayload()    {}
func (RaceControlPayload) isPayload() {}
func (WeatherPayload) isPayload()     {}
func (OvertakePayload) isPayload()    {}
func (ClockPayload) isPayload()       {}
func (LapCountPayload) isPayload()    {}
func (TeamRadioPayload) isPayload()   {}
func (SessionDataPayload) isPayload() {}
func (UnknownPayload) isPayload()     {}
