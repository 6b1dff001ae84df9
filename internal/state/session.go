// SPDX-License-Identifier: MIT

// Package state holds the authoritative in-memory model of the active
// session. All mutation goes through the core's single writer; the types
// here carry JSON tags so a snapshot serializes directly into the session
// document layout.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitwall-hq/pitwall/internal/event"
	"github.com/pitwall-hq/pitwall/internal/geom"
)

// Session types recognised upstream.
const (
	SessionTypeRace       = "race"
	SessionTypeSprint     = "sprint"
	SessionTypeQualifying = "qualifying"
	SessionTypePractice   = "practice"
	SessionTypeDemo       = "demo"
)

// Lap is one completed (or progressively completing) lap of one driver.
// Optional fields are pointers so progressive upserts can distinguish
// "not yet reported" from zero.
type Lap struct {
	Driver      int      `json:"driverNumber"`
	Lap         int      `json:"lapNumber"`
	Duration    *float64 `json:"duration,omitempty"`
	Sector1     *float64 `json:"sector1,omitempty"`
	Sector2     *float64 `json:"sector2,omitempty"`
	Sector3     *float64 `json:"sector3,omitempty"`
	Segments1   []int    `json:"segments1,omitempty"`
	Segments2   []int    `json:"segments2,omitempty"`
	Segments3   []int    `json:"segments3,omitempty"`
	I1Speed     *float64 `json:"i1Speed,omitempty"`
	I2Speed     *float64 `json:"i2Speed,omitempty"`
	STSpeed     *float64 `json:"stSpeed,omitempty"`
	IsPitOutLap bool     `json:"isPitOutLap"`
	DateStart   int64    `json:"dateStart"`
}

// Stint is a contiguous run on one set of tyres.
type Stint struct {
	Compound       string `json:"compound"`
	StintNumber    int    `json:"stintNumber"`
	LapStart       int    `json:"lapStart"`
	TyreAgeAtStart int    `json:"tyreAgeAtStart"`
	TotalLaps      *int   `json:"totalLaps,omitempty"`
	Source         string `json:"source"`
}

// PitSample is one in-pit position with the speed observed at capture time.
type PitSample struct {
	Point    geom.Point `json:"point"`
	SpeedKPH float64    `json:"speedKph"`
}

// PitState tracks one driver's pit activity. RecordedLaps remembers which
// lap numbers have already contributed a stop, so re-delivered pit records
// stay idempotent.
type PitState struct {
	Count             int          `json:"count"`
	LastDuration      float64      `json:"lastDuration"`
	InPit             bool         `json:"inPit"`
	EntryPosition     *geom.Point  `json:"entryPosition,omitempty"`
	PitEntryLeaderLap int          `json:"pitEntryLeaderLap"`
	LanePositions     []PitSample  `json:"accumulatedPitLanePositions,omitempty"`
	RecordedLaps      map[int]bool `json:"recordedLaps,omitempty"`
}

// CarTelemetry is the latest telemetry sample for one driver.
type CarTelemetry struct {
	SpeedKPH float64 `json:"speed"`
	DRS      int     `json:"drs"`
	Gear     int     `json:"gear"`
}

// Intervals are the latest timing gaps for one driver.
type Intervals struct {
	GapToLeader     event.GapValue `json:"gapToLeader"`
	IntervalToAhead event.GapValue `json:"intervalToAhead"`
}

// Weather is the merged latest weather reading.
type Weather struct {
	AirTemp   float64 `json:"airTemperature"`
	TrackTemp float64 `json:"trackTemperature"`
	Humidity  float64 `json:"humidity"`
	Rainfall  bool    `json:"rainfall"`
	WindSpeed float64 `json:"windSpeed"`
	WindDir   float64 `json:"windDirection"`
	Pressure  float64 `json:"pressure"`
}

// WeatherSample is a thinned history entry.
type WeatherSample struct {
	Weather
	Millis int64 `json:"timestamp"`
}

// RaceControlMessage is one ordered race-control event.
type RaceControlMessage struct {
	Category string `json:"category"`
	Flag     string `json:"flag,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Message  string `json:"message"`
	Lap      *int   `json:"lap,omitempty"`
	Driver   *int   `json:"driverNumber,omitempty"`
	Millis   int64  `json:"timestamp"`
}

// Overtake is one ordered overtake record.
type Overtake struct {
	OvertakingDriver int   `json:"overtakingDriverNumber"`
	OvertakenDriver  int   `json:"overtakenDriverNumber"`
	Position         int   `json:"position"`
	Millis           int64 `json:"timestamp"`
}

// TeamRadioCapture references one radio exchange.
type TeamRadioCapture struct {
	Driver int    `json:"driverNumber"`
	URL    string `json:"url"`
	Millis int64  `json:"timestamp"`
}

// Session is the in-memory model of the active session.
type Session struct {
	SessionKey  int64     `json:"sessionKey"`
	MeetingKey  int64     `json:"meetingKey"`
	TrackName   string    `json:"trackName"`
	SessionType string    `json:"sessionType"`
	SessionName string    `json:"sessionName"`
	DateEnd     time.Time `json:"dateEnd"`

	Drivers         map[int]event.DriverInfo          `json:"drivers"`
	PositionHistory map[int]map[int][]geom.TimedPoint `json:"positionHistory"`
	CurrentPosition map[int]geom.Point                `json:"currentPosition"`
	CurrentLap      map[int]int                       `json:"currentLap"`
	CompletedLaps   map[string]*Lap                   `json:"completedLaps"`
	SessionBestLap  float64                           `json:"sessionBestLap"`
	BestLap         map[int]float64                   `json:"bestLap"`
	RacePosition    map[int]int                       `json:"racePosition"`
	IntervalsByCar  map[int]Intervals                 `json:"intervals"`
	Stints          map[int]*Stint                    `json:"stints"`
	StintHistory    map[int][]Stint                   `json:"stintHistory"`
	Pits            map[int]*PitState                 `json:"pits"`
	CarData         map[int]CarTelemetry              `json:"carData"`

	Weather        *Weather             `json:"weather,omitempty"`
	WeatherHistory []WeatherSample      `json:"weatherHistory,omitempty"`
	RaceControl    []RaceControlMessage `json:"raceControlMessages"`
	Overtakes      []Overtake           `json:"overtakes"`
	TeamRadio      []TeamRadioCapture   `json:"teamRadio,omitempty"`
	SessionData    []json.RawMessage    `json:"sessionData,omitempty"`

	BaselinePath    []geom.Point           `json:"baselinePath,omitempty"`
	BaselineArc     []float64              `json:"baselineArc,omitempty"`
	MultiviewerPath []geom.Point           `json:"multiviewerPath,omitempty"`
	MultiviewerArc  []float64              `json:"multiviewerArc,omitempty"`
	Corners         []geom.Corner          `json:"corners,omitempty"`
	SectorBounds    *geom.SectorBoundaries `json:"sectorBoundaries,omitempty"`
	SectorCrossings []geom.SectorCrossings `json:"sectorCrossings,omitempty"`
	PitProfile      *geom.PitLaneProfile   `json:"pitLaneProfile,omitempty"`
	PitSamples      []geom.PitStopSample   `json:"pitSamples,omitempty"`
	PathVersion     int                    `json:"pathVersion"`
	LapsProcessed   int                    `json:"totalLapsProcessed"`

	DNFs        map[int]string `json:"dnfs"`
	TimeoutDNFs map[int]bool   `json:"timeoutDnfDrivers"`
	TrackStalls map[int]int    `json:"trackStalls"`

	ActiveSafetyCar bool `json:"activeSafetyCar"`
	ActiveRedFlag   bool `json:"activeRedFlag"`
	TotalLaps       int  `json:"totalLaps,omitempty"`
	LeaderLap       int  `json:"leaderLap"`

	LatestClock      *event.ClockPayload `json:"latestClock,omitempty"`
	LastClockMillis  int64               `json:"lastClockMillis"`
	lastWeatherSaved int64
}

// New creates an empty session from a session announcement.
func New(p event.SessionPayload) *Session {
	return &Session{
		SessionKey:      p.SessionKey,
		MeetingKey:      p.MeetingKey,
		TrackName:       p.TrackName,
		SessionType:     p.SessionType,
		SessionName:     p.SessionName,
		DateEnd:         time.UnixMilli(p.DateEnd),
		Drivers:         make(map[int]event.DriverInfo),
		PositionHistory: make(map[int]map[int][]geom.TimedPoint),
		CurrentPosition: make(map[int]geom.Point),
		CurrentLap:      make(map[int]int),
		CompletedLaps:   make(map[string]*Lap),
		BestLap:         make(map[int]float64),
		RacePosition:    make(map[int]int),
		IntervalsByCar:  make(map[int]Intervals),
		Stints:          make(map[int]*Stint),
		StintHistory:    make(map[int][]Stint),
		Pits:            make(map[int]*PitState),
		CarData:         make(map[int]CarTelemetry),
		DNFs:            make(map[int]string),
		TimeoutDNFs:     make(map[int]bool),
		TrackStalls:     make(map[int]int),
	}
}

// LapKey builds the completedLaps key for (driver, lap).
func LapKey(driver, lap int) string {
	return fmt.Sprintf("%d-%d", driver, lap)
}

// IsRace reports whether the session type counts laps competitively.
func (s *Session) IsRace() bool {
	return s.SessionType == SessionTypeRace || s.SessionType == SessionTypeSprint
}

// PitExitSpeedKPH is the speed above which a car is considered to have left
// the pit lane: the detected (or default) limit plus the classification
// margin.
func (s *Session) PitExitSpeedKPH() float64 {
	limit := float64(geom.DefaultPitSpeedLimitKPH)
	if s.PitProfile != nil && s.PitProfile.SpeedLimitKPH > 0 {
		limit = s.PitProfile.SpeedLimitKPH
	}
	return limit + geom.PitSpeedMarginKPH
}
